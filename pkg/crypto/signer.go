package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKeyFormat is returned when imported key material is not a
// well-formed secp256k1 scalar. Rejected before any crypto or network work.
var ErrInvalidKeyFormat = errors.New("crypto: private key is not a valid secp256k1 scalar")

// ErrSignerDestroyed is returned when a signing call races a Zero().
var ErrSignerDestroyed = errors.New("crypto: signer key material has been destroyed")

// Signer wraps a secp256k1 private key and its derived Ethereum address.
// The key never leaves the Signer except through RawKey, which exists
// solely so the wallet store can encrypt it at rest. Error paths never
// carry key material.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// FromRawKey builds a Signer from a 32-byte big-endian scalar. The scalar
// must lie in [1, N-1] for the secp256k1 curve order N; anything else is
// rejected with ErrInvalidKeyFormat before the key is accepted.
func FromRawKey(raw []byte) (*Signer, error) {
	if len(raw) != 32 {
		return nil, ErrInvalidKeyFormat
	}
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(crypto.S256().Params().N) >= 0 {
		return nil, ErrInvalidKeyFormat
	}
	privateKey, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the public key.
func (s *Signer) Address() common.Address {
	return s.address
}

// RawKey returns a copy of the 32-byte private scalar for at-rest
// encryption by the wallet store. The caller owns the copy and must
// zeroize it after use.
func (s *Signer) RawKey() []byte {
	if s.privateKey == nil {
		return nil
	}
	return crypto.FromECDSA(s.privateKey)
}

// Sign signs a 32-byte digest and returns a 65-byte [R || S || V]
// signature. go-ethereum's secp256k1 signing is deterministic (RFC 6979),
// so the same digest signed twice verifies against the same address.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if s.privateKey == nil {
		return nil, ErrSignerDestroyed
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// Zero wipes the private scalar. Safe to call more than once; signing
// after Zero fails with ErrSignerDestroyed.
func (s *Signer) Zero() {
	if s.privateKey == nil {
		return
	}
	if d := s.privateKey.D; d != nil {
		// big.Int offers no in-place wipe; overwrite its backing words.
		bits := d.Bits()
		for i := range bits {
			bits[i] = 0
		}
		d.SetInt64(0)
	}
	s.privateKey = nil
}

// VerifySignature reports whether signature was produced over digest by
// the key behind address. Used both for self-test after signing and for
// validating externally supplied signatures.
func VerifySignature(address common.Address, digest []byte, signature []byte) bool {
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false
	}
	return recovered == address
}

// RecoverAddress recovers the signing address from a digest and a 65-byte
// signature.
func RecoverAddress(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("invalid digest length: %d", len(digest))
	}

	publicKeyBytes, err := crypto.Ecrecover(digest, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return crypto.PubkeyToAddress(*publicKey), nil
}
