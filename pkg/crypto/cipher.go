package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// GCMNonceLen is the nonce length used for wallet encryption. A fresh
// random nonce is drawn for every Encrypt call; reusing a nonce with the
// same key would break GCM's confidentiality guarantees.
const GCMNonceLen = 12

// ErrAuthentication is returned when authenticated decryption fails.
// It covers both a wrong key and a corrupted ciphertext or tag; callers
// must not try to tell these apart.
var ErrAuthentication = errors.New("crypto: message authentication failed")

// DeriveKey stretches a password into a symmetric key with PBKDF2-SHA256.
// Deterministic: identical inputs always yield the identical key, which is
// what lets a stored wallet be unlocked with the parameters recorded in
// its file. The iteration count policy lives in params.Vault.
func DeriveKey(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext under key with AES-256-GCM.
// Returns the fresh random nonce and the sealed bytes (ciphertext with the
// 16-byte GCM tag appended).
func Encrypt(key, plaintext []byte) (nonce, sealed []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, GCMNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed = aesGCM.Seal(nil, nonce, plaintext, nil)
	return nonce, sealed, nil
}

// Decrypt opens sealed bytes produced by Encrypt. The GCM tag is verified
// before any plaintext is returned; a single flipped bit anywhere in the
// ciphertext or tag yields ErrAuthentication and no partial output.
func Decrypt(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != aesGCM.NonceSize() {
		return nil, ErrAuthentication
	}

	plaintext, err := aesGCM.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Zeroize overwrites b in place. Callers wipe derived keys, passwords and
// decrypted key material as soon as they are done with them.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
