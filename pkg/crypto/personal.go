package crypto

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// NormalizeV returns a copy of a 65-byte signature with the recovery id
// mapped from the 27/28 convention browser wallets emit to the 0/1 that
// Ecrecover expects. Signatures already carrying 0/1 come back unchanged.
func NormalizeV(signature []byte) []byte {
	if len(signature) != 65 || signature[64] < 27 {
		return signature
	}
	out := make([]byte, 65)
	copy(out, signature)
	out[64] -= 27
	return out
}

// PersonalDigest is the EIP-191 hash a browser wallet actually signs
// when asked to personal_sign the hex encoding of a 32-byte digest:
// keccak256("\x19Ethereum Signed Message:\n" + len + "0x" + hex(digest)).
func PersonalDigest(digest []byte) []byte {
	return accounts.TextHash([]byte("0x" + hex.EncodeToString(digest)))
}

// VerifyPersonalSignature reports whether signature is a personal_sign
// signature over message by the key behind address. The recovery id may
// use either the 0/1 or 27/28 convention.
func VerifyPersonalSignature(address common.Address, message string, signature []byte) bool {
	return VerifySignature(address, accounts.TextHash([]byte(message)), NormalizeV(signature))
}
