package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Wallet file format. Every parameter needed to re-derive the key is
// stored alongside the ciphertext, so a file written under one policy
// still unlocks after the policy changes for new wallets. Unknown
// algorithm identifiers are rejected, which leaves room to add new ones
// without breaking old files.

const (
	FormatVersion = 1
	FileExt       = ".wlt"

	KDFPBKDF2SHA256 = "pbkdf2-sha256"
	CipherAES256GCM = "aes-256-gcm"
)

// KDFParams records how the encryption key is derived from the password.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"` // base64, never reused across wallets
	Iterations int    `json:"iterations"`
	KeyLen     int    `json:"keyLen"`
}

// CipherParams records the authenticated-encryption parameters.
// Ciphertext carries the GCM tag in its final 16 bytes.
type CipherParams struct {
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`      // base64
	Ciphertext string `json:"ciphertext"` // base64, tag appended
}

// EncryptedWallet is the persisted wallet record. The address is stored
// in the clear so wallet files can be listed without a password.
type EncryptedWallet struct {
	Version int          `json:"version"`
	Address string       `json:"address"` // EIP-55 checksummed hex
	KDF     KDFParams    `json:"kdf"`
	Cipher  CipherParams `json:"cipher"`
}

func (w *EncryptedWallet) checkFormat() error {
	if w.Version != FormatVersion {
		return fmt.Errorf("unsupported wallet format version %d", w.Version)
	}
	if w.KDF.Algorithm != KDFPBKDF2SHA256 {
		return fmt.Errorf("unsupported kdf %q", w.KDF.Algorithm)
	}
	if w.Cipher.Algorithm != CipherAES256GCM {
		return fmt.Errorf("unsupported cipher %q", w.Cipher.Algorithm)
	}
	return nil
}

func marshalWallet(w *EncryptedWallet) ([]byte, error) {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal wallet file: %w", err)
	}
	return data, nil
}

// FileName returns the canonical file name for a wallet address,
// wallet_0x<address>.wlt, matching what List discovers.
func FileName(address string) string {
	return "wallet_" + strings.ToLower(address) + FileExt
}

// ReadFile loads and format-checks a wallet file without touching the
// password or key material.
func ReadFile(path string) (*EncryptedWallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	var w EncryptedWallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse wallet file: %w", err)
	}
	if err := w.checkFormat(); err != nil {
		return nil, err
	}
	return &w, nil
}

// ReadAddress returns the public address of a wallet file. No password
// needed; the address is not a secret.
func ReadAddress(path string) (string, error) {
	w, err := ReadFile(path)
	if err != nil {
		return "", err
	}
	return w.Address, nil
}

// Info identifies a discovered wallet file.
type Info struct {
	Path    string
	Address string
}

// List discovers *.wlt files in dir. Files that fail to parse are
// skipped; a foreign file in the wallet directory should not block the
// readable ones.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read wallet dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		addr, err := ReadAddress(path)
		if err != nil {
			continue
		}
		out = append(out, Info{Path: path, Address: addr})
	}
	return out, nil
}
