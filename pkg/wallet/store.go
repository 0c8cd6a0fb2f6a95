package wallet

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/crypto"
)

// ErrWrongPasswordOrCorrupt is returned when a wallet fails to unlock.
// Deliberately undifferentiated: whether the password is wrong, the file
// was tampered with, or the stored address does not match the key, the
// caller learns only that the unlock failed. Differentiating would hand
// a password-guessing oracle to anyone with the file.
var ErrWrongPasswordOrCorrupt = errors.New("wallet: wrong password or corrupt wallet file")

// Store persists encrypted wallets in a directory and produces unlock
// sessions. Reads may run concurrently; writes (save, re-encrypt) are
// mutually exclusive and atomic.
type Store struct {
	dir    string
	policy params.Vault
	log    *zap.Logger

	writeMu sync.Mutex
}

func NewStore(policy params.Vault, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dir: policy.Dir, policy: policy, log: log}
}

// Generate creates a fresh random key, encrypts it under password and
// writes the wallet file. Returns the open session and the persisted
// record. The password slice is not retained; the caller wipes it.
func (s *Store) Generate(password []byte) (*Session, *EncryptedWallet, error) {
	signer, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	raw := signer.RawKey()
	w, err := s.seal(raw, signer.Address().Hex(), password)
	crypto.Zeroize(raw)
	if err != nil {
		signer.Zero()
		return nil, nil, err
	}

	if _, err := s.Save(w); err != nil {
		signer.Zero()
		return nil, nil, err
	}

	s.log.Info("wallet_generated", zap.String("address", w.Address))
	return newSession(signer), w, nil
}

// ImportRaw encrypts an existing 32-byte private key under password and
// writes the wallet file. The key must be a valid secp256k1 scalar;
// malformed keys fail with crypto.ErrInvalidKeyFormat before anything is
// written.
func (s *Store) ImportRaw(raw, password []byte) (*EncryptedWallet, error) {
	signer, err := crypto.FromRawKey(raw)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	w, err := s.seal(raw, signer.Address().Hex(), password)
	if err != nil {
		return nil, err
	}
	if _, err := s.Save(w); err != nil {
		return nil, err
	}

	s.log.Info("wallet_imported", zap.String("address", w.Address))
	return w, nil
}

// Unlock derives the key from password using the parameters stored in
// the wallet record and decrypts the private key. Every failure mode
// after format validation maps to ErrWrongPasswordOrCorrupt.
func (s *Store) Unlock(w *EncryptedWallet, password []byte) (*Session, error) {
	if err := w.checkFormat(); err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(w.KDF.Salt)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Cipher.Nonce)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}
	sealed, err := base64.StdEncoding.DecodeString(w.Cipher.Ciphertext)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}

	key := crypto.DeriveKey(password, salt, w.KDF.Iterations, w.KDF.KeyLen)
	defer crypto.Zeroize(key)

	raw, err := crypto.Decrypt(key, nonce, sealed)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}
	defer crypto.Zeroize(raw)

	signer, err := crypto.FromRawKey(raw)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}
	if !strings.EqualFold(signer.Address().Hex(), w.Address) {
		signer.Zero()
		return nil, ErrWrongPasswordOrCorrupt
	}

	return newSession(signer), nil
}

// UnlockFile reads a wallet file and unlocks it.
func (s *Store) UnlockFile(path string, password []byte) (*Session, error) {
	w, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Unlock(w, password)
}

// Path returns where the wallet file for an address lives in the
// store directory. Generate and ImportRaw already write it there.
func (s *Store) Path(address string) string {
	return filepath.Join(s.dir, FileName(address))
}

// Save writes the wallet record atomically: the JSON is written to a
// temp file in the same directory and renamed into place, so a crash
// mid-write cannot corrupt a previously valid wallet file.
func (s *Store) Save(w *EncryptedWallet) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := s.Path(w.Address)
	return path, atomicWriteJSON(path, w)
}

// Reencrypt unlocks a wallet file with oldPassword and rewrites it under
// newPassword with a fresh salt and nonce. Writes are serialized with
// other writes through Save.
func (s *Store) Reencrypt(path string, oldPassword, newPassword []byte) error {
	session, err := s.UnlockFile(path, oldPassword)
	if err != nil {
		return err
	}
	defer session.Lock()

	raw := session.signer.RawKey()
	defer crypto.Zeroize(raw)

	w, err := s.seal(raw, session.Address().Hex(), newPassword)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := atomicWriteJSON(path, w); err != nil {
		return err
	}

	s.log.Info("wallet_reencrypted", zap.String("address", w.Address))
	return nil
}

// List discovers wallet files in the store directory.
func (s *Store) List() ([]Info, error) {
	return List(s.dir)
}

// seal encrypts raw key bytes into a self-describing wallet record with
// a fresh salt (never reused across wallets) and a fresh GCM nonce.
func (s *Store) seal(raw []byte, address string, password []byte) (*EncryptedWallet, error) {
	salt := make([]byte, s.policy.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := crypto.DeriveKey(password, salt, s.policy.IterationCount, s.policy.KeyLen)
	defer crypto.Zeroize(key)

	nonce, sealed, err := crypto.Encrypt(key, raw)
	if err != nil {
		return nil, err
	}

	return &EncryptedWallet{
		Version: FormatVersion,
		Address: address,
		KDF: KDFParams{
			Algorithm:  KDFPBKDF2SHA256,
			Salt:       base64.StdEncoding.EncodeToString(salt),
			Iterations: s.policy.IterationCount,
			KeyLen:     s.policy.KeyLen,
		},
		Cipher: CipherParams{
			Algorithm:  CipherAES256GCM,
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		},
	}, nil
}

func atomicWriteJSON(path string, w *EncryptedWallet) error {
	data, err := marshalWallet(w)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".wlt-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp wallet file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp wallet file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp wallet file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp wallet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp wallet file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit wallet file: %w", err)
	}
	return nil
}
