package wallet

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SaltBlocks/gumarket/pkg/crypto"
)

// ErrSessionLocked is returned when signing is attempted after Lock.
var ErrSessionLocked = errors.New("wallet: session is locked")

// Session is the in-memory handle to an unlocked key. It exclusively
// owns the key for the lifetime of one unlock; signing calls borrow it
// one at a time and never see the raw bytes. Lock destroys the key and
// is safe to call more than once.
type Session struct {
	mu      sync.Mutex
	signer  *crypto.Signer
	address common.Address
	locked  bool
}

func newSession(signer *crypto.Signer) *Session {
	return &Session{signer: signer, address: signer.Address()}
}

// Address returns the account address. Valid after Lock too; only the
// key material is destroyed.
func (s *Session) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest with the session key. Concurrent
// calls are serialized, not rejected: the key is the one resource that
// needs exclusive-in-time access.
func (s *Session) SignDigest(digest []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrSessionLocked
	}
	return s.signer.Sign(digest)
}

// Lock zeroes the in-memory key and ends the session. Idempotent.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	s.signer.Zero()
	s.locked = true
}
