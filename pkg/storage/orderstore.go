package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/SaltBlocks/gumarket/pkg/order"
)

// Pebble key schema:
//
//   rec:<localID>              → order.Record
//   open:<conflictKey>         → localID of the record holding the
//                                in-flight slot for that asset+intent
//
// The open: entries survive restarts, so a crashed process cannot be
// tricked into double-submitting a sell for the same asset.

const (
	prefixRecord = "rec:"
	prefixOpen   = "open:"
)

func recordKey(id uuid.UUID) []byte {
	return []byte(prefixRecord + id.String())
}

func openKey(conflictKey string) []byte {
	return []byte(prefixOpen + conflictKey)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// OrderStore persists order records in Pebble.
type OrderStore struct {
	db *pebble.DB
}

func NewOrderStore(path string) (*OrderStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &OrderStore{db: db}, nil
}

func (s *OrderStore) Close() error { return s.db.Close() }

// SaveRecord persists a record. The open: index entry is maintained in
// the same batch: set while the record holds its slot, cleared once it
// reaches a terminal state or fails before signing.
func (s *OrderStore) SaveRecord(rec *order.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(recordKey(rec.LocalID), data, nil); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	if rec.Open() {
		if err := batch.Set(openKey(rec.ConflictKey), []byte(rec.LocalID.String()), nil); err != nil {
			return fmt.Errorf("failed to mark open slot: %w", err)
		}
	} else {
		if err := batch.Delete(openKey(rec.ConflictKey), nil); err != nil {
			return fmt.Errorf("failed to clear open slot: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// LoadRecord loads a record by local id. Returns nil if absent.
func (s *OrderStore) LoadRecord(id uuid.UUID) (*order.Record, error) {
	data, closer, err := s.db.Get(recordKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	defer closer.Close()

	var rec order.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// OpenRecord returns the record occupying an asset+intent slot, or nil
// if the slot is free.
func (s *OrderStore) OpenRecord(conflictKey string) (*order.Record, error) {
	data, closer, err := s.db.Get(openKey(conflictKey))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open slot: %w", err)
	}
	idStr := string(data)
	closer.Close()

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt open slot for %s: %w", conflictKey, err)
	}
	return s.LoadRecord(id)
}

// LoadOpenRecords returns every record still holding its slot.
func (s *OrderStore) LoadOpenRecords() ([]*order.Record, error) {
	prefix := []byte(prefixRecord)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*order.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec order.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // skip invalid entries
		}
		if rec.Open() {
			out = append(out, &rec)
		}
	}
	return out, nil
}
