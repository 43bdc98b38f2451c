package inmem

import (
	"context"
	"sync"

	"grainstore/internal/record"
)

// Store is a thread-safe in-memory record store. Mutations take the write
// lock for the whole check-and-write, which is what makes each operation a
// single atomic unit.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record.Record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*record.Record),
	}
}

// InsertIfAbsent creates the record with version 1 unless any record for
// the key already exists.
func (s *Store) InsertIfAbsent(_ context.Context, key string, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return 0, record.ErrNoMatch
	}

	rec := &record.Record{
		Key:     key,
		Payload: append([]byte(nil), payload...),
		Version: 1,
	}
	s.records[key] = rec
	return rec.Version, nil
}

// CompareAndSwapUpdate replaces the payload if the stored version equals
// expected.
func (s *Store) CompareAndSwapUpdate(_ context.Context, key string, expected int64, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists || rec.Version != expected {
		return 0, record.ErrNoMatch
	}

	rec.Payload = append([]byte(nil), payload...)
	rec.Version++
	rec.Tombstone = false
	return rec.Version, nil
}

// CompareAndSwapTombstone clears the payload if the stored version equals
// expected. The record itself stays, preserving the version lineage.
func (s *Store) CompareAndSwapTombstone(_ context.Context, key string, expected int64) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists || rec.Version != expected {
		return 0, record.ErrNoMatch
	}

	rec.Payload = nil
	rec.Tombstone = true
	rec.Version++
	return rec.Version, nil
}

// ReadByKey returns a copy of the current record, or nil if the key has
// never been written.
func (s *Store) ReadByKey(_ context.Context, key string) (*record.Record, error) {
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[key]
	if !exists {
		return nil, nil
	}
	return rec.Copy(), nil
}

// PurgeTombstones removes tombstoned records. Maintenance only; never part
// of the operation path.
func (s *Store) PurgeTombstones(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, rec := range s.records {
		if rec.Tombstone {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

// Len reports the number of records, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
