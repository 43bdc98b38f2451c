package record

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// MaxKeyLen is the largest accepted key length in bytes.
const MaxKeyLen = 128

var (
	// ErrNoMatch reports that a mutation found no record in the expected
	// state: the record is absent, or its stored version differs from the
	// version the caller presented. It is a protocol outcome, not a fault;
	// callers re-read and decide whether to retry.
	ErrNoMatch = errors.New("no record matched the expected version")

	// ErrInvalidKey reports a key that is empty or longer than MaxKeyLen.
	ErrInvalidKey = errors.New("invalid record key")
)

// Record is the sole durable entity: one grain's serialized state under a
// unique key. A tombstoned record keeps its key and version but carries no
// payload; tombstones are never removed by the normal operation path.
type Record struct {
	Key       string
	Payload   []byte
	Version   int64
	Tombstone bool
}

// Copy returns a deep copy so callers cannot alias a backend's buffers.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	cp := &Record{
		Key:       r.Key,
		Version:   r.Version,
		Tombstone: r.Tombstone,
	}
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	return cp
}

// Store is the backend contract. Implementations must make each mutation
// atomic: a concurrent caller observes either the full effect or none, and
// of two racing mutations presenting the same expected state at most one
// succeeds.
type Store interface {
	// InsertIfAbsent creates the record with version 1 if and only if no
	// record exists for key. An existing record (live or tombstoned) means
	// ErrNoMatch with no mutation.
	InsertIfAbsent(ctx context.Context, key string, payload []byte) (int64, error)

	// CompareAndSwapUpdate replaces the payload and increments the version
	// if and only if the record exists with exactly the expected version.
	// Returns the new version, or ErrNoMatch with no mutation.
	CompareAndSwapUpdate(ctx context.Context, key string, expected int64, payload []byte) (int64, error)

	// CompareAndSwapTombstone clears the payload and increments the version
	// if and only if the record exists with exactly the expected version.
	// Returns the new version, or ErrNoMatch with no mutation.
	CompareAndSwapTombstone(ctx context.Context, key string, expected int64) (int64, error)

	// ReadByKey returns a copy of the current record, or (nil, nil) when the
	// key has never been written.
	ReadByKey(ctx context.Context, key string) (*Record, error)
}

// Maintainer is implemented by backends that support the out-of-band
// compaction sweep. Purging is never triggered by the operation path; a
// purged key restarts its version lineage on the next insert.
type Maintainer interface {
	// PurgeTombstones physically removes tombstoned records and reports how
	// many were removed.
	PurgeTombstones(ctx context.Context) (int, error)
}

// Pinger is implemented by backends with a meaningful connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ValidateKey rejects keys the record schema cannot hold.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key is %d bytes, limit is %d", ErrInvalidKey, len(key), MaxKeyLen)
	}
	return nil
}

// Close closes the backend when it holds closable resources.
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
