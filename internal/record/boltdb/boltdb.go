package boltdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/boltdb/bolt"

	"grainstore/internal/codec"
	"grainstore/internal/record"
)

var bucketRecords = []byte("records")

// envelope is the stored form of a record. The grain key doubles as the
// bucket key, so only the remaining fields are encoded.
type envelope struct {
	Version   int64
	Tombstone bool
	Payload   []byte
}

// Store is a record store backed by a Bolt database file.
type Store struct {
	db  *bolt.DB
	enc codec.Codec
}

// Open opens or creates the database at path and ensures the records
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}

	return &Store{db: db, enc: codec.Msgpack{}}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertIfAbsent creates the record with version 1 unless any record for
// the key already exists.
func (s *Store) InsertIfAbsent(_ context.Context, key string, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get([]byte(key)) != nil {
			return record.ErrNoMatch
		}

		env := envelope{Version: 1, Payload: payload}
		buf, err := s.enc.Marshal(&env)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		newVersion = env.Version
		return b.Put([]byte(key), buf)
	})
	if err != nil {
		if errors.Is(err, record.ErrNoMatch) {
			return 0, record.ErrNoMatch
		}
		return 0, fmt.Errorf("insert %q: %w", key, err)
	}
	return newVersion, nil
}

// CompareAndSwapUpdate replaces the payload if the stored version equals
// expected. A matching tombstone is revived.
func (s *Store) CompareAndSwapUpdate(_ context.Context, key string, expected int64, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		env, err := s.decode(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		if env == nil || env.Version != expected {
			return record.ErrNoMatch
		}

		env.Version++
		env.Tombstone = false
		env.Payload = payload
		buf, err := s.enc.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		newVersion = env.Version
		return b.Put([]byte(key), buf)
	})
	if err != nil {
		if errors.Is(err, record.ErrNoMatch) {
			return 0, record.ErrNoMatch
		}
		return 0, fmt.Errorf("update %q: %w", key, err)
	}
	return newVersion, nil
}

// CompareAndSwapTombstone clears the payload if the stored version equals
// expected. The record itself stays, preserving the version lineage.
func (s *Store) CompareAndSwapTombstone(_ context.Context, key string, expected int64) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		env, err := s.decode(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		if env == nil || env.Version != expected {
			return record.ErrNoMatch
		}

		env.Version++
		env.Tombstone = true
		env.Payload = nil
		buf, err := s.enc.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		newVersion = env.Version
		return b.Put([]byte(key), buf)
	})
	if err != nil {
		if errors.Is(err, record.ErrNoMatch) {
			return 0, record.ErrNoMatch
		}
		return 0, fmt.Errorf("tombstone %q: %w", key, err)
	}
	return newVersion, nil
}

// ReadByKey returns the current record, or nil if the key has never been
// written.
func (s *Store) ReadByKey(_ context.Context, key string) (*record.Record, error) {
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}

	var rec *record.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		env, err := s.decode(tx.Bucket(bucketRecords).Get([]byte(key)))
		if err != nil {
			return err
		}
		if env == nil {
			return nil
		}
		rec = &record.Record{
			Key:       key,
			Payload:   append([]byte(nil), env.Payload...),
			Version:   env.Version,
			Tombstone: env.Tombstone,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return rec, nil
}

// PurgeTombstones removes tombstoned records in a single transaction.
func (s *Store) PurgeTombstones(_ context.Context) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)

		var doomed [][]byte
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			env, err := s.decode(v)
			if err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			if env.Tombstone {
				// Cursor memory is only valid inside the transaction.
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(doomed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return purged, nil
}

// decode unmarshals a stored envelope. A nil input means the key is
// absent and yields a nil envelope.
func (s *Store) decode(raw []byte) (*envelope, error) {
	if raw == nil {
		return nil, nil
	}
	var env envelope
	if err := s.enc.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &env, nil
}
