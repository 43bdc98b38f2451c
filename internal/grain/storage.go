package grain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"grainstore/internal/codec"
	"grainstore/internal/record"
	"grainstore/internal/version"
)

var (
	// ErrVersionConflict reports that the presented version tag no longer
	// matches the stored record: a concurrent writer won the race. The
	// caller must re-read before deciding whether to retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidOperation reports caller misuse, such as clearing state
	// that was never read or written. Never retried.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNotStarted and ErrStopped report calls outside the storage
	// lifecycle window.
	ErrNotStarted = errors.New("grain storage not started")
	ErrStopped    = errors.New("grain storage stopped")
)

const (
	stateCreated int32 = iota
	stateStarted
	stateStopped
)

// Storage adapts a record store to the grain-facing read/write/clear API.
// It owns the backend store once started: Stop closes it. All methods are
// safe for concurrent use; correctness under concurrent writers rests on
// the store's per-operation atomicity, not on any lock here.
type Storage struct {
	store  record.Store
	codec  codec.Codec
	logger hclog.Logger
	state  atomic.Int32
}

// New creates a Storage over the given record store. A nil codec defaults
// to msgpack, a nil logger discards.
func New(store record.Store, c codec.Codec, logger hclog.Logger) *Storage {
	if c == nil {
		c = codec.Msgpack{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Storage{
		store:  store,
		codec:  c,
		logger: logger.Named("grain"),
	}
}

// Name implements lifecycle.Participant.
func (s *Storage) Name() string { return "grain-storage" }

// Start opens the storage for operations. It probes backend connectivity
// when the store supports it and may be called once.
func (s *Storage) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateCreated, stateStarted) {
		return fmt.Errorf("%w: start called twice", ErrInvalidOperation)
	}
	if p, ok := s.store.(record.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.state.Store(stateStopped)
			return fmt.Errorf("record store unreachable: %w", err)
		}
	}
	s.logger.Info("started")
	return nil
}

// Stop closes the storage. Operations issued after Stop begins fail with
// ErrStopped. May be called once, after Start.
func (s *Storage) Stop(context.Context) error {
	if !s.state.CompareAndSwap(stateStarted, stateStopped) {
		return fmt.Errorf("%w: stop without a completed start", ErrInvalidOperation)
	}
	err := record.Close(s.store)
	if err != nil {
		return fmt.Errorf("close record store: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Storage) guard() error {
	switch s.state.Load() {
	case stateStarted:
		return nil
	case stateCreated:
		return ErrNotStarted
	default:
		return ErrStopped
	}
}

// Read loads the current state for key into dest (a pointer; nil skips
// decoding). The returned tag is the caller's ticket for the next Write or
// Clear. found reports whether live state was decoded:
//
//   - never persisted: zero tag, found=false, dest untouched
//   - tombstoned: the tombstone's tag, found=false, dest untouched
//   - live: the record's tag, found=true, dest decoded
//
// A tombstoned key still has a record, so a later Write with the returned
// tag goes through compare-and-swap, not fresh insert.
func (s *Storage) Read(ctx context.Context, key string, dest any) (version.Tag, bool, error) {
	if err := s.guard(); err != nil {
		return version.Tag{}, false, err
	}

	rec, err := s.store.ReadByKey(ctx, key)
	if err != nil {
		return version.Tag{}, false, fmt.Errorf("read %q: %w", key, err)
	}
	if rec == nil {
		return version.Tag{}, false, nil
	}

	tag := version.Of(rec.Version)
	if rec.Tombstone {
		return tag, false, nil
	}
	if dest != nil {
		if err := s.codec.Unmarshal(rec.Payload, dest); err != nil {
			return version.Tag{}, false, fmt.Errorf("decode state for %q: %w", key, err)
		}
	}
	return tag, true, nil
}

// Write persists state under key. A zero tag means the caller believes the
// key was never persisted and requests a fresh insert; any other tag must
// be the version last observed. On success the new tag is returned and the
// caller must retain it. A lost race surfaces as ErrVersionConflict and
// leaves the stored record untouched.
func (s *Storage) Write(ctx context.Context, key string, state any, tag version.Tag) (version.Tag, error) {
	if err := s.guard(); err != nil {
		return version.Tag{}, err
	}

	payload, err := s.codec.Marshal(state)
	if err != nil {
		return version.Tag{}, fmt.Errorf("encode state for %q: %w", key, err)
	}

	var newVersion int64
	if tag.IsZero() {
		newVersion, err = s.store.InsertIfAbsent(ctx, key, payload)
	} else {
		newVersion, err = s.store.CompareAndSwapUpdate(ctx, key, tag.Seq(), payload)
	}
	if err != nil {
		if errors.Is(err, record.ErrNoMatch) {
			s.logger.Debug("write conflict", "key", key, "tag", tag.String())
			return version.Tag{}, fmt.Errorf("write %q with tag %q: %w", key, tag, ErrVersionConflict)
		}
		return version.Tag{}, fmt.Errorf("write %q: %w", key, err)
	}

	s.logger.Debug("wrote state", "key", key, "version", newVersion)
	return version.Of(newVersion), nil
}

// Clear tombstones the state under key. The tag is required: clearing a
// key that was never read or written is a programming error and fails with
// ErrInvalidOperation before the store is contacted. The record itself
// survives with an incremented version, which Clear returns.
func (s *Storage) Clear(ctx context.Context, key string, tag version.Tag) (version.Tag, error) {
	if err := s.guard(); err != nil {
		return version.Tag{}, err
	}
	if tag.IsZero() {
		return version.Tag{}, fmt.Errorf("%w: clear of %q without a version tag", ErrInvalidOperation, key)
	}

	newVersion, err := s.store.CompareAndSwapTombstone(ctx, key, tag.Seq())
	if err != nil {
		if errors.Is(err, record.ErrNoMatch) {
			s.logger.Debug("clear conflict", "key", key, "tag", tag.String())
			return version.Tag{}, fmt.Errorf("clear %q with tag %q: %w", key, tag, ErrVersionConflict)
		}
		return version.Tag{}, fmt.Errorf("clear %q: %w", key, err)
	}

	s.logger.Debug("cleared state", "key", key, "version", newVersion)
	return version.Of(newVersion), nil
}
