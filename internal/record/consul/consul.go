package consul

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"

	"grainstore/internal/codec"
	"grainstore/internal/record"
)

// Config carries the connection settings for a Consul-backed store.
// Zero-valued fields fall back to the consul client defaults, which also
// honor the standard CONSUL_* environment variables.
type Config struct {
	Address    string
	Prefix     string
	Token      string
	Datacenter string
}

// envelope is the stored form of a record. The grain key is part of the
// KV path, so only the remaining fields are encoded.
type envelope struct {
	Version   int64
	Tombstone bool
	Payload   []byte
}

// Store is a record store backed by Consul KV.
type Store struct {
	kv     *api.KV
	prefix string
	enc    codec.Codec
}

// Open creates a Consul client and a store rooted at cfg.Prefix.
func Open(cfg Config) (*Store, error) {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		return nil, fmt.Errorf("consul store: prefix must not be empty")
	}

	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &Store{kv: client.KV(), prefix: prefix, enc: codec.Msgpack{}}, nil
}

func (s *Store) keyPath(key string) string {
	return s.prefix + "/" + key
}

// Ping probes the agent with a read under the store's prefix.
func (s *Store) Ping(ctx context.Context) error {
	_, _, err := s.kv.Get(s.prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul unreachable: %w", err)
	}
	return nil
}

// InsertIfAbsent creates the record with version 1 unless any entry for
// the key already exists. ModifyIndex 0 makes the put create-only.
func (s *Store) InsertIfAbsent(ctx context.Context, key string, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	env := envelope{Version: 1, Payload: payload}
	buf, err := s.enc.Marshal(&env)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	pair := &api.KVPair{Key: s.keyPath(key), Value: buf, ModifyIndex: 0}
	ok, _, err := s.kv.CAS(pair, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("insert %q: %w", key, err)
	}
	if !ok {
		return 0, record.ErrNoMatch
	}
	return env.Version, nil
}

// CompareAndSwapUpdate replaces the payload if the stored version equals
// expected. A matching tombstone is revived.
func (s *Store) CompareAndSwapUpdate(ctx context.Context, key string, expected int64, payload []byte) (int64, error) {
	return s.swap(ctx, key, expected, func(env *envelope) {
		env.Tombstone = false
		env.Payload = payload
	})
}

// CompareAndSwapTombstone clears the payload if the stored version equals
// expected. The entry stays, preserving the version lineage.
func (s *Store) CompareAndSwapTombstone(ctx context.Context, key string, expected int64) (int64, error) {
	return s.swap(ctx, key, expected, func(env *envelope) {
		env.Tombstone = true
		env.Payload = nil
	})
}

// swap reads the current entry, verifies the version and writes the
// mutated envelope back at the observed ModifyIndex.
func (s *Store) swap(ctx context.Context, key string, expected int64, mutate func(*envelope)) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	pair, _, err := s.kv.Get(s.keyPath(key), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("read %q: %w", key, err)
	}
	if pair == nil {
		return 0, record.ErrNoMatch
	}

	var env envelope
	if err := s.enc.Unmarshal(pair.Value, &env); err != nil {
		return 0, fmt.Errorf("decode record %q: %w", key, err)
	}
	if env.Version != expected {
		return 0, record.ErrNoMatch
	}

	env.Version++
	mutate(&env)
	buf, err := s.enc.Marshal(&env)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	next := &api.KVPair{Key: pair.Key, Value: buf, ModifyIndex: pair.ModifyIndex}
	ok, _, err := s.kv.CAS(next, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("write %q: %w", key, err)
	}
	if !ok {
		// The entry changed since our read, and every change bumps the
		// version, so expected cannot match anymore.
		return 0, record.ErrNoMatch
	}
	return env.Version, nil
}

// ReadByKey returns the current record, or nil if the key has never been
// written.
func (s *Store) ReadByKey(ctx context.Context, key string) (*record.Record, error) {
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}

	pair, _, err := s.kv.Get(s.keyPath(key), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	if pair == nil {
		return nil, nil
	}

	var env envelope
	if err := s.enc.Unmarshal(pair.Value, &env); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", key, err)
	}
	return &record.Record{
		Key:       key,
		Payload:   env.Payload,
		Version:   env.Version,
		Tombstone: env.Tombstone,
	}, nil
}

// PurgeTombstones deletes tombstoned entries under the prefix. Deletes
// are check-and-set at the observed index, so an entry revived during the
// sweep is left alone.
func (s *Store) PurgeTombstones(ctx context.Context) (int, error) {
	pairs, _, err := s.kv.List(s.prefix+"/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	purged := 0
	for _, pair := range pairs {
		var env envelope
		if err := s.enc.Unmarshal(pair.Value, &env); err != nil {
			return purged, fmt.Errorf("decode record %q: %w", pair.Key, err)
		}
		if !env.Tombstone {
			continue
		}
		ok, _, err := s.kv.DeleteCAS(pair, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return purged, fmt.Errorf("delete record %q: %w", pair.Key, err)
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}
