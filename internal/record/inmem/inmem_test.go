package inmem

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"grainstore/internal/record"
)

func TestStore_InsertAndRead(t *testing.T) {
	store := New()
	ctx := context.Background()

	version, err := store.InsertIfAbsent(ctx, "key1", []byte("state1"))
	if err != nil {
		t.Fatalf("InsertIfAbsent unexpected error: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected first insert to return version 1, got %d", version)
	}

	rec, err := store.ReadByKey(ctx, "key1")
	if err != nil {
		t.Fatalf("ReadByKey unexpected error: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected a record after insert")
	}
	if string(rec.Payload) != "state1" {
		t.Errorf("Expected payload 'state1', got %q", rec.Payload)
	}
	if rec.Version != 1 {
		t.Errorf("Expected version 1, got %d", rec.Version)
	}
	if rec.Tombstone {
		t.Error("Fresh record should not be a tombstone")
	}
}

func TestStore_ReadNeverWritten(t *testing.T) {
	store := New()

	rec, err := store.ReadByKey(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("ReadByKey unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil record for never-written key, got %+v", rec)
	}
}

func TestStore_InsertIfAbsentExisting(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.InsertIfAbsent(ctx, "key1", []byte("first")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	_, err := store.InsertIfAbsent(ctx, "key1", []byte("second"))
	if !errors.Is(err, record.ErrNoMatch) {
		t.Errorf("Expected ErrNoMatch on duplicate insert, got %v", err)
	}

	// The losing insert must not mutate anything.
	rec, _ := store.ReadByKey(ctx, "key1")
	if string(rec.Payload) != "first" {
		t.Errorf("Losing insert mutated the record: %q", rec.Payload)
	}
	if rec.Version != 1 {
		t.Errorf("Losing insert changed the version: %d", rec.Version)
	}
}

func TestStore_CompareAndSwapUpdate(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "key1", []byte("v1"))

	version, err := store.CompareAndSwapUpdate(ctx, "key1", 1, []byte("v2"))
	if err != nil {
		t.Fatalf("CompareAndSwapUpdate unexpected error: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}

	rec, _ := store.ReadByKey(ctx, "key1")
	if string(rec.Payload) != "v2" {
		t.Errorf("Expected payload 'v2', got %q", rec.Payload)
	}
}

func TestStore_CompareAndSwapUpdateStale(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "key1", []byte("v1"))
	store.CompareAndSwapUpdate(ctx, "key1", 1, []byte("v2"))

	tests := []struct {
		name     string
		key      string
		expected int64
	}{
		{name: "stale version", key: "key1", expected: 1},
		{name: "future version", key: "key1", expected: 3},
		{name: "zero version", key: "key1", expected: 0},
		{name: "absent record", key: "other", expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CompareAndSwapUpdate(ctx, tt.key, tt.expected, []byte("clobber"))
			if !errors.Is(err, record.ErrNoMatch) {
				t.Errorf("Expected ErrNoMatch, got %v", err)
			}
		})
	}

	// No failed swap may leave a trace.
	rec, _ := store.ReadByKey(ctx, "key1")
	if string(rec.Payload) != "v2" || rec.Version != 2 {
		t.Errorf("Failed swaps mutated the record: %q v%d", rec.Payload, rec.Version)
	}
}

func TestStore_CompareAndSwapTombstone(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "key1", []byte("v1"))

	version, err := store.CompareAndSwapTombstone(ctx, "key1", 1)
	if err != nil {
		t.Fatalf("CompareAndSwapTombstone unexpected error: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2 after tombstone, got %d", version)
	}

	rec, _ := store.ReadByKey(ctx, "key1")
	if rec == nil {
		t.Fatal("Tombstone must keep the record row")
	}
	if !rec.Tombstone {
		t.Error("Expected tombstone flag")
	}
	if rec.Payload != nil {
		t.Errorf("Expected absent payload, got %q", rec.Payload)
	}
	if rec.Version != 2 {
		t.Errorf("Expected version 2, got %d", rec.Version)
	}
}

func TestStore_TombstoneNeverWrittenKey(t *testing.T) {
	store := New()

	_, err := store.CompareAndSwapTombstone(context.Background(), "ghost", 0)
	if !errors.Is(err, record.ErrNoMatch) {
		t.Errorf("Expected ErrNoMatch, got %v", err)
	}
	if rec, _ := store.ReadByKey(context.Background(), "ghost"); rec != nil {
		t.Error("Tombstone attempt must never create a record")
	}
}

func TestStore_WriteAfterTombstone(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "key1", []byte("v1"))
	store.CompareAndSwapTombstone(ctx, "key1", 1)

	// The row still exists, so a fresh insert must lose and an update
	// against the tombstone version must win.
	if _, err := store.InsertIfAbsent(ctx, "key1", []byte("v3")); !errors.Is(err, record.ErrNoMatch) {
		t.Errorf("Expected ErrNoMatch inserting over a tombstone, got %v", err)
	}

	version, err := store.CompareAndSwapUpdate(ctx, "key1", 2, []byte("v3"))
	if err != nil {
		t.Fatalf("Update over tombstone failed: %v", err)
	}
	if version != 3 {
		t.Errorf("Expected version 3, got %d", version)
	}

	rec, _ := store.ReadByKey(ctx, "key1")
	if rec.Tombstone {
		t.Error("Record should be live again after the update")
	}
	if string(rec.Payload) != "v3" {
		t.Errorf("Expected payload 'v3', got %q", rec.Payload)
	}
}

func TestStore_VersionsNeverRepeat(t *testing.T) {
	store := New()
	ctx := context.Background()

	seen := make(map[int64]bool)
	version, _ := store.InsertIfAbsent(ctx, "key1", []byte("v"))
	seen[version] = true

	for i := 0; i < 20; i++ {
		var err error
		if i%5 == 4 {
			version, err = store.CompareAndSwapTombstone(ctx, "key1", version)
		} else {
			version, err = store.CompareAndSwapUpdate(ctx, "key1", version, []byte("v"))
		}
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if seen[version] {
			t.Fatalf("version %d repeated", version)
		}
		seen[version] = true
	}

	if version != 21 {
		t.Errorf("Expected 21 successful writes to end at version 21, got %d", version)
	}
}

func TestStore_KeyValidation(t *testing.T) {
	store := New()
	ctx := context.Background()

	longKey := strings.Repeat("k", record.MaxKeyLen+1)
	if _, err := store.InsertIfAbsent(ctx, longKey, nil); !errors.Is(err, record.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for oversized key, got %v", err)
	}
	if _, err := store.ReadByKey(ctx, ""); !errors.Is(err, record.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for empty key, got %v", err)
	}
}

func TestStore_ReadReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "key1", []byte("state"))

	rec, _ := store.ReadByKey(ctx, "key1")
	rec.Payload[0] = 'X'

	again, _ := store.ReadByKey(ctx, "key1")
	if string(again.Payload) != "state" {
		t.Errorf("ReadByKey leaked internal buffer: %q", again.Payload)
	}
}

func TestStore_ConcurrentFirstInsert(t *testing.T) {
	store := New()
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.InsertIfAbsent(ctx, "contested", []byte("state"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, record.ErrNoMatch):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winning insert, got %d", winners)
	}
	if losers != writers-1 {
		t.Errorf("Expected %d losing inserts, got %d", writers-1, losers)
	}

	rec, _ := store.ReadByKey(ctx, "contested")
	if rec.Version != 1 {
		t.Errorf("Expected version 1 after the race, got %d", rec.Version)
	}
}

func TestStore_ConcurrentSwapSameExpected(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "key1", []byte("v1"))

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CompareAndSwapUpdate(ctx, "key1", 1, []byte("v2"))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, record.ErrNoMatch) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winning swap, got %d", winners)
	}

	rec, _ := store.ReadByKey(ctx, "key1")
	if rec.Version != 2 {
		t.Errorf("Expected version 2 after the race, got %d", rec.Version)
	}
}

func TestStore_PurgeTombstones(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.InsertIfAbsent(ctx, "live", []byte("v"))
	store.InsertIfAbsent(ctx, "dead1", []byte("v"))
	store.InsertIfAbsent(ctx, "dead2", []byte("v"))
	store.CompareAndSwapTombstone(ctx, "dead1", 1)
	store.CompareAndSwapTombstone(ctx, "dead2", 1)

	purged, err := store.PurgeTombstones(ctx)
	if err != nil {
		t.Fatalf("PurgeTombstones unexpected error: %v", err)
	}
	if purged != 2 {
		t.Errorf("Expected 2 purged tombstones, got %d", purged)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 remaining record, got %d", store.Len())
	}

	// A purged key starts a fresh lineage.
	version, err := store.InsertIfAbsent(ctx, "dead1", []byte("reborn"))
	if err != nil {
		t.Fatalf("Insert after purge failed: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected fresh lineage at version 1, got %d", version)
	}
}
