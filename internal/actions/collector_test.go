package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flakyStore struct {
	MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) failing(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) LogActions(ctx context.Context, records []UserActionRecord) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.LogActions(ctx, records)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCollectorFlushesWhenBatchSizeReached(t *testing.T) {
	store := NewMemoryStore()
	c := NewCollector(store, nil, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() { cancel(); c.Close() }()

	c.Record(
		record("u1", TypeLike, "a1", storeT0),
		record("u1", TypeClick, "a2", storeT0),
	)

	waitFor(t, func() bool { return store.Len() == 2 }, "batch never flushed to store")
}

func TestCollectorFinalFlushOnShutdown(t *testing.T) {
	store := NewMemoryStore()
	c := NewCollector(store, nil, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Record(record("u1", TypeLike, "a1", storeT0))
	if store.Len() != 0 {
		t.Fatal("record flushed before batch size or shutdown")
	}

	cancel()
	c.Close()

	if store.Len() != 1 {
		t.Errorf("store has %d records after shutdown, want 1", store.Len())
	}
}

func TestCollectorRequeuesFailedBatch(t *testing.T) {
	store := &flakyStore{}
	store.failing(true)
	c := NewCollector(store, nil, 1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Record(record("u1", TypeLike, "a1", storeT0))
	waitFor(t, func() bool { return c.BufferLen() == 1 }, "failed batch not re-queued")
	if store.Len() != 0 {
		t.Fatalf("store has %d records while failing, want 0", store.Len())
	}

	store.failing(false)
	cancel()
	c.Close()

	if store.Len() != 1 {
		t.Errorf("store has %d records after recovery, want 1", store.Len())
	}
}
