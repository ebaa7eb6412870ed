package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(window time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := &Limiter{
		entries: make(map[string]*entry),
		window:  window,
		now:     func() time.Time { return now },
	}
	return l, &now
}

func TestAllowExhaustsBucket(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 5; i++ {
		if !l.Allow("u1", 5) {
			t.Fatalf("request %d rejected before the bucket emptied", i+1)
		}
	}
	if l.Allow("u1", 5) {
		t.Error("request allowed after the bucket emptied")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(time.Minute)

	for i := 0; i < 5; i++ {
		l.Allow("u1", 5)
	}
	if l.Allow("u1", 5) {
		t.Fatal("bucket should be empty")
	}

	// One window's worth of refill restores full capacity.
	*now = now.Add(time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("u1", 5) {
			t.Fatalf("request %d rejected after refill", i+1)
		}
	}
	if l.Allow("u1", 5) {
		t.Error("refill exceeded the bucket capacity")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 3; i++ {
		l.Allow("u1", 3)
	}
	if l.Allow("u1", 3) {
		t.Error("u1 should be limited")
	}
	if !l.Allow("u2", 3) {
		t.Error("u2 should be unaffected by u1's usage")
	}
}

func TestResetClearsState(t *testing.T) {
	l, _ := newTestLimiter(time.Minute)

	for i := 0; i < 3; i++ {
		l.Allow("u1", 3)
	}
	l.Reset("u1")
	if !l.Allow("u1", 3) {
		t.Error("reset key should start with a full bucket")
	}
}
