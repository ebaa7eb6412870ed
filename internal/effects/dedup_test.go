package effects

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupSetSuppressesWithinWindow(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	d := NewDedupSet(30*time.Minute, 100)
	d.now = func() time.Time { return now }

	if d.SeenAndRecord("u1:post-1") {
		t.Error("first record reported as seen")
	}
	if !d.SeenAndRecord("u1:post-1") {
		t.Error("repeat within window not suppressed")
	}

	now = now.Add(29 * time.Minute)
	if !d.SeenAndRecord("u1:post-1") {
		t.Error("repeat just inside window not suppressed")
	}

	now = now.Add(2 * time.Minute)
	if d.SeenAndRecord("u1:post-1") {
		t.Error("stale entry still suppressing after window elapsed")
	}
}

func TestDedupSetDistinctKeysDoNotCollide(t *testing.T) {
	d := NewDedupSet(30*time.Minute, 100)

	if d.SeenAndRecord("u1:post-1") {
		t.Error("fresh key reported seen")
	}
	if d.SeenAndRecord("u1:post-2") {
		t.Error("different candidate suppressed")
	}
	if d.SeenAndRecord("u2:post-1") {
		t.Error("different user suppressed")
	}
}

func TestDedupSetEvictsOldestAtCapacity(t *testing.T) {
	d := NewDedupSet(time.Hour, 3)

	for i := 0; i < 4; i++ {
		d.SeenAndRecord(fmt.Sprintf("key-%d", i))
	}

	if d.Len() != 3 {
		t.Fatalf("Len = %d, want capacity 3", d.Len())
	}
	// key-0 was evicted, so it records as fresh again.
	if d.SeenAndRecord("key-0") {
		t.Error("evicted key still suppressing")
	}
	// key-3 is still tracked.
	if !d.SeenAndRecord("key-3") {
		t.Error("recent key was evicted")
	}
}
