// Package effects contains the fire-and-forget consumers of pipeline output:
// impression and delivery loggers and the serve-cache recorder. All of them
// are best-effort; their failures are logged and never reach the caller.
package effects

import (
	"sync"
	"time"
)

// DedupSet is a bounded, time-boxed set of already-logged keys. Capacity is
// enforced by evicting the oldest insertion, which makes it an approximate
// LRU: re-recording an existing key does not refresh its position.
type DedupSet struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	entries  map[string]time.Time
	order    []string
	now      func() time.Time
}

// NewDedupSet creates a DedupSet that suppresses repeats within window and
// holds at most capacity entries.
func NewDedupSet(window time.Duration, capacity int) *DedupSet {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &DedupSet{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// SeenAndRecord reports whether key was recorded within the window and, if
// not, records it now.
func (d *DedupSet) SeenAndRecord(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[key]; ok {
		if now.Sub(at) < d.window {
			return true
		}
		// Stale entry: fall through and re-record.
	}
	d.entries[key] = now
	d.order = append(d.order, key)
	for len(d.entries) > d.capacity && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
	return false
}

// Len returns the number of tracked keys, counting stale ones not yet
// evicted.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
