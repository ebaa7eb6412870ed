package actions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Query selects a slice of a user's action history.
type Query struct {
	UserID string
	Types  []Type
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Store persists and queries the append-only action log.
type Store interface {
	// LogActions batch-appends records. Callers treat it as best-effort.
	LogActions(ctx context.Context, records []UserActionRecord) error

	// ListUserActions returns a user's actions matching the query,
	// newest first.
	ListUserActions(ctx context.Context, q Query) ([]UserActionRecord, error)

	// AuthorAffinity returns per-author counts of the user's positive
	// actions since the given time.
	AuthorAffinity(ctx context.Context, userID string, since time.Time) (map[string]int, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	records []UserActionRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LogActions(ctx context.Context, records []UserActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *MemoryStore) ListUserActions(ctx context.Context, q Query) ([]UserActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := make(map[Type]struct{}, len(q.Types))
	for _, t := range q.Types {
		typeSet[t] = struct{}{}
	}

	matched := make([]UserActionRecord, 0)
	for _, r := range s.records {
		if r.UserID != q.UserID {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[r.Action]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) AuthorAffinity(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	affinity := make(map[string]int)
	for _, r := range s.records {
		if r.UserID != userID || r.TargetAuthorID == "" {
			continue
		}
		if !r.Action.Positive() {
			continue
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		affinity[r.TargetAuthorID]++
	}
	return affinity, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
