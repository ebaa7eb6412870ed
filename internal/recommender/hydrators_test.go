package recommender

import (
	"context"
	"testing"
)

type staticServedLister struct {
	keys []string
}

func (s *staticServedLister) Served(ctx context.Context, userID string) []string {
	return s.keys
}

func TestServedQueryHydratorBuildsServedSet(t *testing.T) {
	h := &ServedQueryHydrator{Cache: &staticServedLister{keys: []string{"p1", "p2", "p1"}}}

	q := PostQuery{UserID: "u1"}
	if !h.Enable(q) {
		t.Fatal("hydrator with a cache should be enabled")
	}

	hydrated, err := h.Hydrate(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hydrated.ServedKeys) != 2 {
		t.Fatalf("want 2 served keys, got %d", len(hydrated.ServedKeys))
	}
	for _, key := range []string{"p1", "p2"} {
		if _, ok := hydrated.ServedKeys[key]; !ok {
			t.Fatalf("served set missing %q", key)
		}
	}

	merged := h.Update(q, hydrated)
	if len(merged.ServedKeys) != 2 {
		t.Fatalf("update should carry the served set, got %d keys", len(merged.ServedKeys))
	}
}

func TestServedQueryHydratorDisabledWithoutCache(t *testing.T) {
	h := &ServedQueryHydrator{}
	if h.Enable(PostQuery{UserID: "u1"}) {
		t.Fatal("hydrator without a cache must be disabled")
	}
}

func TestServedQueryHydratorEmptySet(t *testing.T) {
	h := &ServedQueryHydrator{Cache: &staticServedLister{}}
	hydrated, err := h.Hydrate(context.Background(), PostQuery{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hydrated.ServedKeys) != 0 {
		t.Fatalf("want empty served set, got %d", len(hydrated.ServedKeys))
	}
}
