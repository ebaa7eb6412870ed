package experiment

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	if s.fail {
		return nil, errors.New("store unreachable")
	}
	return s.Store.GetExperiment(ctx, id)
}

func (s *failingStore) ListExperiments(ctx context.Context, status Status) ([]*Experiment, error) {
	if s.fail {
		return nil, errors.New("store unreachable")
	}
	return s.Store.ListExperiments(ctx, status)
}

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	return NewService(store, NewMemoryCache(), NewBucketer("test-seed"), opts...)
}

func saveRunning(t *testing.T, store Store, exp *Experiment) {
	t.Helper()
	if err := store.SaveExperiment(context.Background(), exp); err != nil {
		t.Fatalf("SaveExperiment: %v", err)
	}
}

func intPtr(n int) *int { return &n }

func TestEvaluateStatusGate(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	for _, status := range []Status{StatusDraft, StatusPaused, StatusCompleted} {
		exp := twoArmExperiment(100)
		exp.Status = status
		if a := svc.Evaluate(exp, "user-1", UserFeatures{}); a != nil {
			t.Errorf("status %s: got assignment %+v, want nil", status, a)
		}
	}

	exp := twoArmExperiment(100)
	if a := svc.Evaluate(exp, "user-1", UserFeatures{}); a == nil {
		t.Error("running experiment produced no assignment")
	}
}

func TestEvaluateTimeWindowGate(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, NewMemoryStore(), WithClock(func() time.Time { return now }))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		startAt *time.Time
		endAt   *time.Time
		want    bool
	}{
		{"not yet started", &future, nil, false},
		{"already ended", nil, &past, false},
		{"inside window", &past, &future, true},
		{"no window", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := twoArmExperiment(100)
			exp.StartAt = tt.startAt
			exp.EndAt = tt.endAt
			got := svc.Evaluate(exp, "user-1", UserFeatures{}) != nil
			if got != tt.want {
				t.Errorf("assigned = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateAudiencePrecedence(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	tests := []struct {
		name     string
		audience Audience
		userID   string
		features UserFeatures
		want     bool
	}{
		{
			name:     "allowlist admits listed user regardless of other rules",
			audience: Audience{UserAllowlist: []string{"vip"}, MinFollowers: intPtr(1000)},
			userID:   "vip",
			features: UserFeatures{FollowerCount: 0},
			want:     true,
		},
		{
			name:     "allowlist excludes everyone else",
			audience: Audience{UserAllowlist: []string{"vip"}},
			userID:   "someone-else",
			want:     false,
		},
		{
			name:     "blocklist excludes",
			audience: Audience{UserBlocklist: []string{"banned"}},
			userID:   "banned",
			want:     false,
		},
		{
			name:     "follower floor",
			audience: Audience{MinFollowers: intPtr(10)},
			userID:   "u",
			features: UserFeatures{FollowerCount: 9},
			want:     false,
		},
		{
			name:     "account age ceiling",
			audience: Audience{MaxAccountAgeDays: intPtr(30)},
			userID:   "u",
			features: UserFeatures{AccountAgeDays: 31},
			want:     false,
		},
		{
			name:     "platform allow-list",
			audience: Audience{Platforms: []string{"ios"}},
			userID:   "u",
			features: UserFeatures{Platform: "android"},
			want:     false,
		},
		{
			name:     "region allow-list match",
			audience: Audience{Regions: []string{"us", "ca"}},
			userID:   "u",
			features: UserFeatures{Region: "ca"},
			want:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := twoArmExperiment(100)
			exp.Audience = tt.audience
			got := svc.Evaluate(exp, tt.userID, tt.features) != nil
			if got != tt.want {
				t.Errorf("assigned = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignmentForCachesResult(t *testing.T) {
	store := NewMemoryStore()
	saveRunning(t, store, twoArmExperiment(100))
	failing := &failingStore{Store: store}
	svc := newTestService(t, failing)

	ctx := context.Background()
	first := svc.AssignmentFor(ctx, "ranking-weights", "user-1", UserFeatures{})
	if first == nil {
		t.Fatal("expected an assignment")
	}

	// Subsequent lookups within the TTL must not touch the store.
	failing.fail = true
	second := svc.AssignmentFor(ctx, "ranking-weights", "user-1", UserFeatures{})
	if second == nil || second.Bucket != first.Bucket {
		t.Errorf("cached assignment = %+v, want %+v", second, first)
	}
}

func TestAssignmentForStoreFailureMeansNoAssignment(t *testing.T) {
	svc := newTestService(t, &failingStore{Store: NewMemoryStore(), fail: true})

	if a := svc.AssignmentFor(context.Background(), "missing", "user-1", UserFeatures{}); a != nil {
		t.Errorf("got %+v, want nil on store failure", a)
	}
}

func TestAssignmentForCachesIneligibility(t *testing.T) {
	store := NewMemoryStore()
	exp := twoArmExperiment(100)
	exp.Status = StatusPaused
	saveRunning(t, store, exp)
	svc := newTestService(t, store)

	ctx := context.Background()
	if a := svc.AssignmentFor(ctx, exp.ID, "user-1", UserFeatures{}); a != nil {
		t.Fatalf("paused experiment assigned: %+v", a)
	}
	// The nil result must have been cached, not re-evaluated.
	if a, ok := svc.cache.Get(ctx, cacheKey(exp.ID, "user-1")); !ok || a != nil {
		t.Errorf("cache entry = (%v, %v), want cached nil", a, ok)
	}
}

func TestSaveExperimentInvalidatesCachedAssignments(t *testing.T) {
	store := NewMemoryStore()
	exp := twoArmExperiment(100)
	saveRunning(t, store, exp)
	svc := newTestService(t, store)

	ctx := context.Background()
	svc.AssignmentFor(ctx, exp.ID, "user-1", UserFeatures{})
	if _, ok := svc.cache.Get(ctx, cacheKey(exp.ID, "user-1")); !ok {
		t.Fatal("expected a cached assignment")
	}

	exp.TrafficPercent = 0
	if err := svc.SaveExperiment(ctx, exp); err != nil {
		t.Fatalf("SaveExperiment: %v", err)
	}
	if _, ok := svc.cache.Get(ctx, cacheKey(exp.ID, "user-1")); ok {
		t.Error("cached assignment survived a definition change")
	}
}

func TestCreateContextAssignsAcrossRunningExperiments(t *testing.T) {
	store := NewMemoryStore()
	saveRunning(t, store, twoArmExperiment(100))
	other := &Experiment{
		ID:             "serve-cache-ttl",
		Status:         StatusRunning,
		TrafficPercent: 100,
		Buckets:        []Bucket{{Name: "on", Weight: 100, Config: map[string]any{"min_score": 0.5}}},
	}
	saveRunning(t, store, other)
	draft := twoArmExperiment(100)
	draft.ID = "draft-exp"
	draft.Status = StatusDraft
	saveRunning(t, store, draft)

	svc := newTestService(t, store)
	expCtx := svc.CreateContext(context.Background(), "user-1", UserFeatures{})

	if !expCtx.IsInBucket("serve-cache-ttl", "on") {
		t.Error("user not assigned to the single full-weight bucket")
	}
	if got := expCtx.GetFloat("serve-cache-ttl", "min_score", 0); got != 0.5 {
		t.Errorf("GetFloat = %v, want 0.5", got)
	}
	if expCtx.IsInBucket("draft-exp", "control") || expCtx.IsInBucket("draft-exp", "treatment") {
		t.Error("draft experiment leaked into the context")
	}
	if got := expCtx.GetFloat("absent", "key", 1.25); got != 1.25 {
		t.Errorf("default fallback = %v, want 1.25", got)
	}
}

func TestCreateContextStoreFailureYieldsEmptyContext(t *testing.T) {
	svc := newTestService(t, &failingStore{Store: NewMemoryStore(), fail: true})

	expCtx := svc.CreateContext(context.Background(), "user-1", UserFeatures{})
	if expCtx == nil {
		t.Fatal("expected an empty context, got nil")
	}
	if keys := expCtx.Keys(); len(keys) != 0 {
		t.Errorf("Keys = %v, want empty", keys)
	}
}
