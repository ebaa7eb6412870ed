package experiment

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/feedstack/recommender/pkg/kafka"
	"github.com/feedstack/recommender/pkg/metrics"
	"github.com/feedstack/recommender/pkg/resilience"
)

// Service resolves experiment assignments: eligibility gates, deterministic
// bucketing, and bounded-TTL caching. Store failures degrade to "no
// assignment"; they never surface to the request path.
type Service struct {
	store    Store
	cache    AssignmentCache
	bucketer *Bucketer
	ttl      time.Duration
	group    singleflight.Group
	breaker  *resilience.CircuitBreaker
	producer *kafka.Producer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTTL overrides the default 300s assignment cache TTL.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source, for eligibility-window tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates an assignment Service over the given store and cache.
func NewService(store Store, cache AssignmentCache, bucketer *Bucketer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		cache:    cache,
		bucketer: bucketer,
		ttl:      300 * time.Second,
		breaker: resilience.NewCircuitBreaker("experiment-store", resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     15 * time.Second,
		}),
		logger: slog.Default().With("component", "experiment-service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate runs the eligibility gates and, when they pass, buckets the user.
// It performs no caching or I/O. A nil return means no assignment: the
// caller must fall back to its default configuration.
func (s *Service) Evaluate(exp *Experiment, userID string, features UserFeatures) *Assignment {
	if exp.Status != StatusRunning {
		return nil
	}
	now := s.now()
	if exp.StartAt != nil && now.Before(*exp.StartAt) {
		return nil
	}
	if exp.EndAt != nil && now.After(*exp.EndAt) {
		return nil
	}
	if !matchAudience(exp.Audience, userID, features) {
		return nil
	}
	a := s.bucketer.Bucket(exp, userID)
	return &a
}

// AssignmentFor resolves one (experiment, user) assignment through the cache.
// Concurrent misses for the same key are collapsed into a single evaluation.
func (s *Service) AssignmentFor(ctx context.Context, experimentID, userID string, features UserFeatures) *Assignment {
	key := cacheKey(experimentID, userID)
	if a, ok := s.cache.Get(ctx, key); ok {
		if s.metrics != nil {
			s.metrics.AssignmentCacheHits.Inc()
		}
		return a
	}
	if s.metrics != nil {
		s.metrics.AssignmentCacheMisses.Inc()
	}

	v, _, _ := s.group.Do(key, func() (any, error) {
		if a, ok := s.cache.Get(ctx, key); ok {
			return a, nil
		}
		var exp *Experiment
		err := s.breaker.Execute(func() error {
			var getErr error
			exp, getErr = s.store.GetExperiment(ctx, experimentID)
			return getErr
		})
		if err != nil {
			s.logger.Warn("experiment lookup failed, no assignment",
				"experiment_id", experimentID,
				"error", err,
			)
			return (*Assignment)(nil), nil
		}
		a := s.Evaluate(exp, userID, features)
		s.cache.Set(ctx, key, a, s.ttl)
		s.observe(a)
		return a, nil
	})
	a, _ := v.(*Assignment)
	return a
}

// CreateContext assigns the user across all running experiments and returns
// the immutable per-request Context.
func (s *Service) CreateContext(ctx context.Context, userID string, features UserFeatures) *Context {
	var experiments []*Experiment
	err := s.breaker.Execute(func() error {
		var listErr error
		experiments, listErr = s.store.ListExperiments(ctx, StatusRunning)
		return listErr
	})
	if err != nil {
		s.logger.Warn("listing running experiments failed, empty context",
			"user_id", userID,
			"error", err,
		)
		return NewContext(userID, nil)
	}

	assignments := make([]Assignment, 0, len(experiments))
	for _, exp := range experiments {
		if a := s.AssignmentFor(ctx, exp.ID, userID, features); a != nil {
			assignments = append(assignments, *a)
		}
	}
	return NewContext(userID, assignments)
}

// SaveExperiment persists the experiment and proactively invalidates every
// cached assignment for it.
func (s *Service) SaveExperiment(ctx context.Context, exp *Experiment) error {
	if err := s.store.SaveExperiment(ctx, exp); err != nil {
		return err
	}
	deleted := s.cache.DeletePrefix(ctx, experimentPrefix(exp.ID))
	s.logger.Info("experiment saved",
		"experiment_id", exp.ID,
		"status", exp.Status,
		"cache_entries_invalidated", deleted,
	)
	s.publishChange(ctx, exp.ID, OpSaved)
	return nil
}

// DeleteExperiment removes the experiment and its cached assignments.
func (s *Service) DeleteExperiment(ctx context.Context, id string) error {
	if err := s.store.DeleteExperiment(ctx, id); err != nil {
		return err
	}
	deleted := s.cache.DeletePrefix(ctx, experimentPrefix(id))
	s.logger.Info("experiment deleted",
		"experiment_id", id,
		"cache_entries_invalidated", deleted,
	)
	s.publishChange(ctx, id, OpDeleted)
	return nil
}

// Store exposes the underlying store for admin read paths.
func (s *Service) Store() Store {
	return s.store
}

// BreakerState reports the experiment-store circuit state for health checks.
func (s *Service) BreakerState() resilience.State {
	return s.breaker.GetState()
}

func (s *Service) observe(a *Assignment) {
	if s.metrics == nil {
		return
	}
	switch {
	case a == nil:
		s.metrics.AssignmentsTotal.WithLabelValues("ineligible").Inc()
	case a.InExperiment:
		s.metrics.AssignmentsTotal.WithLabelValues("bucketed").Inc()
	default:
		s.metrics.AssignmentsTotal.WithLabelValues("control").Inc()
	}
}

// matchAudience applies the targeting rules in precedence order. The first
// matching rule wins: an allowlist, when present, is exclusive; a blocklist
// always excludes; then follower bounds, account-age bounds, platform and
// region allow-lists. Absent criteria impose no constraint.
func matchAudience(aud Audience, userID string, f UserFeatures) bool {
	if len(aud.UserAllowlist) > 0 {
		return containsString(aud.UserAllowlist, userID)
	}
	if containsString(aud.UserBlocklist, userID) {
		return false
	}
	if aud.MinFollowers != nil && f.FollowerCount < *aud.MinFollowers {
		return false
	}
	if aud.MaxFollowers != nil && f.FollowerCount > *aud.MaxFollowers {
		return false
	}
	if aud.MinAccountAgeDays != nil && f.AccountAgeDays < *aud.MinAccountAgeDays {
		return false
	}
	if aud.MaxAccountAgeDays != nil && f.AccountAgeDays > *aud.MaxAccountAgeDays {
		return false
	}
	if len(aud.Platforms) > 0 && !containsString(aud.Platforms, f.Platform) {
		return false
	}
	if len(aud.Regions) > 0 && !containsString(aud.Regions, f.Region) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
