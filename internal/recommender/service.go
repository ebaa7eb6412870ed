package recommender

import (
	"context"
	"log/slog"
	"time"

	"github.com/feedstack/recommender/internal/actions"
	"github.com/feedstack/recommender/internal/effects"
	"github.com/feedstack/recommender/internal/experiment"
	"github.com/feedstack/recommender/internal/pipeline"
	"github.com/feedstack/recommender/pkg/config"
	"github.com/feedstack/recommender/pkg/errors"
	"github.com/feedstack/recommender/pkg/metrics"
	"github.com/feedstack/recommender/pkg/statsd"
	"github.com/feedstack/recommender/pkg/tracing"
)

// FeatureResolver supplies the user features that experiment audience
// gates evaluate. Deployments back this with the user service; a nil
// resolver yields zero-valued features.
type FeatureResolver func(ctx context.Context, userID string) experiment.UserFeatures

// Deps collects the collaborators the recommendation service wires into
// its pipeline. Provider and Actions are required; everything else
// degrades to a no-op when absent.
type Deps struct {
	Provider    PostProvider
	Actions     actions.Store
	Collector   *actions.Collector
	Experiments *experiment.Service
	ServeCache  *effects.ServeCache
	Features    FeatureResolver
	Metrics     *metrics.Metrics
	Statsd      *statsd.Client
	Tracer      *tracing.Tracer
}

// Service runs the post recommendation pipeline for the home surface.
type Service struct {
	engine      *pipeline.Engine[PostQuery, PostCandidate]
	experiments *experiment.Service
	features    FeatureResolver
	surface     string
	defaultSize int
	logger      *slog.Logger
}

func NewService(cfg config.PipelineConfig, impCfg config.ImpressionsConfig, deps Deps) *Service {
	surface := "home"

	requestInfo := func(q PostQuery) effects.RequestInfo {
		info := effects.RequestInfo{UserID: q.UserID}
		if q.Experiments != nil {
			info.ExperimentKeys = q.Experiments.Keys()
		}
		return info
	}
	candidateInfo := func(c PostCandidate) effects.CandidateInfo {
		return effects.CandidateInfo{
			AuthorID:     c.AuthorID,
			InNetwork:    c.InNetwork,
			RecallSource: c.Source,
			ExternalID:   c.PostID,
		}
	}

	// A nil *ServeCache must stay a nil interface so the hydrator's
	// Enable gate sees it as absent.
	var served ServedLister
	if deps.ServeCache != nil {
		served = deps.ServeCache
	}

	builder := pipeline.NewBuilder[PostQuery, PostCandidate]("post-recs").
		QueryHydrators(
			&AffinityQueryHydrator{Actions: deps.Actions},
			&ServedQueryHydrator{Cache: served},
			&BlockedAuthorsQueryHydrator{Actions: deps.Actions},
		).
		Sources(
			&InNetworkSource{Provider: deps.Provider},
			&PopularSource{Provider: deps.Provider},
		).
		Hydrators(
			&AuthorStatsHydrator{Provider: deps.Provider},
		).
		Filters(
			&BlockedAuthorFilter{},
			&AlreadyServedFilter{},
		).
		Scorers(
			&AffinityScorer{Weight: 1.0},
			&RecencyScorer{HalfLife: 6 * time.Hour},
			&EngagementPriorScorer{Weight: 0.5},
		).
		PostScoreFilters(
			&MinScoreFilter{ExperimentID: ExpRankingWeights},
		).
		ComponentTimeout(cfg.ComponentTimeout).
		DefaultResultSize(cfg.DefaultResultSize).
		SideEffectQueue(cfg.SideEffectQueueSize, cfg.SideEffectWorkers).
		Metrics(deps.Metrics).
		Statsd(deps.Statsd).
		Tracer(deps.Tracer)

	if deps.Collector != nil {
		builder.SideEffects(&effects.ImpressionLogger[PostQuery, PostCandidate]{
			Surface:   surface,
			Collector: deps.Collector,
			Dedup:     effects.NewDedupSet(impCfg.DedupWindow, impCfg.DedupCapacity),
			Request:   requestInfo,
			Describe:  candidateInfo,
			Metrics:   deps.Metrics,
		})
	}
	if deps.ServeCache != nil {
		builder.SideEffects(&effects.ServeCacheRecorder[PostQuery, PostCandidate]{
			Cache:   deps.ServeCache,
			Request: requestInfo,
		})
	}

	return &Service{
		engine:      builder.Build(),
		experiments: deps.Experiments,
		features:    deps.Features,
		surface:     surface,
		defaultSize: cfg.DefaultResultSize,
		logger:      slog.Default().With("component", "recommender"),
	}
}

// RecommendForUser assigns the user's experiments, runs the pipeline and
// returns the ranked result. limit <= 0 falls back to the configured
// default size.
func (s *Service) RecommendForUser(ctx context.Context, userID string, limit int) (*pipeline.Result[PostCandidate], error) {
	if userID == "" {
		return nil, errors.ErrInvalidInput
	}
	if limit <= 0 {
		limit = s.defaultSize
	}

	var features experiment.UserFeatures
	if s.features != nil {
		features = s.features(ctx, userID)
	}

	var expCtx *experiment.Context
	if s.experiments != nil {
		expCtx = s.experiments.CreateContext(ctx, userID, features)
	}

	q := PostQuery{
		UserID:      userID,
		Limit:       limit,
		Surface:     s.surface,
		Features:    features,
		Experiments: expCtx,
	}
	return s.engine.Execute(ctx, q)
}

// Close drains the side-effect queue.
func (s *Service) Close() {
	s.engine.Close()
}
