package recommender

import (
	"context"
	"math"
	"time"

	"github.com/feedstack/recommender/internal/pipeline"
)

// ExpRankingWeights is the experiment that tunes scorer weights. Its
// bucket configs may carry affinity_weight, recency_half_life_hours,
// engagement_weight and min_score.
const ExpRankingWeights = "ranking-weights"

// AffinityScorer rewards posts from authors the user engages with.
// The contribution is log-damped so a single heavily-engaged author
// does not dominate the feed.
type AffinityScorer struct {
	Weight float64
}

func (s *AffinityScorer) Name() string { return "affinity-scorer" }

func (s *AffinityScorer) Enable(q PostQuery) bool { return len(q.AuthorAffinity) > 0 }

func (s *AffinityScorer) Score(ctx context.Context, q PostQuery, candidates []pipeline.Scored[PostCandidate]) ([]float64, error) {
	weight := q.ExperimentFloat(ExpRankingWeights, "affinity_weight", s.Weight)

	out := make([]float64, len(candidates))
	for i, sc := range candidates {
		count := q.AuthorAffinity[sc.Candidate.AuthorID]
		if count > 0 {
			out[i] = weight * math.Log1p(float64(count))
		}
	}
	return out, nil
}

// RecencyScorer applies exponential decay by post age. Half-life is
// experiment-tunable; posts older than the lookback contribute nothing.
type RecencyScorer struct {
	HalfLife time.Duration
	now      func() time.Time
}

func (s *RecencyScorer) Name() string { return "recency-scorer" }

func (s *RecencyScorer) Enable(q PostQuery) bool { return true }

func (s *RecencyScorer) Score(ctx context.Context, q PostQuery, candidates []pipeline.Scored[PostCandidate]) ([]float64, error) {
	halfLife := s.HalfLife
	if hours := q.ExperimentFloat(ExpRankingWeights, "recency_half_life_hours", 0); hours > 0 {
		halfLife = time.Duration(hours * float64(time.Hour))
	}
	if halfLife <= 0 {
		halfLife = 6 * time.Hour
	}

	now := time.Now()
	if s.now != nil {
		now = s.now()
	}

	out := make([]float64, len(candidates))
	for i, sc := range candidates {
		if sc.Candidate.CreatedAt.IsZero() {
			continue
		}
		age := now.Sub(sc.Candidate.CreatedAt)
		if age < 0 {
			age = 0
		}
		out[i] = math.Exp2(-age.Hours() / halfLife.Hours())
	}
	return out, nil
}

// EngagementPriorScorer adds the hydrated per-author engagement prior,
// giving popular authors a baseline lift for out-of-network candidates.
type EngagementPriorScorer struct {
	Weight float64
}

func (s *EngagementPriorScorer) Name() string { return "engagement-prior-scorer" }

func (s *EngagementPriorScorer) Enable(q PostQuery) bool { return true }

func (s *EngagementPriorScorer) Score(ctx context.Context, q PostQuery, candidates []pipeline.Scored[PostCandidate]) ([]float64, error) {
	weight := q.ExperimentFloat(ExpRankingWeights, "engagement_weight", s.Weight)

	out := make([]float64, len(candidates))
	for i, sc := range candidates {
		out[i] = weight * sc.Candidate.EngagementPrior
	}
	return out, nil
}
