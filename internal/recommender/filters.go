package recommender

import (
	"context"

	"github.com/feedstack/recommender/internal/pipeline"
)

// AlreadyServedFilter drops candidates the user was recently shown.
type AlreadyServedFilter struct{}

func (f *AlreadyServedFilter) Name() string { return "already-served-filter" }

func (f *AlreadyServedFilter) Enable(q PostQuery) bool { return len(q.ServedKeys) > 0 }

func (f *AlreadyServedFilter) Keep(ctx context.Context, q PostQuery, candidates []PostCandidate) ([]PostCandidate, error) {
	kept := candidates[:0:0]
	for _, c := range candidates {
		if _, served := q.ServedKeys[c.Key()]; served {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// BlockedAuthorFilter drops posts from authors the user has blocked or
// reported, and the user's own posts.
type BlockedAuthorFilter struct{}

func (f *BlockedAuthorFilter) Name() string { return "blocked-author-filter" }

func (f *BlockedAuthorFilter) Enable(q PostQuery) bool { return true }

func (f *BlockedAuthorFilter) Keep(ctx context.Context, q PostQuery, candidates []PostCandidate) ([]PostCandidate, error) {
	kept := candidates[:0:0]
	for _, c := range candidates {
		if c.AuthorID == q.UserID {
			continue
		}
		if _, blocked := q.BlockedAuthors[c.AuthorID]; blocked {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// MinScoreFilter runs after scoring and drops candidates below an
// experiment-tunable threshold.
type MinScoreFilter struct {
	ExperimentID string
	Default      float64
}

func (f *MinScoreFilter) Name() string { return "min-score-filter" }

func (f *MinScoreFilter) Enable(q PostQuery) bool { return true }

func (f *MinScoreFilter) threshold(q PostQuery) float64 {
	if f.ExperimentID == "" {
		return f.Default
	}
	return q.ExperimentFloat(f.ExperimentID, "min_score", f.Default)
}

// Keep satisfies the plain filter contract; without scores there is
// nothing to compare, so everything passes.
func (f *MinScoreFilter) Keep(ctx context.Context, q PostQuery, candidates []PostCandidate) ([]PostCandidate, error) {
	return candidates, nil
}

func (f *MinScoreFilter) KeepScored(ctx context.Context, q PostQuery, candidates []pipeline.Scored[PostCandidate]) ([]pipeline.Scored[PostCandidate], error) {
	threshold := f.threshold(q)
	if threshold <= 0 {
		return candidates, nil
	}
	kept := candidates[:0:0]
	for _, sc := range candidates {
		if sc.Score >= threshold {
			kept = append(kept, sc)
		}
	}
	return kept, nil
}
