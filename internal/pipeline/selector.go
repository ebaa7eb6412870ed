package pipeline

import (
	"context"
	"sort"
)

// selectTopK orders by score descending, breaking ties by candidate key
// ascending so selection is deterministic, then truncates to limit.
func selectTopK[C Candidate](scored []Scored[C], limit int) []Scored[C] {
	out := make([]Scored[C], len(scored))
	copy(out, scored)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Candidate.Key() < out[j].Candidate.Key()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TopKSelector is the default selector: score descending with a
// candidate-key tie-break. OverSample leaves headroom for post-selection
// filtering losses; the engine re-clamps the final list to the query limit.
type TopKSelector[Q Query, C Candidate] struct {
	// DefaultLimit applies when the query carries no positive limit.
	DefaultLimit int
	// OverSample is added to the limit at selection time.
	OverSample int
}

func (s *TopKSelector[Q, C]) Name() string { return "top_k" }

func (s *TopKSelector[Q, C]) Enable(q Q) bool { return true }

func (s *TopKSelector[Q, C]) Select(ctx context.Context, q Q, scored []Scored[C]) ([]Scored[C], error) {
	limit := q.ResultLimit()
	if limit <= 0 {
		limit = s.DefaultLimit
	}
	if limit > 0 {
		limit += s.OverSample
	}
	return selectTopK(scored, limit), nil
}
