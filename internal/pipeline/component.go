// Package pipeline implements a generic staged candidate-recommendation
// engine. Callers supply their own query and candidate types plus pluggable
// components (sources, hydrators, filters, scorers, a selector, side
// effects); the engine owns stage ordering, fan-out, per-component isolation
// and result assembly.
package pipeline

import (
	"context"
	"time"
)

// Query is the caller-supplied request context. Implementations are treated
// as immutable by the engine; query hydrators return updated copies merged
// through their own Update contract.
type Query interface {
	// RequestID identifies one pipeline invocation. May be empty, in
	// which case the engine generates one for its results and logs.
	RequestID() string
	// ResultLimit is the desired result size; non-positive means "use
	// the engine default".
	ResultLimit() int
}

// Candidate is one content unit under consideration. The key must be stable
// within a request: it is used for deduplication and filter diffing.
type Candidate interface {
	Key() string
}

// Scored wraps a candidate with its accumulated score and the per-scorer
// contribution breakdown.
type Scored[C Candidate] struct {
	Candidate C
	Score     float64
	Breakdown map[string]float64
}

// QueryHydrator enriches the query before sourcing. Hydrators run in
// parallel; each one's partial result is merged back through its Update
// function, so heterogeneous hydrators can own disjoint fields without
// clobbering one another.
type QueryHydrator[Q Query] interface {
	Name() string
	Enable(q Q) bool
	Hydrate(ctx context.Context, q Q) (Q, error)
	// Update merges the hydrated copy into the original and returns the
	// result. It must only claim the fields this hydrator owns.
	Update(original, hydrated Q) Q
}

// Source fetches an initial candidate set. Sources run in parallel and
// their outputs are flattened in registration order.
type Source[Q Query, C Candidate] interface {
	Name() string
	Enable(q Q) bool
	Fetch(ctx context.Context, q Q) ([]C, error)
}

// Hydrator enriches candidates. Hydrators run in parallel against the same
// input list and must return a result of identical length; outputs are
// merged positionally through Update. A length mismatch skips the merge.
type Hydrator[Q Query, C Candidate] interface {
	Name() string
	Enable(q Q) bool
	Hydrate(ctx context.Context, q Q, candidates []C) ([]C, error)
	Update(original, hydrated C) C
}

// Filter removes candidates. Filters run sequentially; each sees the
// surviving set of its predecessor. Keep returns the retained candidates;
// the engine derives the removed set by key diffing.
type Filter[Q Query, C Candidate] interface {
	Name() string
	Enable(q Q) bool
	Keep(ctx context.Context, q Q, candidates []C) ([]C, error)
}

// ScoredFilter is an optional extension for filters registered in the
// post-score or post-selection stages. When implemented, KeepScored is
// called instead of Keep so the filter can read accumulated scores.
type ScoredFilter[Q Query, C Candidate] interface {
	Filter[Q, C]
	KeepScored(ctx context.Context, q Q, candidates []Scored[C]) ([]Scored[C], error)
}

// Scorer assigns one contribution per candidate. Scorers run sequentially
// and receive the accumulated scores of their predecessors, so later scorers
// may read earlier contributions. A result length mismatch skips the scorer.
// Non-finite contributions are treated as zero.
type Scorer[Q Query, C Candidate] interface {
	Name() string
	Enable(q Q) bool
	Score(ctx context.Context, q Q, candidates []Scored[C]) ([]float64, error)
}

// Selector orders and truncates the scored set into the final result.
type Selector[Q Query, C Candidate] interface {
	Name() string
	Enable(q Q) bool
	Select(ctx context.Context, q Q, candidates []Scored[C]) ([]Scored[C], error)
}

// SideEffect is a fire-and-forget post-selection action. Run is dispatched
// to a detached worker; its error is logged and never reaches the caller.
type SideEffect[Q Query, C Candidate] interface {
	Name() string
	Enable(q Q) bool
	Run(ctx context.Context, q Q, result *Result[C]) error
}

// Stage names used in component metrics and logs.
const (
	StageQueryHydration         = "query_hydration"
	StageSourcing               = "sourcing"
	StageHydration              = "hydration"
	StageFiltering              = "filtering"
	StageScoring                = "scoring"
	StagePostScoreFiltering     = "post_score_filtering"
	StageSelection              = "selection"
	StagePostSelectionHydration = "post_selection_hydration"
	StagePostSelectionFiltering = "post_selection_filtering"
	StageSideEffects            = "side_effects"
)

// ComponentMetric records one component invocation's outcome.
type ComponentMetric struct {
	Component string        `json:"component"`
	Stage     string        `json:"stage"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"error,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
}

// Timing breaks the request's wall time down by stage.
type Timing struct {
	Total                  time.Duration `json:"total"`
	Sourcing               time.Duration `json:"sourcing"`
	Hydrating              time.Duration `json:"hydrating"`
	Filtering              time.Duration `json:"filtering"`
	Scoring                time.Duration `json:"scoring"`
	PostScoreFiltering     time.Duration `json:"post_score_filtering"`
	Selecting              time.Duration `json:"selecting"`
	PostSelectionHydrating time.Duration `json:"post_selection_hydrating"`
	PostSelectionFiltering time.Duration `json:"post_selection_filtering"`
}

// Result is the outcome of one pipeline invocation.
type Result[C Candidate] struct {
	// RequestID is the query's request id, generated when absent.
	RequestID string `json:"request_id"`
	// Selected holds the final ordered candidates with their scores.
	Selected []Scored[C] `json:"selected"`
	// Filtered is the union of candidates removed across every filter
	// stage, in removal order.
	Filtered []C `json:"filtered"`
	// RetrievedCount is the number of distinct candidates produced by
	// sourcing, before any filtering.
	RetrievedCount int               `json:"retrieved_count"`
	Timing         Timing            `json:"timing"`
	Components     []ComponentMetric `json:"components"`
}

// SelectedCandidates returns the bare candidates in selection order.
func (r *Result[C]) SelectedCandidates() []C {
	out := make([]C, 0, len(r.Selected))
	for _, sc := range r.Selected {
		out = append(out, sc.Candidate)
	}
	return out
}
