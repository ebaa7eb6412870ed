package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type testQuery struct {
	id     string
	limit  int
	tokens []string
}

func (q testQuery) RequestID() string { return q.id }
func (q testQuery) ResultLimit() int  { return q.limit }

type testCandidate struct {
	id     string
	author string
}

func (c testCandidate) Key() string { return c.id }

type fakeQueryHydrator struct {
	name   string
	tokens []string
	err    error
	sleep  time.Duration
	panics bool
}

func (h *fakeQueryHydrator) Name() string            { return h.name }
func (h *fakeQueryHydrator) Enable(q testQuery) bool { return true }

func (h *fakeQueryHydrator) Hydrate(ctx context.Context, q testQuery) (testQuery, error) {
	if h.panics {
		panic("hydrator exploded")
	}
	if h.sleep > 0 {
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
			return q, ctx.Err()
		}
	}
	if h.err != nil {
		return q, h.err
	}
	q.tokens = append(q.tokens, h.tokens...)
	return q, nil
}

func (h *fakeQueryHydrator) Update(original, hydrated testQuery) testQuery {
	original.tokens = append(original.tokens, hydrated.tokens...)
	return original
}

type fakeSource struct {
	name       string
	candidates []testCandidate
	err        error
	sleep      time.Duration
	panics     bool
	enabled    *bool
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Enable(q testQuery) bool {
	if s.enabled != nil {
		return *s.enabled
	}
	return true
}

func (s *fakeSource) Fetch(ctx context.Context, q testQuery) ([]testCandidate, error) {
	if s.panics {
		panic("source exploded")
	}
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

type fakeHydrator struct {
	name     string
	authors  map[string]string
	err      error
	truncate bool
}

func (h *fakeHydrator) Name() string            { return h.name }
func (h *fakeHydrator) Enable(q testQuery) bool { return true }

func (h *fakeHydrator) Hydrate(ctx context.Context, q testQuery, candidates []testCandidate) ([]testCandidate, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([]testCandidate, len(candidates))
	for i, c := range candidates {
		if a, ok := h.authors[c.id]; ok {
			c.author = a
		}
		out[i] = c
	}
	if h.truncate && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func (h *fakeHydrator) Update(original, hydrated testCandidate) testCandidate {
	original.author = hydrated.author
	return original
}

type fakeFilter struct {
	name string
	drop map[string]bool
	err  error
}

func (f *fakeFilter) Name() string            { return f.name }
func (f *fakeFilter) Enable(q testQuery) bool { return true }

func (f *fakeFilter) Keep(ctx context.Context, q testQuery, candidates []testCandidate) ([]testCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	kept := make([]testCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !f.drop[c.id] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

type slowFilter struct {
	delay time.Duration
}

func (f *slowFilter) Name() string            { return "slow-filter" }
func (f *slowFilter) Enable(q testQuery) bool { return true }

func (f *slowFilter) Keep(ctx context.Context, q testQuery, candidates []testCandidate) ([]testCandidate, error) {
	time.Sleep(f.delay)
	return candidates, nil
}

type fakeScorer struct {
	name   string
	scores map[string]float64
	err    error
	short  bool
}

func (s *fakeScorer) Name() string            { return s.name }
func (s *fakeScorer) Enable(q testQuery) bool { return true }

func (s *fakeScorer) Score(ctx context.Context, q testQuery, candidates []Scored[testCandidate]) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(candidates))
	for i, sc := range candidates {
		out[i] = s.scores[sc.Candidate.id]
	}
	if s.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

type recordingEffect struct {
	name string
	mu   sync.Mutex
	runs []*Result[testCandidate]
	err  error
	done chan struct{}
}

func (e *recordingEffect) Name() string            { return e.name }
func (e *recordingEffect) Enable(q testQuery) bool { return true }

func (e *recordingEffect) Run(ctx context.Context, q testQuery, result *Result[testCandidate]) error {
	e.mu.Lock()
	e.runs = append(e.runs, result)
	e.mu.Unlock()
	if e.done != nil {
		close(e.done)
	}
	return e.err
}

func (e *recordingEffect) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func candidateIDs(selected []Scored[testCandidate]) []string {
	ids := make([]string, len(selected))
	for i, sc := range selected {
		ids[i] = sc.Candidate.id
	}
	return ids
}

func assertIDs(t *testing.T, got []Scored[testCandidate], want ...string) {
	t.Helper()
	ids := candidateIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("selected = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("selected = %v, want %v", ids, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExecuteFullStageSequence(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		QueryHydrators(&fakeQueryHydrator{name: "qh", tokens: []string{"tok"}}).
		Sources(
			&fakeSource{name: "s1", candidates: []testCandidate{{id: "a"}, {id: "b"}}},
			&fakeSource{name: "s2", candidates: []testCandidate{{id: "c"}, {id: "a"}}},
		).
		Hydrators(&fakeHydrator{name: "h", authors: map[string]string{"a": "u1", "b": "u2", "c": "u3"}}).
		Filters(&fakeFilter{name: "f", drop: map[string]bool{"b": true}}).
		Scorers(&fakeScorer{name: "sc", scores: map[string]float64{"a": 1, "c": 2}}).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 10})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.RequestID == "" {
		t.Error("expected a generated request id")
	}
	if result.RetrievedCount != 3 {
		t.Errorf("RetrievedCount = %d, want 3 (duplicate key counted once)", result.RetrievedCount)
	}
	assertIDs(t, result.Selected, "c", "a")
	if result.Selected[0].Score != 2 {
		t.Errorf("top score = %v, want 2", result.Selected[0].Score)
	}
	if result.Selected[0].Candidate.author != "u3" {
		t.Errorf("hydration lost: author = %q, want u3", result.Selected[0].Candidate.author)
	}
	if len(result.Filtered) != 1 || result.Filtered[0].id != "b" {
		t.Errorf("Filtered = %v, want [b]", result.Filtered)
	}
}

func TestExecuteDeduplicatesAcrossSourcesFirstWins(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(
			&fakeSource{name: "s1", candidates: []testCandidate{{id: "x", author: "from-s1"}}},
			&fakeSource{name: "s2", candidates: []testCandidate{{id: "x", author: "from-s2"}}},
		).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	if result.RetrievedCount != 1 {
		t.Fatalf("RetrievedCount = %d, want 1", result.RetrievedCount)
	}
	if result.Selected[0].Candidate.author != "from-s1" {
		t.Errorf("duplicate resolution: got %q, want candidate from first registered source", result.Selected[0].Candidate.author)
	}
}

func TestExecuteSourceFailureContributesNothing(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(
			&fakeSource{name: "broken", err: errors.New("backend down")},
			&fakeSource{name: "healthy", candidates: []testCandidate{{id: "a"}}},
		).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertIDs(t, result.Selected, "a")

	var failed *ComponentMetric
	for i := range result.Components {
		if result.Components[i].Component == "broken" {
			failed = &result.Components[i]
		}
	}
	if failed == nil || failed.Err == "" {
		t.Error("expected a component metric recording the source failure")
	}
}

func TestExecuteSourcePanicIsIsolated(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(
			&fakeSource{name: "panicky", panics: true},
			&fakeSource{name: "healthy", candidates: []testCandidate{{id: "a"}}},
		).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertIDs(t, result.Selected, "a")
}

func TestExecuteComponentTimeout(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(
			&fakeSource{name: "slow", sleep: 500 * time.Millisecond, candidates: []testCandidate{{id: "slow"}}},
			&fakeSource{name: "fast", candidates: []testCandidate{{id: "fast"}}},
		).
		ComponentTimeout(30 * time.Millisecond).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertIDs(t, result.Selected, "fast")

	timedOut := false
	for _, cm := range result.Components {
		if cm.Component == "slow" && cm.TimedOut {
			timedOut = true
		}
	}
	if !timedOut {
		t.Error("expected the slow source metric to be marked timed out")
	}
}

func TestExecuteHydratorLengthMismatchSkipsMerge(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}, {id: "b"}}}).
		Hydrators(&fakeHydrator{name: "shrinker", authors: map[string]string{"a": "u1"}, truncate: true}).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	if len(result.Selected) != 2 {
		t.Fatalf("selected %d candidates, want 2 (mismatched hydrator must not shrink the set)", len(result.Selected))
	}
	for _, sc := range result.Selected {
		if sc.Candidate.author != "" {
			t.Errorf("candidate %s was merged from a mismatched hydrator output", sc.Candidate.id)
		}
	}
}

func TestExecuteFilterErrorRetainsAll(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}, {id: "b"}}}).
		Filters(&fakeFilter{name: "broken", err: errors.New("filter backend down")}).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	if len(result.Selected) != 2 {
		t.Errorf("selected %d, want 2: a failing filter must retain all candidates", len(result.Selected))
	}
	if len(result.Filtered) != 0 {
		t.Errorf("Filtered = %v, want empty", result.Filtered)
	}
}

func TestExecuteScoringIsCumulative(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}}}).
		Scorers(
			&fakeScorer{name: "sc1", scores: map[string]float64{"a": 1.5}},
			&fakeScorer{name: "sc2", scores: map[string]float64{"a": 2.5}},
		).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	got := result.Selected[0]
	if got.Score != 4 {
		t.Errorf("Score = %v, want 4", got.Score)
	}
	if got.Breakdown["sc1"] != 1.5 || got.Breakdown["sc2"] != 2.5 {
		t.Errorf("Breakdown = %v, want per-scorer contributions", got.Breakdown)
	}
}

func TestExecuteScorerLengthMismatchSkips(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}, {id: "b"}}}).
		Scorers(
			&fakeScorer{name: "short", scores: map[string]float64{"a": 9, "b": 9}, short: true},
			&fakeScorer{name: "ok", scores: map[string]float64{"a": 1, "b": 2}},
		).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	for _, sc := range result.Selected {
		if _, ok := sc.Breakdown["short"]; ok {
			t.Error("mismatched scorer must not contribute")
		}
	}
	assertIDs(t, result.Selected, "b", "a")
}

func TestExecuteSelectionTieBreaksOnKey(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "zeta"}, {id: "alpha"}, {id: "mid"}}}).
		Build()
	defer engine.Close()

	// No scorers: all scores are zero, so ordering falls to ascending key.
	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	assertIDs(t, result.Selected, "alpha", "mid", "zeta")
}

func TestExecuteClampsToRequestedLimit(t *testing.T) {
	many := make([]testCandidate, 30)
	for i := range many {
		many[i] = testCandidate{id: string(rune('a' + i))}
	}
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: many}).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 7})
	if len(result.Selected) != 7 {
		t.Errorf("selected %d, want 7", len(result.Selected))
	}

	// Zero limit falls back to the default result size.
	engine2 := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: many}).
		DefaultResultSize(5).
		Build()
	defer engine2.Close()

	result, _ = engine2.Execute(context.Background(), testQuery{})
	if len(result.Selected) != 5 {
		t.Errorf("selected %d, want default 5", len(result.Selected))
	}
}

func TestExecuteQueryHydratorFailureSkipsMerge(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		QueryHydrators(
			&fakeQueryHydrator{name: "ok", tokens: []string{"good"}},
			&fakeQueryHydrator{name: "broken", err: errors.New("feature store down")},
		).
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}}}).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Selected) != 1 {
		t.Error("a failing query hydrator must not abort the request")
	}
}

func TestExecuteSideEffectsRunDetached(t *testing.T) {
	effect := &recordingEffect{name: "rec", done: make(chan struct{})}
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}}}).
		SideEffects(effect).
		Build()
	defer engine.Close()

	// Cancel the request context before Execute returns control: side
	// effects must still run on their detached context.
	ctx, cancel := context.WithCancel(context.Background())
	result, _ := engine.Execute(ctx, testQuery{limit: 5})
	cancel()

	select {
	case <-effect.done:
	case <-time.After(2 * time.Second):
		t.Fatal("side effect never ran")
	}
	if effect.count() != 1 {
		t.Errorf("side effect ran %d times, want 1", effect.count())
	}
	if len(result.Selected) != 1 {
		t.Errorf("selected %d, want 1", len(result.Selected))
	}
}

func TestExecuteSideEffectErrorDoesNotPropagate(t *testing.T) {
	effect := &recordingEffect{name: "failing", err: errors.New("sink down"), done: make(chan struct{})}
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}}}).
		SideEffects(effect).
		Build()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute returned side-effect error: %v", err)
	}
	<-effect.done
	engine.Close()

	if len(result.Selected) != 1 {
		t.Errorf("selected %d, want 1", len(result.Selected))
	}
}

func TestExecutePreservesCallerRequestID(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{id: "req-42"})
	if result.RequestID != "req-42" {
		t.Errorf("RequestID = %q, want req-42", result.RequestID)
	}
}

func TestExecutePostSelectionStagesReclampToLimit(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}, {id: "b"}, {id: "c"}, {id: "d"}}}).
		Scorers(&fakeScorer{name: "sc", scores: map[string]float64{"a": 4, "b": 3, "c": 2, "d": 1}}).
		Selector(&TopKSelector[testQuery, testCandidate]{OverSample: 2}).
		PostSelectionHydrators(&fakeHydrator{name: "ph", authors: map[string]string{"a": "u1", "b": "u2", "c": "u3", "d": "u4"}}).
		PostSelectionFilters(&fakeFilter{name: "pf", drop: map[string]bool{"b": true}}).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Selection over-samples to 4; the post-selection filter drops b and
	// the over-sampled c backfills; the final clamp returns to the limit.
	assertIDs(t, result.Selected, "a", "c")
	if result.Selected[0].Candidate.author != "u1" || result.Selected[1].Candidate.author != "u3" {
		t.Errorf("post-selection hydration lost: authors = %q, %q",
			result.Selected[0].Candidate.author, result.Selected[1].Candidate.author)
	}

	dropped := false
	for _, c := range result.Filtered {
		if c.id == "b" {
			dropped = true
		}
	}
	if !dropped {
		t.Error("post-selection filter victim missing from Filtered")
	}
}

func TestExecutePostSelectionFilterWithoutOverSample(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}, {id: "b"}, {id: "c"}}}).
		Scorers(&fakeScorer{name: "sc", scores: map[string]float64{"a": 3, "b": 2, "c": 1}}).
		PostSelectionFilters(&fakeFilter{name: "pf", drop: map[string]bool{"a": true}}).
		Build()
	defer engine.Close()

	// With no over-sampling there is no backfill: the result may come up
	// short of the limit but never exceeds it.
	result, _ := engine.Execute(context.Background(), testQuery{limit: 2})
	assertIDs(t, result.Selected, "b")
}

func TestExecutePostScoreFilteringIsTimed(t *testing.T) {
	delay := 20 * time.Millisecond
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}}}).
		PostScoreFilters(&slowFilter{delay: delay}).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Timing.PostScoreFiltering < delay {
		t.Errorf("Timing.PostScoreFiltering = %v, want >= %v", result.Timing.PostScoreFiltering, delay)
	}
}

func TestExecuteNonFiniteScoresContributeZero(t *testing.T) {
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(&fakeSource{name: "s", candidates: []testCandidate{{id: "a"}, {id: "b"}}}).
		Scorers(
			&fakeScorer{name: "unstable", scores: map[string]float64{"a": math.NaN(), "b": math.Inf(1)}},
			&fakeScorer{name: "ok", scores: map[string]float64{"a": 1, "b": 2}},
		).
		Build()
	defer engine.Close()

	result, err := engine.Execute(context.Background(), testQuery{limit: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	assertIDs(t, result.Selected, "b", "a")
	for _, sc := range result.Selected {
		if math.IsNaN(sc.Score) || math.IsInf(sc.Score, 0) {
			t.Fatalf("candidate %s carries non-finite score %v", sc.Candidate.id, sc.Score)
		}
		contribution, ok := sc.Breakdown["unstable"]
		if !ok {
			t.Fatalf("candidate %s missing breakdown entry for the non-finite scorer", sc.Candidate.id)
		}
		if contribution != 0 {
			t.Fatalf("non-finite contribution = %v, want 0", contribution)
		}
	}
	if result.Selected[0].Score != 2 || result.Selected[1].Score != 1 {
		t.Errorf("scores = %v, %v, want 2, 1", result.Selected[0].Score, result.Selected[1].Score)
	}
}

func TestExecuteDisabledSourceIsSkipped(t *testing.T) {
	off := false
	engine := NewBuilder[testQuery, testCandidate]("test").
		Sources(
			&fakeSource{name: "off", candidates: []testCandidate{{id: "x"}}, enabled: &off},
			&fakeSource{name: "on", candidates: []testCandidate{{id: "y"}}},
		).
		Build()
	defer engine.Close()

	result, _ := engine.Execute(context.Background(), testQuery{limit: 5})
	assertIDs(t, result.Selected, "y")
	for _, cm := range result.Components {
		if cm.Component == "off" {
			t.Error("disabled source must not be invoked")
		}
	}
}
