package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feedstack/recommender/pkg/metrics"
	"github.com/feedstack/recommender/pkg/resilience"
	"github.com/feedstack/recommender/pkg/statsd"
	"github.com/feedstack/recommender/pkg/tracing"
)

// Engine runs one request through its fixed stage order:
// query hydration → sourcing → hydration → filtering → scoring →
// post-score filtering → selection → post-selection hydration →
// post-selection filtering → final clamp → side effects.
//
// Parallel stages fan out all enabled components concurrently; sequential
// stages run in registration order. Every component invocation is isolated:
// a failing, panicking or timed-out component degrades to a no-op for that
// component only and never aborts the request.
type Engine[Q Query, C Candidate] struct {
	name              string
	queryHydrators    []QueryHydrator[Q]
	sources           []Source[Q, C]
	hydrators         []Hydrator[Q, C]
	filters           []Filter[Q, C]
	scorers           []Scorer[Q, C]
	postScoreFilters  []Filter[Q, C]
	selector          Selector[Q, C]
	postSelHydrators  []Hydrator[Q, C]
	postSelFilters    []Filter[Q, C]
	sideEffects       []SideEffect[Q, C]
	componentTimeout  time.Duration
	defaultResultSize int
	effects           *dispatcher
	metrics           *metrics.Metrics
	statsd            *statsd.Client
	tracer            *tracing.Tracer
	logger            *slog.Logger
}

// Execute runs the full stage sequence for one query and returns the
// selected candidates plus diagnostics. Partial failures never produce an
// error; the returned error is reserved for internal engine faults.
// Side effects are dispatched detached and are not awaited.
func (e *Engine[Q, C]) Execute(ctx context.Context, q Q) (*Result[C], error) {
	start := time.Now()
	requestID := q.RequestID()
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := e.logger.With("request_id", requestID)

	var rootSpan *tracing.Span
	if e.tracer.Sample() {
		ctx, rootSpan = tracing.StartSpan(ctx, e.name, requestID)
	}

	result := &Result[C]{RequestID: requestID}

	// Stage 1: query hydration.
	sctx, span := tracing.StartChildSpan(ctx, StageQueryHydration)
	q = e.hydrateQuery(sctx, q, result, logger)
	span.End()

	// Stage 2: sourcing.
	stageStart := time.Now()
	sctx, span = tracing.StartChildSpan(ctx, StageSourcing)
	candidates := e.source(sctx, q, result, logger)
	span.SetAttr("retrieved", len(candidates))
	span.End()
	result.Timing.Sourcing = time.Since(stageStart)
	result.RetrievedCount = len(candidates)

	// Stage 3: candidate hydration.
	stageStart = time.Now()
	sctx, span = tracing.StartChildSpan(ctx, StageHydration)
	candidates = e.hydrate(sctx, q, candidates, e.hydrators, StageHydration, result, logger)
	span.End()
	result.Timing.Hydrating = time.Since(stageStart)

	// Stage 4: pre-score filtering.
	stageStart = time.Now()
	sctx, span = tracing.StartChildSpan(ctx, StageFiltering)
	candidates = e.filter(sctx, q, candidates, e.filters, StageFiltering, result, logger)
	span.SetAttr("remaining", len(candidates))
	span.End()
	result.Timing.Filtering = time.Since(stageStart)

	// Stage 5: scoring.
	stageStart = time.Now()
	sctx, span = tracing.StartChildSpan(ctx, StageScoring)
	scored := e.score(sctx, q, candidates, result, logger)
	span.End()
	result.Timing.Scoring = time.Since(stageStart)

	// Stage 6: post-score filtering.
	stageStart = time.Now()
	sctx, span = tracing.StartChildSpan(ctx, StagePostScoreFiltering)
	scored = e.filterScored(sctx, q, scored, e.postScoreFilters, StagePostScoreFiltering, result, logger)
	span.SetAttr("remaining", len(scored))
	span.End()
	result.Timing.PostScoreFiltering = time.Since(stageStart)

	// Stage 7: selection.
	stageStart = time.Now()
	sctx, span = tracing.StartChildSpan(ctx, StageSelection)
	selected := e.selectCandidates(sctx, q, scored, result, logger)
	span.SetAttr("selected", len(selected))
	span.End()
	result.Timing.Selecting = time.Since(stageStart)

	// Stage 8: post-selection hydration.
	stageStart = time.Now()
	if len(e.postSelHydrators) > 0 {
		updated := e.hydrateScored(ctx, q, selected, e.postSelHydrators, StagePostSelectionHydration, result, logger)
		selected = updated
	}
	result.Timing.PostSelectionHydrating = time.Since(stageStart)

	// Stage 9: post-selection filtering.
	stageStart = time.Now()
	selected = e.filterScored(ctx, q, selected, e.postSelFilters, StagePostSelectionFiltering, result, logger)
	result.Timing.PostSelectionFiltering = time.Since(stageStart)

	// Selection may over-sample to absorb post-selection losses, so the
	// final list is re-clamped to the requested size.
	limit := e.limitFor(q)
	if len(selected) > limit {
		selected = selected[:limit]
	}
	result.Selected = selected
	result.Timing.Total = time.Since(start)

	if rootSpan != nil {
		rootSpan.SetAttr("retrieved", result.RetrievedCount)
		rootSpan.SetAttr("selected", len(result.Selected))
		rootSpan.End()
		rootSpan.Log()
	}

	e.report(result)
	e.dispatchSideEffects(ctx, q, result, logger)

	logger.Info("pipeline executed",
		"retrieved", result.RetrievedCount,
		"filtered", len(result.Filtered),
		"selected", len(result.Selected),
		"total_ms", result.Timing.Total.Milliseconds(),
	)
	return result, nil
}

// Close stops the side-effect workers after draining the queue.
func (e *Engine[Q, C]) Close() {
	e.effects.Close()
}

func (e *Engine[Q, C]) limitFor(q Q) int {
	if limit := q.ResultLimit(); limit > 0 {
		return limit
	}
	return e.defaultResultSize
}

// ---------- Stage 1: query hydration ----------

func (e *Engine[Q, C]) hydrateQuery(ctx context.Context, q Q, result *Result[C], logger *slog.Logger) Q {
	enabled := make([]QueryHydrator[Q], 0, len(e.queryHydrators))
	for _, h := range e.queryHydrators {
		if h.Enable(q) {
			enabled = append(enabled, h)
		}
	}
	if len(enabled) == 0 {
		return q
	}

	type outcome struct {
		hydrated Q
		metric   ComponentMetric
	}
	outcomes := make([]outcome, len(enabled))
	var wg sync.WaitGroup
	for i, h := range enabled {
		wg.Add(1)
		go func(idx int, h QueryHydrator[Q]) {
			defer wg.Done()
			var hydrated Q
			m := e.invoke(ctx, StageQueryHydration, h.Name(), func(ctx context.Context) error {
				var err error
				hydrated, err = h.Hydrate(ctx, q)
				return err
			})
			// A timed-out invocation may still be writing its output;
			// only read it after a clean return.
			o := outcome{metric: m}
			if m.Err == "" {
				o.hydrated = hydrated
			}
			outcomes[idx] = o
		}(i, h)
	}
	wg.Wait()

	// Merge partials back in registration order through each hydrator's
	// own Update contract.
	merged := q
	for i, h := range enabled {
		result.Components = append(result.Components, outcomes[i].metric)
		if outcomes[i].metric.Err != "" {
			logger.Warn("query hydrator failed, skipping merge",
				"hydrator", h.Name(),
				"error", outcomes[i].metric.Err,
			)
			continue
		}
		merged = h.Update(merged, outcomes[i].hydrated)
	}
	return merged
}

// ---------- Stage 2: sourcing ----------

func (e *Engine[Q, C]) source(ctx context.Context, q Q, result *Result[C], logger *slog.Logger) []C {
	enabled := make([]Source[Q, C], 0, len(e.sources))
	for _, s := range e.sources {
		if s.Enable(q) {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	type outcome struct {
		candidates []C
		metric     ComponentMetric
	}
	outcomes := make([]outcome, len(enabled))
	var wg sync.WaitGroup
	for i, s := range enabled {
		wg.Add(1)
		go func(idx int, s Source[Q, C]) {
			defer wg.Done()
			var fetched []C
			m := e.invoke(ctx, StageSourcing, s.Name(), func(ctx context.Context) error {
				var err error
				fetched, err = s.Fetch(ctx, q)
				return err
			})
			o := outcome{metric: m}
			if m.Err == "" {
				o.candidates = fetched
			}
			outcomes[idx] = o
		}(i, s)
	}
	wg.Wait()

	// Flatten in registration order, de-duplicating by candidate key
	// (first source wins).
	seen := make(map[string]struct{})
	var flat []C
	for i, s := range enabled {
		result.Components = append(result.Components, outcomes[i].metric)
		if outcomes[i].metric.Err != "" {
			logger.Warn("source failed, contributing nothing",
				"source", s.Name(),
				"error", outcomes[i].metric.Err,
			)
			continue
		}
		for _, c := range outcomes[i].candidates {
			if _, dup := seen[c.Key()]; dup {
				continue
			}
			seen[c.Key()] = struct{}{}
			flat = append(flat, c)
		}
	}
	return flat
}

// ---------- Stage 3/8: candidate hydration ----------

func (e *Engine[Q, C]) hydrate(ctx context.Context, q Q, candidates []C, hydrators []Hydrator[Q, C], stage string, result *Result[C], logger *slog.Logger) []C {
	if len(candidates) == 0 {
		return candidates
	}
	enabled := make([]Hydrator[Q, C], 0, len(hydrators))
	for _, h := range hydrators {
		if h.Enable(q) {
			enabled = append(enabled, h)
		}
	}
	if len(enabled) == 0 {
		return candidates
	}

	type outcome struct {
		hydrated []C
		metric   ComponentMetric
	}
	outcomes := make([]outcome, len(enabled))
	var wg sync.WaitGroup
	for i, h := range enabled {
		wg.Add(1)
		go func(idx int, h Hydrator[Q, C]) {
			defer wg.Done()
			var hydrated []C
			m := e.invoke(ctx, stage, h.Name(), func(ctx context.Context) error {
				var err error
				hydrated, err = h.Hydrate(ctx, q, candidates)
				return err
			})
			o := outcome{metric: m}
			if m.Err == "" {
				o.hydrated = hydrated
			}
			outcomes[idx] = o
		}(i, h)
	}
	wg.Wait()

	merged := candidates
	for i, h := range enabled {
		result.Components = append(result.Components, outcomes[i].metric)
		if outcomes[i].metric.Err != "" {
			logger.Warn("hydrator failed, skipping merge",
				"hydrator", h.Name(),
				"stage", stage,
				"error", outcomes[i].metric.Err,
			)
			continue
		}
		if len(outcomes[i].hydrated) != len(merged) {
			logger.Warn("hydrator output length mismatch, skipping merge",
				"hydrator", h.Name(),
				"stage", stage,
				"want", len(merged),
				"got", len(outcomes[i].hydrated),
			)
			continue
		}
		next := make([]C, len(merged))
		for j := range merged {
			next[j] = h.Update(merged[j], outcomes[i].hydrated[j])
		}
		merged = next
	}
	return merged
}

func (e *Engine[Q, C]) hydrateScored(ctx context.Context, q Q, scored []Scored[C], hydrators []Hydrator[Q, C], stage string, result *Result[C], logger *slog.Logger) []Scored[C] {
	underlying := make([]C, len(scored))
	for i, sc := range scored {
		underlying[i] = sc.Candidate
	}
	hydrated := e.hydrate(ctx, q, underlying, hydrators, stage, result, logger)
	if len(hydrated) != len(scored) {
		return scored
	}
	out := make([]Scored[C], len(scored))
	for i, sc := range scored {
		sc.Candidate = hydrated[i]
		out[i] = sc
	}
	return out
}

// ---------- Stage 4/6/9: filtering ----------

func (e *Engine[Q, C]) filter(ctx context.Context, q Q, candidates []C, filters []Filter[Q, C], stage string, result *Result[C], logger *slog.Logger) []C {
	current := candidates
	for _, f := range filters {
		if !f.Enable(q) {
			continue
		}
		if len(current) == 0 {
			break
		}
		var kept []C
		m := e.invoke(ctx, stage, f.Name(), func(ctx context.Context) error {
			var err error
			kept, err = f.Keep(ctx, q, current)
			return err
		})
		result.Components = append(result.Components, m)
		if m.Err != "" {
			logger.Warn("filter failed, retaining all candidates",
				"filter", f.Name(),
				"stage", stage,
				"error", m.Err,
			)
			continue
		}
		keptKeys := make(map[string]struct{}, len(kept))
		for _, c := range kept {
			keptKeys[c.Key()] = struct{}{}
		}
		for _, c := range current {
			if _, ok := keptKeys[c.Key()]; !ok {
				result.Filtered = append(result.Filtered, c)
			}
		}
		current = kept
	}
	return current
}

func (e *Engine[Q, C]) filterScored(ctx context.Context, q Q, scored []Scored[C], filters []Filter[Q, C], stage string, result *Result[C], logger *slog.Logger) []Scored[C] {
	current := scored
	for _, f := range filters {
		if !f.Enable(q) {
			continue
		}
		if len(current) == 0 {
			break
		}
		var kept []Scored[C]
		m := e.invoke(ctx, stage, f.Name(), func(ctx context.Context) error {
			var err error
			if sf, ok := f.(ScoredFilter[Q, C]); ok {
				kept, err = sf.KeepScored(ctx, q, current)
				return err
			}
			underlying := make([]C, len(current))
			for i, sc := range current {
				underlying[i] = sc.Candidate
			}
			keptPlain, err := f.Keep(ctx, q, underlying)
			if err != nil {
				return err
			}
			keptKeys := make(map[string]struct{}, len(keptPlain))
			for _, c := range keptPlain {
				keptKeys[c.Key()] = struct{}{}
			}
			kept = make([]Scored[C], 0, len(keptPlain))
			for _, sc := range current {
				if _, ok := keptKeys[sc.Candidate.Key()]; ok {
					kept = append(kept, sc)
				}
			}
			return nil
		})
		result.Components = append(result.Components, m)
		if m.Err != "" {
			logger.Warn("filter failed, retaining all candidates",
				"filter", f.Name(),
				"stage", stage,
				"error", m.Err,
			)
			continue
		}
		keptKeys := make(map[string]struct{}, len(kept))
		for _, sc := range kept {
			keptKeys[sc.Candidate.Key()] = struct{}{}
		}
		for _, sc := range current {
			if _, ok := keptKeys[sc.Candidate.Key()]; !ok {
				result.Filtered = append(result.Filtered, sc.Candidate)
			}
		}
		current = kept
	}
	return current
}

// ---------- Stage 5: scoring ----------

func (e *Engine[Q, C]) score(ctx context.Context, q Q, candidates []C, result *Result[C], logger *slog.Logger) []Scored[C] {
	scored := make([]Scored[C], len(candidates))
	for i, c := range candidates {
		scored[i] = Scored[C]{Candidate: c, Breakdown: make(map[string]float64)}
	}
	for _, s := range e.scorers {
		if !s.Enable(q) {
			continue
		}
		if len(scored) == 0 {
			break
		}
		var contributions []float64
		m := e.invoke(ctx, StageScoring, s.Name(), func(ctx context.Context) error {
			var err error
			contributions, err = s.Score(ctx, q, scored)
			return err
		})
		result.Components = append(result.Components, m)
		if m.Err != "" {
			logger.Warn("scorer failed, skipping",
				"scorer", s.Name(),
				"error", m.Err,
			)
			continue
		}
		if len(contributions) != len(scored) {
			logger.Warn("scorer output length mismatch, skipping",
				"scorer", s.Name(),
				"want", len(scored),
				"got", len(contributions),
			)
			continue
		}
		for i, v := range contributions {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			scored[i].Score += v
			scored[i].Breakdown[s.Name()] = v
		}
	}
	return scored
}

// ---------- Stage 7: selection ----------

func (e *Engine[Q, C]) selectCandidates(ctx context.Context, q Q, scored []Scored[C], result *Result[C], logger *slog.Logger) []Scored[C] {
	sel := e.selector
	if sel == nil || !sel.Enable(q) {
		return selectTopK(scored, e.limitFor(q))
	}
	var selected []Scored[C]
	m := e.invoke(ctx, StageSelection, sel.Name(), func(ctx context.Context) error {
		var err error
		selected, err = sel.Select(ctx, q, scored)
		return err
	})
	result.Components = append(result.Components, m)
	if m.Err != "" {
		logger.Warn("selector failed, using default selection",
			"selector", sel.Name(),
			"error", m.Err,
		)
		return selectTopK(scored, e.limitFor(q))
	}
	return selected
}

// ---------- Side effects ----------

func (e *Engine[Q, C]) dispatchSideEffects(ctx context.Context, q Q, result *Result[C], logger *slog.Logger) {
	if len(e.sideEffects) == 0 {
		return
	}
	// Detached from the request's cancellation: side effects outlive the
	// response path.
	effectCtx := context.WithoutCancel(ctx)
	for _, se := range e.sideEffects {
		if !se.Enable(q) {
			continue
		}
		se := se
		ok := e.effects.dispatch(func() {
			if err := se.Run(effectCtx, q, result); err != nil {
				logger.Error("side effect failed",
					"side_effect", se.Name(),
					"error", err,
				)
			}
		})
		if !ok {
			logger.Warn("side effect dropped, queue full", "side_effect", se.Name())
			if e.metrics != nil {
				e.metrics.SideEffectsDropped.Inc()
			}
		}
	}
}

// ---------- Component isolation ----------

// invoke wraps one component call with a duration timer, optional hard
// timeout, and panic capture.
func (e *Engine[Q, C]) invoke(ctx context.Context, stage, name string, fn func(context.Context) error) ComponentMetric {
	start := time.Now()
	guarded := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}

	var err error
	if e.componentTimeout > 0 {
		err = resilience.WithTimeout(ctx, e.componentTimeout, stage+"/"+name, guarded)
	} else {
		err = guarded(ctx)
	}

	m := ComponentMetric{
		Component: name,
		Stage:     stage,
		Duration:  time.Since(start),
	}
	if err != nil {
		m.Err = err.Error()
		m.TimedOut = errors.Is(err, context.DeadlineExceeded)
	}
	return m
}

// ---------- Metrics ----------

func (e *Engine[Q, C]) report(result *Result[C]) {
	if e.metrics != nil {
		outcome := "ok"
		if len(result.Selected) == 0 {
			outcome = "empty"
		}
		e.metrics.PipelineRequestsTotal.WithLabelValues(outcome).Inc()
		e.metrics.CandidateCounts.WithLabelValues("retrieved").Observe(float64(result.RetrievedCount))
		e.metrics.CandidateCounts.WithLabelValues("filtered").Observe(float64(len(result.Filtered)))
		e.metrics.CandidateCounts.WithLabelValues("selected").Observe(float64(len(result.Selected)))
		e.metrics.StageLatency.WithLabelValues(StageSourcing).Observe(result.Timing.Sourcing.Seconds())
		e.metrics.StageLatency.WithLabelValues(StageHydration).Observe(result.Timing.Hydrating.Seconds())
		e.metrics.StageLatency.WithLabelValues(StageFiltering).Observe(result.Timing.Filtering.Seconds())
		e.metrics.StageLatency.WithLabelValues(StageScoring).Observe(result.Timing.Scoring.Seconds())
		e.metrics.StageLatency.WithLabelValues(StagePostScoreFiltering).Observe(result.Timing.PostScoreFiltering.Seconds())
		e.metrics.StageLatency.WithLabelValues(StageSelection).Observe(result.Timing.Selecting.Seconds())
		for _, cm := range result.Components {
			if cm.TimedOut {
				e.metrics.ComponentTimeoutsTotal.WithLabelValues(cm.Stage, cm.Component).Inc()
			} else if cm.Err != "" {
				e.metrics.ComponentErrorsTotal.WithLabelValues(cm.Stage, cm.Component).Inc()
			}
		}
	}

	// Statsd emission is nil-safe: an unconfigured client drops silently.
	e.statsd.Count(e.name+".requests", 1)
	e.statsd.Count(e.name+".candidates.retrieved", int64(result.RetrievedCount))
	e.statsd.Count(e.name+".candidates.filtered", int64(len(result.Filtered)))
	e.statsd.Count(e.name+".candidates.selected", int64(len(result.Selected)))
	e.statsd.Timing(e.name+".stage.total", result.Timing.Total)
	e.statsd.Timing(e.name+".stage.sourcing", result.Timing.Sourcing)
	e.statsd.Timing(e.name+".stage.hydrating", result.Timing.Hydrating)
	e.statsd.Timing(e.name+".stage.filtering", result.Timing.Filtering)
	e.statsd.Timing(e.name+".stage.scoring", result.Timing.Scoring)
	e.statsd.Timing(e.name+".stage.post_score_filtering", result.Timing.PostScoreFiltering)
	e.statsd.Timing(e.name+".stage.selecting", result.Timing.Selecting)
	for _, cm := range result.Components {
		e.statsd.Timing(e.name+".component."+cm.Stage+"."+cm.Component, cm.Duration)
		if cm.TimedOut {
			e.statsd.Count(e.name+".component_timeouts", 1)
		} else if cm.Err != "" {
			e.statsd.Count(e.name+".component_errors", 1)
		}
	}
}
