package pipeline

import (
	"log/slog"
	"time"

	"github.com/feedstack/recommender/pkg/metrics"
	"github.com/feedstack/recommender/pkg/statsd"
	"github.com/feedstack/recommender/pkg/tracing"
)

// Builder assembles an Engine. Components are invoked in the order they are
// registered within each stage.
type Builder[Q Query, C Candidate] struct {
	engine    *Engine[Q, C]
	queueSize int
	workers   int
}

// NewBuilder creates a Builder for a named pipeline. The name prefixes all
// emitted metrics.
func NewBuilder[Q Query, C Candidate](name string) *Builder[Q, C] {
	return &Builder[Q, C]{
		engine: &Engine[Q, C]{
			name:              name,
			defaultResultSize: 20,
			logger:            slog.Default().With("component", "pipeline", "pipeline", name),
		},
	}
}

func (b *Builder[Q, C]) QueryHydrators(hs ...QueryHydrator[Q]) *Builder[Q, C] {
	b.engine.queryHydrators = append(b.engine.queryHydrators, hs...)
	return b
}

func (b *Builder[Q, C]) Sources(ss ...Source[Q, C]) *Builder[Q, C] {
	b.engine.sources = append(b.engine.sources, ss...)
	return b
}

func (b *Builder[Q, C]) Hydrators(hs ...Hydrator[Q, C]) *Builder[Q, C] {
	b.engine.hydrators = append(b.engine.hydrators, hs...)
	return b
}

func (b *Builder[Q, C]) Filters(fs ...Filter[Q, C]) *Builder[Q, C] {
	b.engine.filters = append(b.engine.filters, fs...)
	return b
}

func (b *Builder[Q, C]) Scorers(ss ...Scorer[Q, C]) *Builder[Q, C] {
	b.engine.scorers = append(b.engine.scorers, ss...)
	return b
}

func (b *Builder[Q, C]) PostScoreFilters(fs ...Filter[Q, C]) *Builder[Q, C] {
	b.engine.postScoreFilters = append(b.engine.postScoreFilters, fs...)
	return b
}

func (b *Builder[Q, C]) Selector(s Selector[Q, C]) *Builder[Q, C] {
	b.engine.selector = s
	return b
}

func (b *Builder[Q, C]) PostSelectionHydrators(hs ...Hydrator[Q, C]) *Builder[Q, C] {
	b.engine.postSelHydrators = append(b.engine.postSelHydrators, hs...)
	return b
}

func (b *Builder[Q, C]) PostSelectionFilters(fs ...Filter[Q, C]) *Builder[Q, C] {
	b.engine.postSelFilters = append(b.engine.postSelFilters, fs...)
	return b
}

func (b *Builder[Q, C]) SideEffects(ses ...SideEffect[Q, C]) *Builder[Q, C] {
	b.engine.sideEffects = append(b.engine.sideEffects, ses...)
	return b
}

// ComponentTimeout sets the hard per-component timeout. Zero disables it.
func (b *Builder[Q, C]) ComponentTimeout(d time.Duration) *Builder[Q, C] {
	b.engine.componentTimeout = d
	return b
}

// DefaultResultSize sets the clamp applied when a query has no limit.
func (b *Builder[Q, C]) DefaultResultSize(n int) *Builder[Q, C] {
	if n > 0 {
		b.engine.defaultResultSize = n
	}
	return b
}

// SideEffectQueue bounds the detached side-effect queue and worker count.
func (b *Builder[Q, C]) SideEffectQueue(size, workers int) *Builder[Q, C] {
	b.queueSize = size
	b.workers = workers
	return b
}

func (b *Builder[Q, C]) Metrics(m *metrics.Metrics) *Builder[Q, C] {
	b.engine.metrics = m
	return b
}

func (b *Builder[Q, C]) Statsd(c *statsd.Client) *Builder[Q, C] {
	b.engine.statsd = c
	return b
}

// Tracer enables span tracing for sampled requests.
func (b *Builder[Q, C]) Tracer(t *tracing.Tracer) *Builder[Q, C] {
	b.engine.tracer = t
	return b
}

// Build finalises the engine and starts its side-effect workers.
func (b *Builder[Q, C]) Build() *Engine[Q, C] {
	if b.engine.selector == nil {
		b.engine.selector = &TopKSelector[Q, C]{DefaultLimit: b.engine.defaultResultSize}
	}
	b.engine.effects = newDispatcher(b.queueSize, b.workers)
	return b.engine
}
