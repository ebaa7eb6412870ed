// Package tracing provides lightweight span-based request tracing.
// Spans form parent–child trees propagated through Go contexts and are
// written out as structured slog records when the root span ends. A
// request with no root span in its context produces no child spans, so
// unsampled requests cost nothing beyond a context lookup.
package tracing

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type contextKey struct{}

var spanKey contextKey

// Tracer decides which requests get traced. A nil Tracer samples
// nothing.
type Tracer struct {
	enabled    bool
	sampleRate float64
}

// NewTracer creates a Tracer that samples the given fraction of
// requests. A rate outside (0, 1] is clamped to 1 when tracing is
// enabled.
func NewTracer(enabled bool, sampleRate float64) *Tracer {
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	return &Tracer{enabled: enabled, sampleRate: sampleRate}
}

// Sample reports whether the next request should be traced.
func (t *Tracer) Sample() bool {
	if t == nil || !t.enabled {
		return false
	}
	return t.sampleRate >= 1 || rand.Float64() < t.sampleRate
}

// Span is a timed operation within a trace. All methods are safe to
// call on a nil Span.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	mu       sync.Mutex
	children []*Span
	attrs    map[string]any
}

// StartSpan creates a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	span := &Span{
		Name:      name,
		TraceID:   traceID,
		StartTime: time.Now(),
		attrs:     make(map[string]any),
	}
	return context.WithValue(ctx, spanKey, span), span
}

// StartChildSpan creates a child of the span in ctx. When ctx carries
// no span the request is not being traced and StartChildSpan returns
// (ctx, nil).
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return ctx, nil
	}

	child := &Span{
		Name:      name,
		TraceID:   parent.TraceID,
		StartTime: time.Now(),
		attrs:     make(map[string]any),
	}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	return context.WithValue(ctx, spanKey, child), child
}

// SpanFromContext extracts the current Span from ctx, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

// End records the span's end time and duration.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetAttr attaches a key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Log writes the span tree to slog, one record per span, parents before
// children.
func (s *Span) Log() {
	if s == nil {
		return
	}
	s.logRecursive(0)
}

func (s *Span) logRecursive(depth int) {
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}
	s.mu.Lock()
	for k, v := range s.attrs {
		attrs = append(attrs, k, v)
	}
	children := s.children
	s.mu.Unlock()

	slog.Info("span", attrs...)
	for _, child := range children {
		child.logRecursive(depth + 1)
	}
}
