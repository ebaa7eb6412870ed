package labels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedstack/recommender/internal/actions"
	"github.com/feedstack/recommender/pkg/kafka"
)

// LabeledImpression pairs an impression with its summarized follow-up
// actions once the label window has closed.
type LabeledImpression struct {
	UserID       string    `json:"user_id"`
	TargetID     string    `json:"target_id"`
	RequestID    string    `json:"request_id"`
	ImpressionAt time.Time `json:"impression_at"`
	Summary      Summary   `json:"summary"`
}

// Sink receives finalized labels. Implementations must tolerate
// duplicate delivery.
type Sink interface {
	WriteLabels(ctx context.Context, labels []LabeledImpression) error
}

// MemorySink buffers labels in memory for tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	labels []LabeledImpression
}

func (s *MemorySink) WriteLabels(ctx context.Context, labels []LabeledImpression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, labels...)
	return nil
}

func (s *MemorySink) Labels() []LabeledImpression {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LabeledImpression, len(s.labels))
	copy(out, s.labels)
	return out
}

// AggregatedStats is a point-in-time snapshot of label production.
type AggregatedStats struct {
	ImpressionsSeen   int64   `json:"impressions_seen"`
	ActionsSeen       int64   `json:"actions_seen"`
	LabelsEmitted     int64   `json:"labels_emitted"`
	Engagements       int64   `json:"engagements"`
	Negatives         int64   `json:"negatives"`
	PendingWindows    int     `json:"pending_windows"`
	EngagementRate    float64 `json:"engagement_rate"`
	NegativeRate      float64 `json:"negative_rate"`
	OrphanActionsSeen int64   `json:"orphan_actions_seen"`
}

type pendingImpression struct {
	impression actions.UserActionRecord
	follow     []actions.UserActionRecord
}

// Aggregator consumes user-action events and turns each impression into
// a training label once its window [impressionAt, impressionAt+window]
// has fully elapsed. Actions arriving before their impression are held
// as orphans for one window length so out-of-order delivery still
// labels correctly.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*pendingImpression
	orphans map[string][]actions.UserActionRecord

	impressionsSeen atomic.Int64
	actionsSeen     atomic.Int64
	labelsEmitted   atomic.Int64
	engagements     atomic.Int64
	negatives       atomic.Int64
	orphansSeen     atomic.Int64

	window   time.Duration
	sink     Sink
	consumer *kafka.Consumer
	now      func() time.Time
	logger   *slog.Logger
}

func NewAggregator(consumer *kafka.Consumer, sink Sink, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Aggregator{
		pending:  make(map[string]*pendingImpression),
		orphans:  make(map[string][]actions.UserActionRecord),
		window:   window,
		sink:     sink,
		consumer: consumer,
		now:      time.Now,
		logger:   slog.Default().With("component", "label-aggregator"),
	}
}

// Start consumes the action topic and sweeps closed windows until ctx
// is cancelled. A final sweep flushes everything still pending.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("label aggregator starting", "window", a.window)

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(a.window / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.flush(context.WithoutCancel(ctx), true)
				return
			case <-ticker.C:
				a.flush(ctx, false)
			}
		}
	}()

	err := a.consumer.Start(ctx)
	<-sweepDone
	return err
}

// HandleAction is the kafka message handler feeding the aggregator.
// Decode failures are logged and skipped so one bad event cannot stall
// the partition.
func HandleAction(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		record, err := kafka.DecodeJSON[actions.UserActionRecord](value)
		if err != nil {
			agg.logger.Error("failed to decode action event", "error", err)
			return nil
		}
		agg.Observe(record)
		return nil
	}
}

// Observe feeds one action record into the aggregator.
func (a *Aggregator) Observe(record actions.UserActionRecord) {
	if record.UserID == "" || record.TargetID == "" {
		return
	}
	key := record.UserID + ":" + record.TargetID

	a.mu.Lock()
	defer a.mu.Unlock()

	if record.Action == actions.TypeImpression {
		a.impressionsSeen.Add(1)
		p := &pendingImpression{impression: record}
		if held, ok := a.orphans[key]; ok {
			p.follow = held
			delete(a.orphans, key)
		}
		a.pending[key] = p
		return
	}
	if record.Action == actions.TypeDelivery {
		return
	}

	a.actionsSeen.Add(1)
	if p, ok := a.pending[key]; ok {
		p.follow = append(p.follow, record)
		return
	}
	a.orphansSeen.Add(1)
	a.orphans[key] = append(a.orphans[key], record)
}

// flush emits labels for every impression whose window has closed.
// force finalizes all pending windows regardless of age.
func (a *Aggregator) flush(ctx context.Context, force bool) {
	now := a.now()

	a.mu.Lock()
	var due []LabeledImpression
	for key, p := range a.pending {
		if !force && now.Before(p.impression.Timestamp.Add(a.window)) {
			continue
		}
		summary := Summarize(p.impression.Timestamp, p.follow, a.window)
		due = append(due, LabeledImpression{
			UserID:       p.impression.UserID,
			TargetID:     p.impression.TargetID,
			RequestID:    p.impression.RequestID,
			ImpressionAt: p.impression.Timestamp,
			Summary:      summary,
		})
		delete(a.pending, key)
	}
	for key, held := range a.orphans {
		if len(held) == 0 {
			delete(a.orphans, key)
			continue
		}
		if force || now.Sub(held[0].Timestamp) > a.window {
			delete(a.orphans, key)
		}
	}
	a.mu.Unlock()

	if len(due) == 0 {
		return
	}

	for _, l := range due {
		if l.Summary.Engagement {
			a.engagements.Add(1)
		}
		if l.Summary.Negative {
			a.negatives.Add(1)
		}
	}

	if a.sink != nil {
		if err := a.sink.WriteLabels(ctx, due); err != nil {
			a.logger.Error("failed to write labels", "count", len(due), "error", err)
			return
		}
	}
	a.labelsEmitted.Add(int64(len(due)))
	a.logger.Info("labels emitted", "count", len(due))
}

// Stats returns a snapshot of aggregate counters.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.Lock()
	pending := len(a.pending)
	a.mu.Unlock()

	stats := AggregatedStats{
		ImpressionsSeen:   a.impressionsSeen.Load(),
		ActionsSeen:       a.actionsSeen.Load(),
		LabelsEmitted:     a.labelsEmitted.Load(),
		Engagements:       a.engagements.Load(),
		Negatives:         a.negatives.Load(),
		PendingWindows:    pending,
		OrphanActionsSeen: a.orphansSeen.Load(),
	}
	if stats.LabelsEmitted > 0 {
		stats.EngagementRate = float64(stats.Engagements) / float64(stats.LabelsEmitted)
		stats.NegativeRate = float64(stats.Negatives) / float64(stats.LabelsEmitted)
	}
	return stats
}
