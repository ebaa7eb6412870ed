package effects

import (
	"context"
	"time"

	"github.com/feedstack/recommender/internal/actions"
	"github.com/feedstack/recommender/internal/pipeline"
	"github.com/feedstack/recommender/pkg/metrics"
)

// CandidateInfo is the per-candidate detail an impression record carries.
type CandidateInfo struct {
	AuthorID     string
	InNetwork    bool
	RecallSource string
	// ExternalID is the model/external identifier; empty falls back to
	// the candidate's own key.
	ExternalID string
}

// RequestInfo identifies the user behind a query and the experiment keys
// active on the request.
type RequestInfo struct {
	UserID         string
	ExperimentKeys []string
}

// ImpressionLogger records one impression per selected candidate, suppressing
// repeats for candidates re-shown to the same user within the de-dup window.
type ImpressionLogger[Q pipeline.Query, C pipeline.Candidate] struct {
	Surface   string
	Collector *actions.Collector
	Dedup     *DedupSet
	// Request extracts the user id and experiment keys from the query.
	Request func(q Q) RequestInfo
	// Describe extracts per-candidate detail.
	Describe func(c C) CandidateInfo
	Metrics  *metrics.Metrics
}

func (l *ImpressionLogger[Q, C]) Name() string { return "impression_logger" }

func (l *ImpressionLogger[Q, C]) Enable(q Q) bool { return true }

func (l *ImpressionLogger[Q, C]) Run(ctx context.Context, q Q, result *pipeline.Result[C]) error {
	req := l.Request(q)
	now := time.Now()

	records := make([]actions.UserActionRecord, 0, len(result.Selected))
	for i, sc := range result.Selected {
		key := req.UserID + ":" + sc.Candidate.Key()
		if l.Dedup != nil && l.Dedup.SeenAndRecord(key) {
			if l.Metrics != nil {
				l.Metrics.ImpressionsDeduped.Inc()
			}
			continue
		}
		records = append(records, l.record(req, sc, i+1, result.RequestID, now))
	}
	if len(records) == 0 {
		return nil
	}
	l.Collector.Record(records...)
	if l.Metrics != nil {
		l.Metrics.ImpressionsLogged.Add(float64(len(records)))
	}
	return nil
}

func (l *ImpressionLogger[Q, C]) record(req RequestInfo, sc pipeline.Scored[C], rank int, requestID string, at time.Time) actions.UserActionRecord {
	info := l.Describe(sc.Candidate)
	targetID := info.ExternalID
	if targetID == "" {
		targetID = sc.Candidate.Key()
	}
	return actions.UserActionRecord{
		UserID:         req.UserID,
		Action:         actions.TypeImpression,
		TargetID:       targetID,
		TargetAuthorID: info.AuthorID,
		RequestID:      requestID,
		Rank:           rank,
		Score:          sc.Score,
		InNetwork:      info.InNetwork,
		RecallSource:   info.RecallSource,
		Timestamp:      at,
		ProductSurface: l.Surface,
		ExperimentKeys: req.ExperimentKeys,
	}
}

// DeliveryLogger records one delivery per selected candidate. Deliveries are
// not de-duplicated: every response that actually ships counts.
type DeliveryLogger[Q pipeline.Query, C pipeline.Candidate] struct {
	Surface   string
	Collector *actions.Collector
	Request   func(q Q) RequestInfo
	Describe  func(c C) CandidateInfo
}

func (l *DeliveryLogger[Q, C]) Name() string { return "delivery_logger" }

func (l *DeliveryLogger[Q, C]) Enable(q Q) bool { return true }

func (l *DeliveryLogger[Q, C]) Run(ctx context.Context, q Q, result *pipeline.Result[C]) error {
	req := l.Request(q)
	now := time.Now()
	records := make([]actions.UserActionRecord, 0, len(result.Selected))
	for i, sc := range result.Selected {
		info := l.Describe(sc.Candidate)
		targetID := info.ExternalID
		if targetID == "" {
			targetID = sc.Candidate.Key()
		}
		records = append(records, actions.UserActionRecord{
			UserID:         req.UserID,
			Action:         actions.TypeDelivery,
			TargetID:       targetID,
			TargetAuthorID: info.AuthorID,
			RequestID:      result.RequestID,
			Rank:           i + 1,
			Score:          sc.Score,
			InNetwork:      info.InNetwork,
			RecallSource:   info.RecallSource,
			Timestamp:      now,
			ProductSurface: l.Surface,
			ExperimentKeys: req.ExperimentKeys,
		})
	}
	if len(records) > 0 {
		l.Collector.Record(records...)
	}
	return nil
}
