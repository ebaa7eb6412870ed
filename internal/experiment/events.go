package experiment

import (
	"context"
	"time"

	"github.com/feedstack/recommender/pkg/kafka"
)

const (
	OpSaved   = "saved"
	OpDeleted = "deleted"
)

// ChangeEvent announces a definition change so other instances can drop
// their cached assignments for the experiment.
type ChangeEvent struct {
	ExperimentID string    `json:"experiment_id"`
	Op           string    `json:"op"`
	At           time.Time `json:"at"`
}

// WithChangeProducer publishes a ChangeEvent after each successful save
// or delete. Publishing is best effort: failures are logged, never
// returned.
func WithChangeProducer(p *kafka.Producer) ServiceOption {
	return func(s *Service) { s.producer = p }
}

func (s *Service) publishChange(ctx context.Context, experimentID, op string) {
	if s.producer == nil {
		return
	}
	event := ChangeEvent{ExperimentID: experimentID, Op: op, At: s.now().UTC()}
	if err := s.producer.Publish(ctx, kafka.Event{Key: experimentID, Value: event}); err != nil {
		s.logger.Error("failed to publish experiment change",
			"experiment_id", experimentID,
			"op", op,
			"error", err,
		)
	}
}

// HandleChange returns the kafka handler that applies remote definition
// changes by invalidating the local assignment cache.
func HandleChange(s *Service) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ChangeEvent](value)
		if err != nil {
			s.logger.Error("failed to decode experiment change", "error", err)
			return nil
		}
		deleted := s.cache.DeletePrefix(ctx, experimentPrefix(event.ExperimentID))
		s.logger.Info("experiment change applied",
			"experiment_id", event.ExperimentID,
			"op", event.Op,
			"cache_entries_invalidated", deleted,
		)
		return nil
	}
}
