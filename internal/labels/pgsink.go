package labels

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/feedstack/recommender/pkg/postgres"
	"github.com/feedstack/recommender/pkg/resilience"
)

// PGSink persists finalized labels in the impression_labels table.
//
// Schema:
//
//	CREATE TABLE impression_labels (
//	    id            BIGSERIAL PRIMARY KEY,
//	    user_id       TEXT NOT NULL,
//	    target_id     TEXT NOT NULL,
//	    request_id    TEXT,
//	    impression_at TIMESTAMPTZ NOT NULL,
//	    clicked       BOOLEAN NOT NULL,
//	    liked         BOOLEAN NOT NULL,
//	    replied       BOOLEAN NOT NULL,
//	    reposted      BOOLEAN NOT NULL,
//	    quoted        BOOLEAN NOT NULL,
//	    shared        BOOLEAN NOT NULL,
//	    dismissed     BOOLEAN NOT NULL,
//	    blocked       BOOLEAN NOT NULL,
//	    reported      BOOLEAN NOT NULL,
//	    engagement    BOOLEAN NOT NULL,
//	    negative      BOOLEAN NOT NULL,
//	    dwell_time_ms BIGINT NOT NULL
//	);
//	CREATE UNIQUE INDEX idx_impression_labels_key
//	    ON impression_labels (user_id, target_id, impression_at);
type PGSink struct {
	db     *postgres.Client
	retry  resilience.RetryConfig
	logger *slog.Logger
}

// NewPGSink creates a PostgreSQL-backed label sink.
func NewPGSink(db *postgres.Client) *PGSink {
	return &PGSink{
		db: db,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
		},
		logger: slog.Default().With("component", "label-pgsink"),
	}
}

func (s *PGSink) WriteLabels(ctx context.Context, labels []LabeledImpression) error {
	if len(labels) == 0 {
		return nil
	}
	return resilience.Retry(ctx, "write-labels", s.retry, func() error {
		return s.db.InTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
				"impression_labels",
				"user_id", "target_id", "request_id", "impression_at",
				"clicked", "liked", "replied", "reposted", "quoted", "shared",
				"dismissed", "blocked", "reported",
				"engagement", "negative", "dwell_time_ms",
			))
			if err != nil {
				return fmt.Errorf("preparing copy: %w", err)
			}
			defer stmt.Close()

			for _, l := range labels {
				sum := l.Summary
				if _, err := stmt.ExecContext(ctx,
					l.UserID, l.TargetID, l.RequestID, l.ImpressionAt,
					sum.Click, sum.Like, sum.Reply, sum.Repost, sum.Quote, sum.Share,
					sum.Dismiss, sum.BlockAuthor, sum.Report,
					sum.Engagement, sum.Negative, sum.DwellTimeMs,
				); err != nil {
					return fmt.Errorf("copying label: %w", err)
				}
			}
			if _, err := stmt.ExecContext(ctx); err != nil {
				return fmt.Errorf("flushing copy: %w", err)
			}
			return nil
		})
	})
}
