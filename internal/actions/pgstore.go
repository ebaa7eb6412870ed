package actions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/feedstack/recommender/pkg/postgres"
	"github.com/feedstack/recommender/pkg/resilience"
)

// PGStore persists action records in the user_actions table.
//
// Schema:
//
//	CREATE TABLE user_actions (
//	    id               BIGSERIAL PRIMARY KEY,
//	    user_id          TEXT NOT NULL,
//	    action           TEXT NOT NULL,
//	    target_id        TEXT NOT NULL,
//	    target_author_id TEXT,
//	    request_id       TEXT,
//	    rank             INT,
//	    score            DOUBLE PRECISION,
//	    in_network       BOOLEAN,
//	    recall_source    TEXT,
//	    dwell_time_ms    BIGINT,
//	    ts               TIMESTAMPTZ NOT NULL,
//	    product_surface  TEXT NOT NULL,
//	    experiment_keys  TEXT[]
//	);
//	CREATE INDEX idx_user_actions_user_ts ON user_actions (user_id, ts DESC);
type PGStore struct {
	db     *postgres.Client
	retry  resilience.RetryConfig
	logger *slog.Logger
}

// NewPGStore creates a PostgreSQL-backed action log store.
func NewPGStore(db *postgres.Client) *PGStore {
	return &PGStore{
		db: db,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
		},
		logger: slog.Default().With("component", "action-pgstore"),
	}
}

func (s *PGStore) LogActions(ctx context.Context, records []UserActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return resilience.Retry(ctx, "log-actions", s.retry, func() error {
		return s.db.InTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
				"user_actions",
				"user_id", "action", "target_id", "target_author_id",
				"request_id", "rank", "score", "in_network", "recall_source",
				"dwell_time_ms", "ts", "product_surface", "experiment_keys",
			))
			if err != nil {
				return fmt.Errorf("preparing copy: %w", err)
			}
			for _, r := range records {
				if _, err := stmt.ExecContext(ctx,
					r.UserID, string(r.Action), r.TargetID, nullable(r.TargetAuthorID),
					nullable(r.RequestID), r.Rank, r.Score, r.InNetwork, nullable(r.RecallSource),
					r.DwellTimeMs, r.Timestamp, r.ProductSurface, pq.Array(r.ExperimentKeys),
				); err != nil {
					return fmt.Errorf("appending record: %w", err)
				}
			}
			if _, err := stmt.ExecContext(ctx); err != nil {
				return fmt.Errorf("flushing copy: %w", err)
			}
			return stmt.Close()
		})
	})
}

func (s *PGStore) ListUserActions(ctx context.Context, q Query) ([]UserActionRecord, error) {
	var (
		conds = []string{"user_id = $1"}
		args  = []any{q.UserID}
	)
	if len(q.Types) > 0 {
		types := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			types = append(types, string(t))
		}
		args = append(args, pq.Array(types))
		conds = append(conds, fmt.Sprintf("action = ANY($%d)", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		conds = append(conds, fmt.Sprintf("ts <= $%d", len(args)))
	}
	query := fmt.Sprintf(`
		SELECT user_id, action, target_id, COALESCE(target_author_id, ''),
		       COALESCE(request_id, ''), COALESCE(rank, 0), COALESCE(score, 0),
		       COALESCE(in_network, false), COALESCE(recall_source, ''),
		       COALESCE(dwell_time_ms, 0), ts, product_surface,
		       COALESCE(experiment_keys, '{}')
		FROM user_actions
		WHERE %s
		ORDER BY ts DESC`, strings.Join(conds, " AND "))
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying user actions: %w", err)
	}
	defer rows.Close()

	var records []UserActionRecord
	for rows.Next() {
		var (
			r      UserActionRecord
			action string
			keys   pq.StringArray
		)
		if err := rows.Scan(
			&r.UserID, &action, &r.TargetID, &r.TargetAuthorID,
			&r.RequestID, &r.Rank, &r.Score, &r.InNetwork, &r.RecallSource,
			&r.DwellTimeMs, &r.Timestamp, &r.ProductSurface, &keys,
		); err != nil {
			return nil, fmt.Errorf("scanning action row: %w", err)
		}
		r.Action = Type(action)
		r.ExperimentKeys = []string(keys)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PGStore) AuthorAffinity(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT target_author_id, COUNT(*)
		FROM user_actions
		WHERE user_id = $1
		  AND target_author_id IS NOT NULL
		  AND action = ANY($2)
		  AND ts >= $3
		GROUP BY target_author_id`,
		userID,
		pq.Array([]string{
			string(TypeLike), string(TypeReply), string(TypeRepost),
			string(TypeQuote), string(TypeShare),
		}),
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying author affinity: %w", err)
	}
	defer rows.Close()

	affinity := make(map[string]int)
	for rows.Next() {
		var (
			author string
			count  int
		)
		if err := rows.Scan(&author, &count); err != nil {
			return nil, fmt.Errorf("scanning affinity row: %w", err)
		}
		affinity[author] = count
	}
	return affinity, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
