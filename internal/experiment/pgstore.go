package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	apperrors "github.com/feedstack/recommender/pkg/errors"
	"github.com/feedstack/recommender/pkg/postgres"
)

// PGStore persists experiments in the experiments table. Bucket lists and
// audience rules are stored as JSONB.
//
// Schema:
//
//	CREATE TABLE experiments (
//	    id              TEXT PRIMARY KEY,
//	    name            TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    start_at        TIMESTAMPTZ,
//	    end_at          TIMESTAMPTZ,
//	    traffic_percent INT NOT NULL,
//	    buckets         JSONB NOT NULL,
//	    audience        JSONB NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PGStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPGStore creates a PostgreSQL-backed experiment store.
func NewPGStore(db *postgres.Client) *PGStore {
	return &PGStore{
		db:     db,
		logger: slog.Default().With("component", "experiment-pgstore"),
	}
}

func (s *PGStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.DB.QueryRowContext(ctx, `
		SELECT id, name, status, start_at, end_at, traffic_percent,
		       buckets, audience, created_at, updated_at
		FROM experiments WHERE id = $1`, id)
	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrExperimentNotFound
	}
	return exp, err
}

func (s *PGStore) ListExperiments(ctx context.Context, status Status) ([]*Experiment, error) {
	query := `
		SELECT id, name, status, start_at, end_at, traffic_percent,
		       buckets, audience, created_at, updated_at
		FROM experiments`
	args := []any{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY id"

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveExperiment(ctx context.Context, exp *Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	buckets, err := json.Marshal(exp.Buckets)
	if err != nil {
		return fmt.Errorf("marshaling buckets: %w", err)
	}
	audience, err := json.Marshal(exp.Audience)
	if err != nil {
		return fmt.Errorf("marshaling audience: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx, `
		INSERT INTO experiments
		    (id, name, status, start_at, end_at, traffic_percent, buckets, audience, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		    name = EXCLUDED.name,
		    status = EXCLUDED.status,
		    start_at = EXCLUDED.start_at,
		    end_at = EXCLUDED.end_at,
		    traffic_percent = EXCLUDED.traffic_percent,
		    buckets = EXCLUDED.buckets,
		    audience = EXCLUDED.audience,
		    updated_at = now()`,
		exp.ID, exp.Name, string(exp.Status), exp.StartAt, exp.EndAt,
		exp.TrafficPercent, buckets, audience,
	)
	if err != nil {
		return fmt.Errorf("saving experiment %s: %w", exp.ID, err)
	}
	return nil
}

func (s *PGStore) DeleteExperiment(ctx context.Context, id string) error {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting experiment %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrExperimentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var (
		exp          Experiment
		status       string
		startAt      sql.NullTime
		endAt        sql.NullTime
		bucketsJSON  []byte
		audienceJSON []byte
	)
	if err := row.Scan(
		&exp.ID, &exp.Name, &status, &startAt, &endAt, &exp.TrafficPercent,
		&bucketsJSON, &audienceJSON, &exp.CreatedAt, &exp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	exp.Status = Status(status)
	if startAt.Valid {
		t := startAt.Time
		exp.StartAt = &t
	}
	if endAt.Valid {
		t := endAt.Time
		exp.EndAt = &t
	}
	if err := json.Unmarshal(bucketsJSON, &exp.Buckets); err != nil {
		return nil, fmt.Errorf("unmarshaling buckets for %s: %w", exp.ID, err)
	}
	if err := json.Unmarshal(audienceJSON, &exp.Audience); err != nil {
		return nil, fmt.Errorf("unmarshaling audience for %s: %w", exp.ID, err)
	}
	return &exp, nil
}
