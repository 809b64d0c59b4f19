package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// db is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresConfig controls the connection pool behind the checkpoint store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore persists work item state in Postgres. Claims rely on
// FOR UPDATE SKIP LOCKED so concurrent claimers never receive the same item.
type PostgresStore struct {
	pool db
}

// NewPostgresStore connects a pool and returns a store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool db) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id           TEXT NOT NULL,
	stage        TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INT  NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	artifact_ref TEXT NOT NULL DEFAULT '',
	not_before   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stage, id)
);
CREATE INDEX IF NOT EXISTS checkpoints_claim_idx
	ON checkpoints (stage, status, not_before);
`

// EnsureSchema creates the checkpoint table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return pipeline.Storage(fmt.Errorf("ensure checkpoint schema: %w", err))
	}
	return nil
}

// Seed inserts items as pending in a single statement, skipping duplicates.
func (s *PostgresStore) Seed(ctx context.Context, items []pipeline.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	ids := make([]string, len(items))
	stages := make([]string, len(items))
	payloads := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		stages[i] = string(item.Stage)
		payloads[i] = item.Payload
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO checkpoints (id, stage, payload, status)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], array_fill('pending'::text, ARRAY[cardinality($1::text[])]))
ON CONFLICT (stage, id) DO NOTHING`,
		ids, stages, payloads,
	)
	if err != nil {
		return 0, pipeline.Storage(fmt.Errorf("seed checkpoints: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// ClaimBatch claims up to limit eligible pending items for stage. The inner
// select uses SKIP LOCKED so concurrent callers partition the pending set
// instead of blocking or double-claiming.
func (s *PostgresStore) ClaimBatch(ctx context.Context, stage pipeline.Stage, limit int) ([]pipeline.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
UPDATE checkpoints SET status = 'in_flight', updated_at = now()
WHERE (stage, id) IN (
	SELECT stage, id FROM checkpoints
	WHERE stage = $1
	  AND status = 'pending'
	  AND (not_before IS NULL OR not_before <= now())
	ORDER BY updated_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, payload, attempts, artifact_ref, updated_at`,
		string(stage), limit,
	)
	if err != nil {
		return nil, pipeline.Storage(fmt.Errorf("claim batch: %w", err))
	}
	defer rows.Close()

	var claimed []pipeline.WorkItem
	for rows.Next() {
		item := pipeline.WorkItem{Stage: stage, Status: pipeline.StatusInFlight}
		if err := rows.Scan(&item.ID, &item.Payload, &item.Attempts, &item.ArtifactRef, &item.UpdatedAt); err != nil {
			return nil, pipeline.Storage(fmt.Errorf("scan claimed item: %w", err))
		}
		claimed = append(claimed, item)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Storage(fmt.Errorf("claim batch rows: %w", err))
	}
	return claimed, nil
}

// Complete records the outcome of one attempt. The guarded update only
// applies to in-flight rows; a replay against an already terminal row with
// the same status is a no-op, a different terminal status is a conflict.
func (s *PostgresStore) Complete(ctx context.Context, item pipeline.WorkItem, outcome pipeline.Outcome) error {
	var notBefore *time.Time
	if !outcome.NotBefore.IsZero() {
		notBefore = &outcome.NotBefore
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE checkpoints
SET status = $3,
    attempts = attempts + 1,
    last_error = $4,
    artifact_ref = CASE WHEN $5 = '' THEN artifact_ref ELSE $5 END,
    not_before = $6,
    updated_at = now()
WHERE stage = $1 AND id = $2 AND status = 'in_flight'`,
		string(item.Stage), item.ID, string(outcome.Status), outcome.Reason, outcome.ArtifactRef, notBefore,
	)
	if err != nil {
		return pipeline.Storage(fmt.Errorf("complete item: %w", err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM checkpoints WHERE stage = $1 AND id = $2`,
		string(item.Stage), item.ID,
	).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("complete %s/%s: %w", item.Stage, item.ID, ErrNotFound)
		}
		return pipeline.Storage(fmt.Errorf("complete status check: %w", err))
	}
	if pipeline.Status(current) == outcome.Status {
		return nil
	}
	return fmt.Errorf("complete %s/%s: row is %s: %w", item.Stage, item.ID, current, ErrConflict)
}

// Release returns one in-flight item to pending without counting an attempt.
func (s *PostgresStore) Release(ctx context.Context, item pipeline.WorkItem) error {
	_, err := s.pool.Exec(ctx, `
UPDATE checkpoints SET status = 'pending', updated_at = now()
WHERE stage = $1 AND id = $2 AND status = 'in_flight'`,
		string(item.Stage), item.ID,
	)
	if err != nil {
		return pipeline.Storage(fmt.Errorf("release item: %w", err))
	}
	return nil
}

// Requeue moves every in-flight item for stage back to pending.
func (s *PostgresStore) Requeue(ctx context.Context, stage pipeline.Stage) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE checkpoints SET status = 'pending', updated_at = now()
WHERE stage = $1 AND status = 'in_flight'`,
		string(stage),
	)
	if err != nil {
		return 0, pipeline.Storage(fmt.Errorf("requeue stage: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// Progress returns aggregate counters for stage.
func (s *PostgresStore) Progress(ctx context.Context, stage pipeline.Stage) (pipeline.Progress, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, attempts > 0, count(*)
FROM checkpoints
WHERE stage = $1
GROUP BY status, attempts > 0`,
		string(stage),
	)
	if err != nil {
		return pipeline.Progress{}, pipeline.Storage(fmt.Errorf("progress query: %w", err))
	}
	defer rows.Close()

	p := pipeline.Progress{Stage: stage}
	for rows.Next() {
		var status string
		var retried bool
		var count int64
		if err := rows.Scan(&status, &retried, &count); err != nil {
			return pipeline.Progress{}, pipeline.Storage(fmt.Errorf("scan progress row: %w", err))
		}
		p.Total += count
		switch pipeline.Status(status) {
		case pipeline.StatusPending:
			p.Pending += count
			if retried {
				p.Retrying += count
			}
		case pipeline.StatusInFlight:
			p.InFlight += count
		case pipeline.StatusDone:
			p.Done += count
		case pipeline.StatusFailed:
			p.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return pipeline.Progress{}, pipeline.Storage(fmt.Errorf("progress rows: %w", err))
	}
	return p, nil
}
