// internal/snapshot/postgres.go
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is the subset of pgxpool.Pool the store uses, so it can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateSnapshots = `
        CREATE TABLE IF NOT EXISTS snapshots (
            run_id     TEXT        NOT NULL,
            step       INTEGER     NOT NULL,
            image      BYTEA       NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (run_id, step)
        );
    `
	sqlInsertSnapshot = `
        INSERT INTO snapshots (run_id, step, image, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (run_id, step) DO NOTHING;
    `
	sqlCreateRunLog = `
        CREATE TABLE IF NOT EXISTS run_log (
            id      BIGSERIAL   PRIMARY KEY,
            run_id  TEXT        NOT NULL,
            kind    TEXT        NOT NULL,
            at      TIMESTAMPTZ NOT NULL,
            payload JSONB       NOT NULL
        );
    `
	sqlInsertRunLog = `
        INSERT INTO run_log (run_id, kind, at, payload)
        VALUES ($1, $2, $3, $4);
    `
)

// Postgres stores snapshots as rows in the snapshots table.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// NewPostgres verifies the connection and ensures the table exists.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateSnapshots); err != nil {
		return nil, fmt.Errorf("failed to create snapshots table: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateRunLog); err != nil {
		return nil, fmt.Errorf("failed to create run_log table: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("snapshot.postgres"), now: time.Now}, nil
}

// Save inserts the snapshot. A conflicting (run, step) row is never overwritten.
func (p *Postgres) Save(ctx context.Context, runID string, step int, png []byte) (string, error) {
	if err := validate(runID, step); err != nil {
		return "", err
	}
	tag, err := p.pool.Exec(ctx, sqlInsertSnapshot, runID, step, png, p.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("run %s step %d: %w", runID, step, ErrExists)
	}
	loc := fmt.Sprintf("postgres://snapshots/%s/%s", runID, FileName(step))
	p.log.Debug("Snapshot saved.", zap.String("location", loc), zap.Int("bytes", len(png)))
	return loc, nil
}

// Append inserts e into run_log. Rows keep insertion order through their id.
func (p *Postgres) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, sqlInsertRunLog, e.RunID, string(e.Kind), e.At.UTC(), string(e.Payload)); err != nil {
		return fmt.Errorf("failed to insert run log entry: %w", err)
	}
	return nil
}
