// internal/snapshot/sqlite.go
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

const (
	sqliteCreateSnapshots = `CREATE TABLE IF NOT EXISTS snapshots (
		run_id     TEXT     NOT NULL,
		step       INTEGER  NOT NULL,
		image      BLOB     NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, step)
	)`
	sqliteInsertSnapshot = `INSERT OR IGNORE INTO snapshots (run_id, step, image, created_at) VALUES (?, ?, ?, ?)`
	sqliteCreateRunLog   = `CREATE TABLE IF NOT EXISTS run_log (
		id      INTEGER  PRIMARY KEY AUTOINCREMENT,
		run_id  TEXT     NOT NULL,
		kind    TEXT     NOT NULL,
		at      DATETIME NOT NULL,
		payload TEXT     NOT NULL
	)`
	sqliteInsertRunLog = `INSERT INTO run_log (run_id, kind, at, payload) VALUES (?, ?, ?, ?)`
)

// SQLite stores snapshots in a single local database file.
type SQLite struct {
	db   *sql.DB
	path string
	log  *zap.Logger
	now  func() time.Time
}

// NewSQLite opens (or creates) the database at path. A leading ~ is expanded.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand snapshot database path %q: %w", path, err)
	}
	db, err := sql.Open("sqlite3", expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Concurrent runs share the file; a single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{sqliteCreateSnapshots, sqliteCreateRunLog} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return &SQLite{db: db, path: expanded, log: logger.Named("snapshot.sqlite"), now: time.Now}, nil
}

// Save inserts the snapshot. A conflicting (run, step) row is never overwritten.
func (s *SQLite) Save(ctx context.Context, runID string, step int, png []byte) (string, error) {
	if err := validate(runID, step); err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx, sqliteInsertSnapshot, runID, step, png, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("run %s step %d: %w", runID, step, ErrExists)
	}
	loc := fmt.Sprintf("sqlite://%s#%s/%s", s.path, runID, FileName(step))
	s.log.Debug("Snapshot saved.", zap.String("location", loc), zap.Int("bytes", len(png)))
	return loc, nil
}

// Load returns the stored image for (run, step).
func (s *SQLite) Load(ctx context.Context, runID string, step int) ([]byte, error) {
	var png []byte
	err := s.db.QueryRowContext(ctx, `SELECT image FROM snapshots WHERE run_id = ? AND step = ?`, runID, step).Scan(&png)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return png, nil
}

// Append inserts e into run_log.
func (s *SQLite) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteInsertRunLog, e.RunID, string(e.Kind), e.At.UTC(), string(e.Payload)); err != nil {
		return fmt.Errorf("failed to insert run log entry: %w", err)
	}
	return nil
}

// Entries returns the journal of runID in append order.
func (s *SQLite) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, at, payload FROM run_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			kind, payload string
			at            time.Time
		)
		if err := rows.Scan(&kind, &at, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan run log entry: %w", err)
		}
		out = append(out, Entry{RunID: runID, Kind: EntryKind(kind), At: at, Payload: json.RawMessage(payload)})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
