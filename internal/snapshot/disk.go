// internal/snapshot/disk.go
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// Disk writes snapshots under dir/<run_id>/step_NNN.png.
type Disk struct {
	dir    string
	logger *zap.Logger
}

// NewDisk creates the root directory if needed. A leading ~ is expanded.
func NewDisk(dir string, logger *zap.Logger) (*Disk, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand snapshot dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &Disk{dir: expanded, logger: logger.Named("snapshot.disk")}, nil
}

func (d *Disk) Dir() string { return d.dir }

// Save writes png exclusively. An existing file yields ErrExists and is left untouched.
func (d *Disk) Save(ctx context.Context, runID string, step int, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validate(runID, step); err != nil {
		return "", err
	}
	runDir := filepath.Join(d.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run dir: %w", err)
	}

	path := filepath.Join(runDir, FileName(step))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s: %w", path, ErrExists)
		}
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}
	if _, err := f.Write(png); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close snapshot: %w", err)
	}

	d.logger.Debug("Snapshot saved.", zap.String("run_id", runID), zap.Int("step", step), zap.String("path", path))
	return path, nil
}

// RunLogName is the file a run's journal is appended to, next to its snapshots.
const RunLogName = "run.jsonl"

// Append writes e as one JSON line to dir/<run_id>/run.jsonl.
func (d *Disk) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.validate(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode run log entry: %w", err)
	}
	runDir := filepath.Join(d.dir, e.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, RunLogName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return f.Close()
}
