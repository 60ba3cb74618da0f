// internal/snapshot/runlog.go
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind tags a run log entry.
type EntryKind string

const (
	EntryRunStart EntryKind = "run_start"
	EntryStep     EntryKind = "step"
	EntryRunEnd   EntryKind = "run_end"
)

// Entry is one record of a run's journal. Payload is the JSON document of
// the goal for run_start, the sealed step for step, and the final report for
// run_end.
type Entry struct {
	RunID   string          `json:"run_id"`
	Kind    EntryKind       `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// RunLog journals the lifecycle of runs. Entries of one run arrive in order
// from a single goroutine.
type RunLog interface {
	Append(ctx context.Context, e Entry) error
}

func (Noop) Append(ctx context.Context, _ Entry) error {
	return ctx.Err()
}

func (e Entry) validate() error {
	if err := validate(e.RunID, 0); err != nil {
		return err
	}
	switch e.Kind {
	case EntryRunStart, EntryStep, EntryRunEnd:
	default:
		return fmt.Errorf("unknown run log entry kind %q", e.Kind)
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("run log payload for %s is not valid JSON", e.Kind)
	}
	return nil
}
