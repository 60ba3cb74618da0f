// internal/snapshot/store.go
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StartStep is the step index of the snapshot taken after the start URL
// navigation, before the first model turn.
const StartStep = -1

// ErrExists is returned when a snapshot for (run, step) was already saved.
// Entries are write-once.
var ErrExists = errors.New("snapshot already exists")

// Store persists a screenshot keyed by run and step and returns an opaque
// location for it.
type Store interface {
	Save(ctx context.Context, runID string, step int, png []byte) (string, error)
}

// Noop discards snapshots.
type Noop struct{}

func (Noop) Save(ctx context.Context, _ string, _ int, _ []byte) (string, error) {
	return "", ctx.Err()
}

// FileName is the name a step's snapshot is stored under.
func FileName(step int) string {
	if step == StartStep {
		return "start.png"
	}
	return fmt.Sprintf("step_%03d.png", step)
}

func validate(runID string, step int) error {
	if runID == "" {
		return fmt.Errorf("empty run id")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("run id %q is not a valid key", runID)
	}
	if step < StartStep {
		return fmt.Errorf("invalid step index %d", step)
	}
	return nil
}
