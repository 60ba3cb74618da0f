// internal/agent/batch.go
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Factory builds an agent with its own computer for one goal of a batch.
type Factory func(ctx context.Context, goal Goal) (*Agent, error)

// Batch runs goals concurrently, at most parallelism at a time, each on its
// own agent. Reports are returned in the order of goals. Agents are closed
// when their run ends.
func Batch(ctx context.Context, goals []Goal, factory Factory, parallelism int, logger *zap.Logger) []RunReport {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("batch")
	if parallelism < 1 {
		parallelism = 1
	}

	reports := make([]RunReport, len(goals))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, goal := range goals {
		g.Go(func() error {
			reports[i] = runOne(ctx, goal, factory, logger)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("Batch finished.", zap.Int("runs", len(goals)), zap.Int("parallelism", parallelism))
	return reports
}

func runOne(ctx context.Context, goal Goal, factory Factory, logger *zap.Logger) RunReport {
	if err := ctx.Err(); err != nil {
		return unstarted(goal, cancelled(err))
	}
	a, err := factory(ctx, goal)
	if err != nil {
		logger.Error("Failed to prepare run.", zap.String("goal", goal.Text), zap.Error(err))
		return unstarted(goal, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Failed to close computer.", zap.Error(err))
		}
	}()
	return a.Run(ctx, goal)
}

// unstarted reports a goal that never reached the loop.
func unstarted(goal Goal, err error) RunReport {
	now := time.Now()
	status := statusFor(err)
	return RunReport{
		RunID:     uuid.NewString(),
		Goal:      goal,
		Status:    status,
		Steps:     []Step{},
		Error:     newRunError(err),
		StartedAt: now,
		EndedAt:   now,
	}
}
