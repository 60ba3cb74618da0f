package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fastPolicy() StabilityPolicy {
	return StabilityPolicy{QuietWindow: 20 * time.Millisecond, PollInterval: 2 * time.Millisecond, MutationThreshold: 5}
}

// mutatingProbe grows the mutation count by step on every sample.
func mutatingProbe(step int64) Probe {
	var n atomic.Int64
	return ProbeFunc(func(context.Context) (Sample, error) {
		return Sample{Mutations: n.Add(step)}, nil
	})
}

func TestWaitForStable(t *testing.T) {
	logger := zap.NewNop()

	t.Run("quiet page settles before the timeout", func(t *testing.T) {
		res, err := WaitForStable(context.Background(), mutatingProbe(0), fastPolicy(), time.Second, logger)
		require.NoError(t, err)
		assert.True(t, res.Stable)
		assert.Less(t, res.Waited, time.Second)
		assert.GreaterOrEqual(t, res.Waited, fastPolicy().QuietWindow)
	})

	t.Run("small mutation deltas still count as quiet", func(t *testing.T) {
		res, err := WaitForStable(context.Background(), mutatingProbe(5), fastPolicy(), time.Second, logger)
		require.NoError(t, err)
		assert.True(t, res.Stable)
	})

	t.Run("a busy DOM returns at the timeout without error", func(t *testing.T) {
		timeout := 60 * time.Millisecond
		res, err := WaitForStable(context.Background(), mutatingProbe(50), fastPolicy(), timeout, logger)
		require.NoError(t, err)
		assert.False(t, res.Stable)
		assert.GreaterOrEqual(t, res.Waited, timeout)
		assert.Less(t, res.Waited, timeout+time.Second)
	})

	t.Run("in-flight requests keep the page unsettled", func(t *testing.T) {
		probe := ProbeFunc(func(context.Context) (Sample, error) {
			return Sample{InflightRequests: 1}, nil
		})
		res, err := WaitForStable(context.Background(), probe, fastPolicy(), 40*time.Millisecond, logger)
		require.NoError(t, err)
		assert.False(t, res.Stable)
	})

	t.Run("settles once a navigation finishes", func(t *testing.T) {
		var polls atomic.Int32
		probe := ProbeFunc(func(context.Context) (Sample, error) {
			return Sample{Navigating: polls.Add(1) < 5}, nil
		})
		res, err := WaitForStable(context.Background(), probe, fastPolicy(), time.Second, logger)
		require.NoError(t, err)
		assert.True(t, res.Stable)
		assert.Greater(t, res.Polls, 5)
	})

	t.Run("a new document resets the quiet window", func(t *testing.T) {
		var polls atomic.Int64
		probe := ProbeFunc(func(context.Context) (Sample, error) {
			// Count drops every other poll, as after a reload.
			n := polls.Add(1)
			return Sample{Mutations: 100 * (n % 2)}, nil
		})
		res, err := WaitForStable(context.Background(), probe, fastPolicy(), 50*time.Millisecond, logger)
		require.NoError(t, err)
		assert.False(t, res.Stable)
	})

	t.Run("probe errors are absorbed and logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		probe := ProbeFunc(func(context.Context) (Sample, error) {
			return Sample{}, errors.New("cannot find context with specified id")
		})
		res, err := WaitForStable(context.Background(), probe, fastPolicy(), 30*time.Millisecond, zap.New(core))
		require.NoError(t, err)
		assert.False(t, res.Stable)
		assert.NotZero(t, logs.FilterMessage("Stability probe failed.").Len())
		assert.Equal(t, 1, logs.FilterMessage("Page did not settle before the stability timeout.").Len())
	})

	t.Run("cancellation is returned", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)

		_, err := WaitForStable(ctx, mutatingProbe(50), fastPolicy(), time.Minute, logger)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero timeout returns immediately", func(t *testing.T) {
		res, err := WaitForStable(context.Background(), mutatingProbe(0), fastPolicy(), 0, logger)
		require.NoError(t, err)
		assert.Zero(t, res.Polls)
	})
}
