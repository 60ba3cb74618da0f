// internal/browser/stability.go
package browser

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StabilityPolicy decides when a page counts as settled.
type StabilityPolicy struct {
	// QuietWindow is how long the page must stay quiet.
	QuietWindow  time.Duration
	PollInterval time.Duration
	// MutationThreshold is the largest DOM mutation delta between two polls
	// that still counts as quiet.
	MutationThreshold int64
}

func DefaultStabilityPolicy() StabilityPolicy {
	return StabilityPolicy{
		QuietWindow:       500 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
		MutationThreshold: 5,
	}
}

// Sample is one reading of page activity.
type Sample struct {
	InflightRequests int
	Navigating       bool
	// Mutations is the document's running mutation count.
	Mutations int64
}

// Probe reads page activity.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Sample, error)

func (f ProbeFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// StabilityResult describes how a wait ended.
type StabilityResult struct {
	Stable bool
	Waited time.Duration
	Polls  int
}

// WaitForStable polls probe until the page has been quiet for the policy's
// quiet window or timeout elapses. Quiet means no pending navigation, no
// in-flight requests and a mutation delta within the threshold. Reaching the
// timeout is not an error. A probe error or a falling mutation count (a new
// document) resets the quiet window. Only the cancellation of ctx is returned.
func WaitForStable(ctx context.Context, probe Probe, policy StabilityPolicy, timeout time.Duration, logger *zap.Logger) (StabilityResult, error) {
	if policy.PollInterval <= 0 {
		policy.PollInterval = DefaultStabilityPolicy().PollInterval
	}
	start := time.Now()
	res := StabilityResult{}
	if timeout <= 0 {
		return res, ctx.Err()
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	var (
		last        int64
		haveLast    bool
		quietSince  time.Time
		lastReading Sample
	)
	for {
		sample, err := probe.Sample(waitCtx)
		res.Polls++

		quiet := false
		if err != nil {
			haveLast = false
			logger.Debug("Stability probe failed.", zap.Error(err))
		} else {
			lastReading = sample
			delta := sample.Mutations - last
			quiet = haveLast && !sample.Navigating && sample.InflightRequests == 0 &&
				delta >= 0 && delta <= policy.MutationThreshold
			last, haveLast = sample.Mutations, true
		}

		now := time.Now()
		if quiet {
			if quietSince.IsZero() {
				quietSince = now
			}
			if now.Sub(quietSince) >= policy.QuietWindow {
				res.Stable = true
				res.Waited = now.Sub(start)
				return res, nil
			}
		} else {
			quietSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			res.Waited = time.Since(start)
			return res, ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				res.Waited = time.Since(start)
				return res, ctx.Err()
			}
			res.Waited = time.Since(start)
			logger.Debug("Page did not settle before the stability timeout.",
				zap.Duration("timeout", timeout),
				zap.Int("polls", res.Polls),
				zap.Int("inflight_requests", lastReading.InflightRequests),
				zap.Bool("navigating", lastReading.Navigating))
			return res, nil
		case <-ticker.C:
		}
	}
}
