// internal/reasoner/limiter.go
package reasoner

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds calls to the reasoning service across all runs in the
// process. A nil *Limiter imposes no limit.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewLimiter allows maxInFlight concurrent calls and, when perSecond is
// positive, at most perSecond call starts per second.
func NewLimiter(maxInFlight int, perSecond float64) *Limiter {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	l := &Limiter{sem: semaphore.NewWeighted(int64(maxInFlight))}
	if perSecond > 0 {
		burst := int(math.Ceil(perSecond))
		l.rate = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// Acquire blocks until a call may start. The returned release must be called
// once the call finishes.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l == nil {
		return func() {}, ctx.Err()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			l.sem.Release(1)
			return nil, err
		}
	}
	return func() { l.sem.Release(1) }, nil
}
