// internal/reasoner/retry.go
package reasoner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

const defaultAttempts = 3

// statusError classifies a non-2xx reply. Credential rejections are fatal,
// throttling and server faults are transient, anything else is a payload
// the service refused.
func statusError(op string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return cuaerr.New(cuaerr.KindAuth, op, "service rejected credentials (status %d)", status)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return cuaerr.New(cuaerr.KindTransientIO, op, "service returned status %d", status)
	default:
		return cuaerr.Decode(op, body, "service returned status %d", status)
	}
}

// transportError classifies an error with no HTTP status.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
}

func newBackOff(attempts int) backoff.BackOff {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// withRetry runs call until it succeeds, fails with a non-retryable error,
// runs out of attempts or ctx ends.
func withRetry(ctx context.Context, b backoff.BackOff, logger *zap.Logger, call func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !cuaerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Reasoner call failed, retrying.",
			zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
	}

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
