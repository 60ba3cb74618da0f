// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from primary that is also canceled when
// secondary is. Values come from primary only, so a chromedp session context
// can be bound to a caller's deadline without losing its target.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	if secondary == nil {
		return combined, cancel
	}

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext keeps a parent's values but none of its cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context carrying ctx's values that is never canceled by ctx.
// Used for work that must finish once started, such as an in-flight action or
// disposing a browser context during shutdown.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
