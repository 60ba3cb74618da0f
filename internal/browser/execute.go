// internal/browser/execute.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

const screenshotAttempts = 3

var errZeroViewport = errors.New("page reports a zero-sized viewport")

// Execute performs a, waits for the page to settle and returns what the
// page looks like afterwards. Actions on one session never overlap.
func (s *Session) Execute(ctx context.Context, a actions.Action) (actions.Observation, error) {
	const op = "browser.execute"

	if err := a.Validate(); err != nil {
		return actions.Observation{}, cuaerr.New(cuaerr.KindDecode, op, "%v", err)
	}
	if s.isClosed() {
		return actions.Observation{}, cuaerr.New(cuaerr.KindInternal, op, "session is closed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	logger := s.logger.With(zap.Stringer("action", a))
	logger.Debug("Executing action.")

	s.drainRedirects(runCtx)
	if err := s.dispatch(runCtx, a); err != nil {
		return actions.Observation{}, classify(ctx, op, err)
	}
	if err := s.waitForStable(runCtx, s.cfg.StableTimeout); err != nil {
		return actions.Observation{}, classify(ctx, op, err)
	}
	// A popup opened by the action is loaded here so the observation shows it.
	if s.drainRedirects(runCtx) {
		if err := s.waitForStable(runCtx, s.cfg.StableTimeout); err != nil {
			return actions.Observation{}, classify(ctx, op, err)
		}
	}

	obs, err := s.observe(runCtx)
	if err != nil {
		return actions.Observation{}, classify(ctx, op, err)
	}
	return obs, nil
}

func (s *Session) dispatch(ctx context.Context, a actions.Action) error {
	switch a.Kind {
	case actions.KindClick:
		return chromedp.Run(ctx, clickTasks(a.X, a.Y, a.Button, 1)...)
	case actions.KindDoubleClick:
		tasks := clickTasks(a.X, a.Y, actions.ButtonLeft, 1)
		tasks = append(tasks, pressRelease(a.X, a.Y, input.Left, 1, 2)...)
		return chromedp.Run(ctx, tasks...)
	case actions.KindMove:
		return chromedp.Run(ctx, mouseMove(a.X, a.Y, 0))
	case actions.KindDrag:
		return chromedp.Run(ctx, dragTasks(a.Path)...)
	case actions.KindType:
		return chromedp.Run(ctx, input.InsertText(a.Text))
	case actions.KindKeyPress:
		var tasks []chromedp.Action
		for _, ev := range chordEvents(a.Keys) {
			tasks = append(tasks, ev)
		}
		return chromedp.Run(ctx, tasks...)
	case actions.KindScroll:
		return chromedp.Run(ctx,
			mouseMove(a.X, a.Y, 0),
			input.DispatchMouseEvent(input.MouseWheel, float64(a.X), float64(a.Y)).
				WithDeltaX(float64(a.DX)).
				WithDeltaY(float64(a.DY)),
		)
	case actions.KindWait:
		return sleep(ctx, a.Duration)
	case actions.KindScreenshot:
		return nil
	case actions.KindNavigate:
		return s.navigate(ctx, a.URL)
	case actions.KindBack:
		return s.history(ctx, -1)
	case actions.KindForward:
		return s.history(ctx, 1)
	}
	return cuaerr.New(cuaerr.KindUnsupportedAction, "browser.execute", "no handler for action %q", a.Kind)
}

// navigate loads url and tolerates a page that fails or is slow to load;
// the resulting page is what the caller gets to observe.
func (s *Session) navigate(ctx context.Context, url string) error {
	return s.load(ctx, url, chromedp.Navigate(url))
}

// history moves delta entries through the tab's session history. A move
// past either end leaves the page where it is.
func (s *Session) history(ctx context.Context, delta int64) error {
	var (
		current int64
		entries []*page.NavigationEntry
	)
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		current, entries, err = page.GetNavigationHistory().Do(ctx)
		return err
	}))
	if err != nil {
		return err
	}
	target := current + delta
	if target < 0 || target >= int64(len(entries)) {
		s.logger.Debug("No history entry to move to.", zap.Int64("current", current), zap.Int64("delta", delta))
		return nil
	}

	nav := chromedp.NavigateBack()
	if delta > 0 {
		nav = chromedp.NavigateForward()
	}
	return s.load(ctx, entries[target].URL, nav)
}

func (s *Session) load(ctx context.Context, url string, nav chromedp.Action) error {
	s.tracker.reset()

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	err := chromedp.Run(navCtx, nav)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case navCtx.Err() != nil:
		s.logger.Debug("Navigation did not finish loading in time.", zap.String("url", url), zap.Duration("timeout", s.cfg.NavigationTimeout))
		return nil
	case strings.Contains(err.Error(), "net::ERR_"):
		s.logger.Debug("Navigation failed with a network error.", zap.String("url", url), zap.Error(err))
		return nil
	}
	return err
}

var mouseButtons = map[actions.Button]struct {
	button input.MouseButton
	mask   int64
}{
	actions.ButtonLeft:    {input.Left, 1},
	actions.ButtonRight:   {input.Right, 2},
	actions.ButtonMiddle:  {input.Middle, 4},
	actions.ButtonBack:    {input.Back, 8},
	actions.ButtonForward: {input.Forward, 16},
}

func clickTasks(x, y int, button actions.Button, clickCount int64) []chromedp.Action {
	b, ok := mouseButtons[button]
	if !ok {
		b = mouseButtons[actions.ButtonLeft]
	}
	tasks := []chromedp.Action{mouseMove(x, y, 0)}
	return append(tasks, pressRelease(x, y, b.button, b.mask, clickCount)...)
}

func pressRelease(x, y int, button input.MouseButton, mask, clickCount int64) []chromedp.Action {
	return []chromedp.Action{
		input.DispatchMouseEvent(input.MousePressed, float64(x), float64(y)).
			WithButton(button).
			WithButtons(mask).
			WithClickCount(clickCount),
		input.DispatchMouseEvent(input.MouseReleased, float64(x), float64(y)).
			WithButton(button).
			WithClickCount(clickCount),
	}
}

func mouseMove(x, y int, buttons int64) chromedp.Action {
	ev := input.DispatchMouseEvent(input.MouseMoved, float64(x), float64(y))
	if buttons != 0 {
		ev = ev.WithButton(input.Left).WithButtons(buttons)
	}
	return ev
}

func dragTasks(path []actions.Point) []chromedp.Action {
	first, last := path[0], path[len(path)-1]
	tasks := []chromedp.Action{
		mouseMove(first.X, first.Y, 0),
		input.DispatchMouseEvent(input.MousePressed, float64(first.X), float64(first.Y)).
			WithButton(input.Left).
			WithButtons(1).
			WithClickCount(1),
	}
	for _, p := range path[1:] {
		tasks = append(tasks, mouseMove(p.X, p.Y, 1))
	}
	return append(tasks, input.DispatchMouseEvent(input.MouseReleased, float64(last.X), float64(last.Y)).
		WithButton(input.Left).
		WithClickCount(1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sample implements Probe for the session tab.
func (s *Session) Sample(ctx context.Context) (Sample, error) {
	inflight, navigating := s.tracker.snapshot()
	sample := Sample{InflightRequests: inflight, Navigating: navigating}
	if err := chromedp.Run(ctx, chromedp.Evaluate(mutationCountJS, &sample.Mutations)); err != nil {
		return sample, err
	}
	return sample, nil
}

// WaitForStable blocks until the page settles or timeout elapses. Only
// cancellation of ctx is reported.
func (s *Session) WaitForStable(ctx context.Context, timeout time.Duration) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := s.waitForStable(runCtx, timeout); err != nil {
		return classify(ctx, "browser.wait_for_stable", err)
	}
	return nil
}

func (s *Session) waitForStable(ctx context.Context, timeout time.Duration) error {
	res, err := WaitForStable(ctx, s, s.cfg.Stability, timeout, s.logger)
	if err != nil {
		return err
	}
	s.logger.Debug("Page stability wait finished.",
		zap.Bool("stable", res.Stable), zap.Duration("waited", res.Waited), zap.Int("polls", res.Polls))
	return nil
}

// Screenshot captures the viewport as PNG and reports its size. A page that
// reports a zero-sized viewport, as happens right after a navigation, is
// retried a bounded number of times.
func (s *Session) Screenshot(ctx context.Context) ([]byte, int, int, error) {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	png, w, h, err := s.screenshot(runCtx)
	if err != nil {
		return nil, 0, 0, classify(ctx, "browser.screenshot", err)
	}
	return png, w, h, nil
}

func (s *Session) screenshot(ctx context.Context) ([]byte, int, int, error) {
	var (
		buf  []byte
		dims []int
	)
	capture := func() error {
		dims = dims[:0]
		if err := chromedp.Run(ctx, chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &dims)); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if len(dims) != 2 || dims[0] == 0 || dims[1] == 0 {
			return errZeroViewport
		}
		if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, screenshotAttempts-1), ctx)

	notify := func(err error, wait time.Duration) {
		s.logger.Debug("Retrying screenshot.", zap.Error(err), zap.Duration("backoff", wait))
	}
	if err := backoff.RetryNotify(capture, retry, notify); err != nil {
		return nil, 0, 0, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, dims[0], dims[1], nil
}

// URL reports the session tab's current location.
func (s *Session) URL(ctx context.Context) (string, error) {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", classify(ctx, "browser.url", err)
	}
	return loc, nil
}

func (s *Session) observe(ctx context.Context) (actions.Observation, error) {
	png, w, h, err := s.screenshot(ctx)
	if err != nil {
		return actions.Observation{}, err
	}
	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return actions.Observation{}, err
	}
	return actions.Observation{
		Screenshot: png,
		URL:        loc,
		Width:      w,
		Height:     h,
		CapturedAt: time.Now().UTC(),
	}, nil
}
