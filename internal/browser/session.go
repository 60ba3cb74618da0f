// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
	cuanet "github.com/xkilldash9x/cua-cli/internal/network"
)

// Computer is the surface a run drives.
type Computer interface {
	Execute(ctx context.Context, a actions.Action) (actions.Observation, error)
	WaitForStable(ctx context.Context, timeout time.Duration) error
	Screenshot(ctx context.Context) ([]byte, int, int, error)
	URL(ctx context.Context) (string, error)
	Viewport() actions.Viewport
	Close(ctx context.Context) error
}

var _ Computer = (*Session)(nil)

const (
	closeTimeout = 10 * time.Second
	// mutationCounterJS installs a document-wide mutation counter once per
	// document and yields the current count.
	mutationCounterJS = `(() => {
  if (typeof window.__cuaMutations !== 'number') {
    window.__cuaMutations = 0;
    new MutationObserver((records) => { window.__cuaMutations += records.length; })
      .observe(document, {subtree: true, childList: true, attributes: true, characterData: true});
  }
  return window.__cuaMutations;
})()`
	mutationCountJS = `typeof window.__cuaMutations === 'number' ? window.__cuaMutations : 0`
)

// Session is one browser tab owned by one run.
type Session struct {
	id     string
	cfg    Config
	logger *zap.Logger

	// ctx is the chromedp context bound to the session's target.
	ctx      context.Context
	targetID target.ID
	tracker  *networkTracker

	// Launch mode.
	profileDir string
	// Attach mode.
	controllerCtx    context.Context
	browserContextID cdp.BrowserContextID

	cancels []context.CancelFunc

	// mu serializes actions.
	mu sync.Mutex

	popupMu sync.Mutex
	popups  map[target.ID]*time.Timer
	// redirects holds popup URLs waiting to be loaded in the session tab.
	redirects []string

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newSession(cfg Config, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		cfg:     cfg,
		logger:  logger.Named("browser").With(zap.String("session_id", id)),
		tracker: newNetworkTracker(),
		popups:  make(map[target.ID]*time.Timer),
		closed:  make(chan struct{}),
	}
}

// Open attaches when cfg names a remote endpoint and launches otherwise.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.RemoteEndpoint != "" {
		return Attach(ctx, cfg, logger)
	}
	return Launch(ctx, cfg, logger)
}

// Launch starts a dedicated Chromium with a fresh profile directory that is
// removed again on Close.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	const op = "browser.launch"

	profileDir, err := os.MkdirTemp("", "cua-profile-*")
	if err != nil {
		return nil, cuaerr.Wrap(cuaerr.KindInternal, op, err)
	}

	s := newSession(cfg, logger)
	s.profileDir = profileDir

	// The browser process lives as long as the session, not the caller's ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), execAllocatorOptions(cfg, profileDir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, s.contextOptions()...)
	s.cancels = []context.CancelFunc{browserCancel, allocCancel}
	s.ctx = browserCtx

	s.logger.Debug("Launching browser.", zap.String("profile_dir", profileDir), zap.Bool("headless", cfg.Headless))

	// The first Run allocates the browser and must use the session context itself.
	if err := chromedp.Run(browserCtx); err != nil {
		s.Close(context.Background())
		return nil, cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}
	if err := ctx.Err(); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.targetID = chromedp.FromContext(browserCtx).Target.TargetID

	if err := s.init(ctx); err != nil {
		s.Close(context.Background())
		return nil, err
	}
	s.logger.Info("Browser session launched.", zap.String("target_id", string(s.targetID)))
	return s, nil
}

// Attach connects to a running browser and opens the session's tab inside
// its own browser context so runs sharing a browser stay isolated.
func Attach(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	const op = "browser.attach"

	hc := cuanet.NewDefaultClientConfig(logger)
	hc.RequestTimeout = discoveryTimeout
	wsURL, err := ResolveEndpoint(ctx, cfg.RemoteEndpoint, cuanet.NewClient(hc))
	if err != nil {
		return nil, err
	}

	s := newSession(cfg, logger)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(Detach(ctx), wsURL, chromedp.NoModifyURL)
	ctrlCtx, ctrlCancel := chromedp.NewContext(allocCtx, s.contextOptions()...)
	s.cancels = []context.CancelFunc{ctrlCancel, allocCancel}
	s.controllerCtx = ctrlCtx

	s.logger.Debug("Attaching to browser.", zap.String("endpoint", wsURL))
	if err := chromedp.Run(ctrlCtx); err != nil {
		s.Close(context.Background())
		return nil, cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}

	bctx := s.browserExecutor()
	contextID, err := target.CreateBrowserContext().Do(bctx)
	if err != nil {
		s.Close(context.Background())
		return nil, cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}
	s.browserContextID = contextID

	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(contextID).Do(bctx)
	if err != nil {
		s.Close(context.Background())
		return nil, cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}
	s.targetID = targetID

	sessionCtx, sessionCancel := chromedp.NewContext(ctrlCtx, chromedp.WithTargetID(targetID))
	// Session tab goes first so it is closed before its controller.
	s.cancels = append([]context.CancelFunc{sessionCancel}, s.cancels...)
	s.ctx = sessionCtx

	if err := chromedp.Run(sessionCtx); err != nil {
		s.Close(context.Background())
		return nil, cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}

	if err := s.init(ctx); err != nil {
		s.Close(context.Background())
		return nil, err
	}
	s.logger.Info("Browser session attached.",
		zap.String("target_id", string(s.targetID)),
		zap.String("browser_context_id", string(contextID)))
	return s, nil
}

func (s *Session) contextOptions() []chromedp.ContextOption {
	// Protocol noise from the CDP client is only interesting when debugging.
	sugar := s.logger.Named("cdp").Sugar()
	return []chromedp.ContextOption{
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	}
}

// browserExecutor returns a context whose CDP commands go to the browser
// endpoint instead of a page.
func (s *Session) browserExecutor() context.Context {
	base := s.controllerCtx
	if base == nil {
		base = s.ctx
	}
	return cdp.WithExecutor(base, chromedp.FromContext(base).Browser)
}

func (s *Session) init(ctx context.Context) error {
	const op = "browser.init"

	chromedp.ListenTarget(s.ctx, s.onTargetEvent)
	if s.cfg.SingleTab {
		chromedp.ListenBrowser(s.ctx, s.onBrowserEvent)
	}

	initCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var count int64
	tasks := chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		emulation.SetDeviceMetricsOverride(int64(s.cfg.Viewport.Width), int64(s.cfg.Viewport.Height), 1, false),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(mutationCounterJS).Do(c)
			return err
		}),
		chromedp.Evaluate(mutationCounterJS, &count),
	}
	if err := chromedp.Run(initCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}
	if s.cfg.SingleTab {
		if err := target.SetDiscoverTargets(true).Do(s.browserExecutor()); err != nil {
			s.logger.Debug("Could not enable target discovery.", zap.Error(err))
		}
	}
	return nil
}

// ID returns the session's identifier used in logs.
func (s *Session) ID() string { return s.id }

func (s *Session) Viewport() actions.Viewport { return s.cfg.Viewport }

// Close releases the tab, the browser or browser context, and the profile
// directory. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stopPopupTimers()

		if s.browserContextID != "" && s.controllerCtx != nil && s.controllerCtx.Err() == nil {
			disposeCtx, cancel := context.WithTimeout(Detach(s.browserExecutor()), closeTimeout)
			if err := target.DisposeBrowserContext(s.browserContextID).Do(disposeCtx); err != nil {
				s.logger.Warn("Failed to dispose browser context.",
					zap.String("browser_context_id", string(s.browserContextID)), zap.Error(err))
			}
			cancel()
		}

		done := make(chan struct{})
		go func() {
			for _, c := range s.cancels {
				c()
			}
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("Context cancelled while waiting for browser shutdown.", zap.Error(ctx.Err()))
		case <-time.After(closeTimeout):
			s.logger.Warn("Timeout waiting for browser shutdown.")
		}

		if s.profileDir != "" {
			if err := os.RemoveAll(s.profileDir); err != nil {
				s.closeErr = cuaerr.Wrap(cuaerr.KindInternal, "browser.close", err)
			}
		}
		s.logger.Debug("Browser session closed.")
	})
	return s.closeErr
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// classify maps a CDP failure onto the run's error kinds. Cancellation of
// the caller's ctx wins over whatever the protocol reported.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var cerr *cuaerr.Error
	if errors.As(err, &cerr) {
		return err
	}
	return cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
}
