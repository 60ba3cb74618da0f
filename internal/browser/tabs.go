// internal/browser/tabs.go
package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// popupGrace is how long a popup may keep a blank URL before it is closed
// without redirecting the session tab.
const popupGrace = 2 * time.Second

// onTargetEvent receives the session tab's events. Listeners must not block,
// so anything that issues commands runs on its own goroutine.
func (s *Session) onTargetEvent(ev interface{}) {
	s.tracker.handle(ev)

	if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
		s.logger.Debug("Accepting JavaScript dialog.", zap.String("type", string(e.Type)), zap.String("message", e.Message))
		go func() {
			if err := chromedp.Run(s.ctx, page.HandleJavaScriptDialog(true)); err != nil && !s.isClosed() {
				s.logger.Debug("Could not handle dialog.", zap.Error(err))
			}
		}()
	}
}

// onBrowserEvent enforces the single tab: pages opened by the session tab
// are closed and their URL is loaded in the session tab instead.
func (s *Session) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		s.considerPopup(e.TargetInfo)
	case *target.EventTargetInfoChanged:
		s.considerPopup(e.TargetInfo)
	case *target.EventTargetDestroyed:
		s.forgetPopup(e.TargetID)
	}
}

func (s *Session) considerPopup(info *target.Info) {
	if info == nil || info.Type != "page" || info.OpenerID != s.targetID || info.TargetID == s.targetID {
		return
	}
	if s.isClosed() {
		return
	}

	s.popupMu.Lock()
	timer, pending := s.popups[info.TargetID]
	if pending && timer == nil {
		s.popupMu.Unlock()
		return
	}
	if isBlankURL(info.URL) {
		if !pending {
			id := info.TargetID
			s.popups[id] = time.AfterFunc(popupGrace, func() {
				s.popupMu.Lock()
				s.popups[id] = nil
				s.popupMu.Unlock()
				s.redirectPopup(id, "")
			})
		}
		s.popupMu.Unlock()
		return
	}
	if pending {
		timer.Stop()
	}
	// Mark as handled so a later info change does not redirect twice.
	s.popups[info.TargetID] = nil
	s.popupMu.Unlock()

	go s.redirectPopup(info.TargetID, info.URL)
}

func (s *Session) forgetPopup(id target.ID) {
	s.popupMu.Lock()
	defer s.popupMu.Unlock()
	if timer := s.popups[id]; timer != nil {
		timer.Stop()
	}
	delete(s.popups, id)
}

func (s *Session) stopPopupTimers() {
	s.popupMu.Lock()
	defer s.popupMu.Unlock()
	for id, timer := range s.popups {
		if timer != nil {
			timer.Stop()
		}
		delete(s.popups, id)
	}
}

func (s *Session) redirectPopup(id target.ID, url string) {
	if s.isClosed() {
		return
	}
	logger := s.logger.With(zap.String("popup_target_id", string(id)), zap.String("url", url))

	closeCtx, cancel := context.WithTimeout(s.browserExecutor(), closeTimeout)
	defer cancel()
	if err := target.CloseTarget(id).Do(closeCtx); err != nil {
		logger.Debug("Could not close popup.", zap.Error(err))
	}
	if url == "" {
		logger.Debug("Closed blank popup.")
		return
	}

	logger.Info("Popup redirected into the session tab.")
	s.queueRedirect(url)
}

// queueRedirect hands url to the session tab. The session tab only moves
// while s.mu is held: an idle session loads it right away, an action in
// flight loads it before observing, and otherwise the next action does.
func (s *Session) queueRedirect(url string) {
	s.popupMu.Lock()
	s.redirects = append(s.redirects, url)
	s.popupMu.Unlock()

	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	s.drainRedirects(s.ctx)
}

// drainRedirects loads queued popup URLs and reports whether any were
// loaded. The caller holds s.mu.
func (s *Session) drainRedirects(ctx context.Context) bool {
	s.popupMu.Lock()
	pending := s.redirects
	s.redirects = nil
	s.popupMu.Unlock()

	for _, url := range pending {
		if s.isClosed() {
			return false
		}
		if err := s.load(ctx, url, chromedp.Navigate(url)); err != nil && !s.isClosed() {
			s.logger.Debug("Popup navigation did not complete.", zap.String("url", url), zap.Error(err))
		}
	}
	return len(pending) > 0
}

func isBlankURL(u string) bool {
	return u == "" || u == "about:blank"
}
