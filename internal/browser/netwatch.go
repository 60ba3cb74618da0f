// internal/browser/netwatch.go
package browser

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

// networkTracker follows request and frame loading events for one target so
// the stability probe can tell whether the page is still busy.
type networkTracker struct {
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	loading  map[cdp.FrameID]struct{}
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{
		inflight: make(map[network.RequestID]struct{}),
		loading:  make(map[cdp.FrameID]struct{}),
	}
}

// handle is registered with chromedp.ListenTarget.
func (t *networkTracker) handle(ev interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		// Long-lived streams never finish.
		if e.Type == network.ResourceTypeWebSocket || e.Type == network.ResourceTypeEventSource {
			return
		}
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	case *page.EventFrameStartedLoading:
		t.loading[e.FrameID] = struct{}{}
	case *page.EventFrameStoppedLoading:
		delete(t.loading, e.FrameID)
	case *page.EventFrameDetached:
		delete(t.loading, e.FrameID)
	}
}

func (t *networkTracker) snapshot() (inflight int, navigating bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), len(t.loading) > 0
}

// reset forgets everything, used when the main frame commits a new document
// and requests of the old one will never report completion.
func (t *networkTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.inflight)
	clear(t.loading)
}
