package browser

import (
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
)

func TestNetworkTracker(t *testing.T) {
	t.Run("requests are in flight until they finish or fail", func(t *testing.T) {
		tr := newNetworkTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "r1", Type: network.ResourceTypeDocument})
		tr.handle(&network.EventRequestWillBeSent{RequestID: "r2", Type: network.ResourceTypeXHR})

		n, _ := tr.snapshot()
		assert.Equal(t, 2, n)

		tr.handle(&network.EventLoadingFinished{RequestID: "r1"})
		tr.handle(&network.EventLoadingFailed{RequestID: "r2"})
		n, _ = tr.snapshot()
		assert.Zero(t, n)
	})

	t.Run("redirects reuse the request id", func(t *testing.T) {
		tr := newNetworkTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "r1"})
		tr.handle(&network.EventRequestWillBeSent{RequestID: "r1", RedirectResponse: &network.Response{Status: 302}})
		n, _ := tr.snapshot()
		assert.Equal(t, 1, n)

		tr.handle(&network.EventLoadingFinished{RequestID: "r1"})
		n, _ = tr.snapshot()
		assert.Zero(t, n)
	})

	t.Run("streams are ignored", func(t *testing.T) {
		tr := newNetworkTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "ws", Type: network.ResourceTypeWebSocket})
		tr.handle(&network.EventRequestWillBeSent{RequestID: "sse", Type: network.ResourceTypeEventSource})
		n, _ := tr.snapshot()
		assert.Zero(t, n)
	})

	t.Run("frame loading marks navigation", func(t *testing.T) {
		tr := newNetworkTracker()
		tr.handle(&page.EventFrameStartedLoading{FrameID: "main"})
		tr.handle(&page.EventFrameStartedLoading{FrameID: "child"})
		_, nav := tr.snapshot()
		assert.True(t, nav)

		tr.handle(&page.EventFrameStoppedLoading{FrameID: "main"})
		tr.handle(&page.EventFrameDetached{FrameID: "child"})
		_, nav = tr.snapshot()
		assert.False(t, nav)
	})

	t.Run("reset drops stale state", func(t *testing.T) {
		tr := newNetworkTracker()
		tr.handle(&network.EventRequestWillBeSent{RequestID: "r1"})
		tr.handle(&page.EventFrameStartedLoading{FrameID: "main"})
		tr.reset()

		n, nav := tr.snapshot()
		assert.Zero(t, n)
		assert.False(t, nav)
	})

	t.Run("unrelated events are ignored", func(t *testing.T) {
		tr := newNetworkTracker()
		tr.handle(&page.EventLoadEventFired{})
		n, nav := tr.snapshot()
		assert.Zero(t, n)
		assert.False(t, nav)
	})
}
