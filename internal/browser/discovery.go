// internal/browser/discovery.go
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

const discoveryTimeout = 10 * time.Second

// ResolveEndpoint turns a remote debugging endpoint into the browser's
// websocket URL. ws:// and wss:// URLs are returned unchanged; an http(s)
// discovery endpoint is asked for /json/version. The host in the reported
// URL is replaced with the endpoint's host, since Chrome reports the address
// it listens on, which is often unreachable from here.
func ResolveEndpoint(ctx context.Context, endpoint string, client *http.Client) (string, error) {
	const op = "browser.resolve_endpoint"

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", cuaerr.New(cuaerr.KindInternal, op, "invalid remote endpoint %q", endpoint)
	}

	var wsScheme string
	switch u.Scheme {
	case "ws", "wss":
		return endpoint, nil
	case "http":
		wsScheme = "ws"
	case "https":
		wsScheme = "wss"
	default:
		return "", cuaerr.New(cuaerr.KindInternal, op, "unsupported endpoint scheme %q", u.Scheme)
	}

	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	versionURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/json/version"}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, versionURL.String(), nil)
	if err != nil {
		return "", cuaerr.Wrap(cuaerr.KindInternal, op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return "", cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", cuaerr.Wrap(cuaerr.KindTransientIO, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", cuaerr.New(cuaerr.KindTransientIO, op, "%s returned %s", versionURL.String(), resp.Status)
	}

	raw := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if raw == "" {
		return "", cuaerr.Decode(op, body, "discovery response has no webSocketDebuggerUrl")
	}
	ws, err := url.Parse(raw)
	if err != nil {
		return "", cuaerr.Decode(op, body, "invalid webSocketDebuggerUrl %q", raw)
	}
	ws.Scheme = wsScheme
	ws.Host = u.Host
	return ws.String(), nil
}
