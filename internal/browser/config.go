// internal/browser/config.go
package browser

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/config"
)

// Config controls how a Session is obtained and how it judges stability.
// A non-empty RemoteEndpoint selects attach mode.
type Config struct {
	Headless       bool
	UserAgent      string
	RemoteEndpoint string
	Args           []string
	Viewport       actions.Viewport

	NavigationTimeout time.Duration
	Stability         StabilityPolicy
	// StableTimeout bounds the settle wait after every action.
	StableTimeout time.Duration
	SingleTab     bool
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		Viewport:          actions.Viewport{Width: 1280, Height: 800},
		NavigationTimeout: 30 * time.Second,
		Stability:         DefaultStabilityPolicy(),
		StableTimeout:     5 * time.Second,
		SingleTab:         true,
	}
}

// FromAppConfig maps the application's browser section onto a Config.
func FromAppConfig(c config.BrowserConfig) Config {
	cfg := DefaultConfig()
	cfg.Headless = c.Headless
	cfg.UserAgent = c.UserAgent
	cfg.RemoteEndpoint = c.RemoteEndpoint
	cfg.Args = c.Args
	cfg.SingleTab = c.SingleTab
	if c.Viewport.Width > 0 && c.Viewport.Height > 0 {
		cfg.Viewport = actions.Viewport{Width: c.Viewport.Width, Height: c.Viewport.Height}
	}
	if c.NavigationTimeout > 0 {
		cfg.NavigationTimeout = c.NavigationTimeout
	}
	if c.StableTimeout > 0 {
		cfg.StableTimeout = c.StableTimeout
	}
	if c.QuietWindow > 0 {
		cfg.Stability.QuietWindow = c.QuietWindow
	}
	if c.PollInterval > 0 {
		cfg.Stability.PollInterval = c.PollInterval
	}
	if c.MutationThreshold > 0 {
		cfg.Stability.MutationThreshold = int64(c.MutationThreshold)
	}
	return cfg
}

// launchFlags returns the command line flags for a launched instance, on top
// of chromedp's defaults. user-data-dir is always the session's own profile;
// a user-data-dir in Args is dropped.
func launchFlags(cfg Config, profileDir string) map[string]interface{} {
	flags := map[string]interface{}{
		"no-first-run":             true,
		"no-default-browser-check": true,
		// Needed on hardened hosts and in containers.
		"no-sandbox":             true,
		"disable-dev-shm-usage":  true,
		"disable-popup-blocking": true,
		"window-size":            fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height),
	}
	if !cfg.Headless {
		flags["headless"] = false
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" || name == "user-data-dir" {
			continue
		}
		if !hasValue {
			flags[name] = true
			continue
		}
		flags[name] = value
	}

	flags["user-data-dir"] = profileDir
	return flags
}

func execAllocatorOptions(cfg Config, profileDir string) []chromedp.ExecAllocatorOption {
	flags := launchFlags(cfg, profileDir)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return opts
}
