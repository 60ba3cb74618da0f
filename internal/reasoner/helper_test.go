package reasoner

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/cua-cli/internal/actions"
	"github.com/xkilldash9x/cua-cli/internal/config"
)

// setupTestLogger returns a logger whose entries the test can inspect.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func testReasonerConfig(provider, baseURL string) config.ReasonerConfig {
	return config.ReasonerConfig{
		Provider:    provider,
		Model:       "test-model",
		APIKey:      "sk-test-secret",
		BaseURL:     baseURL,
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
	}
}

// fastRetries keeps retry tests quick while preserving the attempt budget.
func fastRetries(attempts int) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1))
	}
}

func testObservation(url string) *actions.Observation {
	return &actions.Observation{
		Screenshot: []byte("\x89PNG fake"),
		URL:        url,
		Width:      1280,
		Height:     800,
	}
}

func testTool() ToolSchema {
	return ToolSchemaFor(actions.Viewport{Width: 1280, Height: 800})
}
