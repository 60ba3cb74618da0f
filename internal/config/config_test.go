// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "cua-cli", cfg.Logger().ServiceName)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 1280, cfg.Browser().Viewport.Width)
	assert.Equal(t, 800, cfg.Browser().Viewport.Height)
	assert.Equal(t, 500*time.Millisecond, cfg.Browser().QuietWindow)
	assert.Equal(t, 25, cfg.Agent().MaxSteps)
	assert.Equal(t, 90*time.Second, cfg.Agent().StepTimeout)
	assert.Equal(t, "openai", cfg.Reasoner().Provider)
	assert.Equal(t, "disk", cfg.Snapshot().Backend)
	require.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero max steps", func(c *Config) { c.AgentCfg.MaxSteps = 0 }, "agent.max_steps must be at least 1"},
		{"negative retries", func(c *Config) { c.AgentCfg.StepRetries = -1 }, "agent.step_retries"},
		{"zero step timeout", func(c *Config) { c.AgentCfg.StepTimeout = 0 }, "agent.step_timeout"},
		{"empty viewport", func(c *Config) { c.BrowserCfg.Viewport.Width = 0 }, "browser.viewport"},
		{"unknown provider", func(c *Config) { c.ReasonerCfg.Provider = "hal9000" }, "unknown provider"},
		{"postgres without url", func(c *Config) { c.SnapshotCfg.Backend = "postgres" }, "database_url is required"},
		{"sqlite without path", func(c *Config) { c.SnapshotCfg.Backend = "sqlite"; c.SnapshotCfg.SQLitePath = "" }, "sqlite_path is required"},
		{"unknown backend", func(c *Config) { c.SnapshotCfg.Backend = "s3" }, "unknown backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
agent:
  max_steps: 3
  scopes:
    - https://example.com
reasoner:
  provider: gemini
  model: gemini-2.5-computer-use-preview-10-2025
browser:
  remote_endpoint: http://127.0.0.1:9222
`)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Agent().MaxSteps)
		assert.Equal(t, []string{"https://example.com"}, cfg.Agent().Scopes)
		assert.Equal(t, "gemini", cfg.Reasoner().Provider)
		assert.Equal(t, "http://127.0.0.1:9222", cfg.Browser().RemoteEndpoint)
	})

	t.Run("vendor api key env var is used as a fallback", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-test")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "sk-test", cfg.Reasoner().APIKey)
		assert.NotContains(t, cfg.Reasoner().String(), "sk-test")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("agent.max_steps", 0)

		_, err := NewConfigFromViper(v)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(false)
	iface.SetBrowserRemoteEndpoint("ws://127.0.0.1:9222/devtools/browser/abc")
	iface.SetAgentMaxSteps(7)
	iface.SetAgentScopes([]string{"example.com"})

	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser().RemoteEndpoint)
	assert.Equal(t, 7, cfg.Agent().MaxSteps)
	assert.Equal(t, []string{"example.com"}, cfg.Agent().Scopes)
}
