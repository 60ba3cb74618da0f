// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Agent() AgentConfig
	Reasoner() ReasonerConfig
	Snapshot() SnapshotConfig

	SetBrowserHeadless(bool)
	SetBrowserRemoteEndpoint(string)
	SetAgentMaxSteps(int)
	SetAgentScopes([]string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	AgentCfg    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	ReasonerCfg ReasonerConfig `mapstructure:"reasoner" yaml:"reasoner"`
	SnapshotCfg SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Agent() AgentConfig       { return c.AgentCfg }
func (c *Config) Reasoner() ReasonerConfig { return c.ReasonerCfg }
func (c *Config) Snapshot() SnapshotConfig { return c.SnapshotCfg }

func (c *Config) SetBrowserHeadless(b bool)         { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteEndpoint(e string) { c.BrowserCfg.RemoteEndpoint = e }
func (c *Config) SetAgentMaxSteps(n int)            { c.AgentCfg.MaxSteps = n }
func (c *Config) SetAgentScopes(scopes []string)    { c.AgentCfg.Scopes = scopes }

// LoggerConfig defines the logging settings.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig configures the controlled Chromium session.
type BrowserConfig struct {
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// RemoteEndpoint selects attach mode. Either a discovery endpoint
	// (http://host:9222) or a browser websocket URL.
	RemoteEndpoint    string         `mapstructure:"remote_endpoint" yaml:"remote_endpoint"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StableTimeout     time.Duration  `mapstructure:"stable_timeout" yaml:"stable_timeout"`
	QuietWindow       time.Duration  `mapstructure:"quiet_window" yaml:"quiet_window"`
	PollInterval      time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
	MutationThreshold int            `mapstructure:"mutation_threshold" yaml:"mutation_threshold"`
	SingleTab         bool           `mapstructure:"single_tab" yaml:"single_tab"`
}

type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// AgentConfig bounds a single run.
type AgentConfig struct {
	MaxSteps    int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	StepRetries int           `mapstructure:"step_retries" yaml:"step_retries"`
	Scopes      []string      `mapstructure:"scopes" yaml:"scopes"`
	// Parallelism caps concurrent runs in batch mode.
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
}

// ReasonerConfig selects and tunes the reasoning service client.
type ReasonerConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	// Timeout bounds a single HTTP attempt.
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxConcurrency    int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	// Instructions precede the goal in the opening prompt.
	Instructions string `mapstructure:"instructions" yaml:"instructions"`
	// ContinueOnMessage records an assistant message that carries no action
	// as a step and keeps the run going. By default such a message
	// completes the run.
	ContinueOnMessage bool `mapstructure:"continue_on_message" yaml:"continue_on_message"`
}

// String redacts the API key.
func (r ReasonerConfig) String() string {
	key := ""
	if r.APIKey != "" {
		key = "[redacted]"
	}
	return fmt.Sprintf("{provider:%s model:%s base_url:%s api_key:%s}", r.Provider, r.Model, r.BaseURL, key)
}

// SnapshotConfig selects where screenshots are persisted.
type SnapshotConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
	// RunLog journals run start, steps and run end to the same backend.
	RunLog bool `mapstructure:"run_log" yaml:"run_log"`
}

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "cua-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.remote_endpoint", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.stable_timeout", "5s")
	v.SetDefault("browser.quiet_window", "500ms")
	v.SetDefault("browser.poll_interval", "100ms")
	v.SetDefault("browser.mutation_threshold", 5)
	v.SetDefault("browser.single_tab", true)

	// -- Agent --
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.step_timeout", "90s")
	v.SetDefault("agent.step_retries", 2)
	v.SetDefault("agent.scopes", []string{})
	v.SetDefault("agent.parallelism", 2)

	// -- Reasoner --
	v.SetDefault("reasoner.provider", "openai")
	v.SetDefault("reasoner.model", "")
	v.SetDefault("reasoner.api_key", "")
	v.SetDefault("reasoner.base_url", "")
	v.SetDefault("reasoner.timeout", "60s")
	v.SetDefault("reasoner.max_attempts", 3)
	v.SetDefault("reasoner.max_concurrency", 4)
	v.SetDefault("reasoner.requests_per_second", 0)
	v.SetDefault("reasoner.instructions", "")
	v.SetDefault("reasoner.continue_on_message", false)

	// -- Snapshot --
	v.SetDefault("snapshot.backend", "disk")
	v.SetDefault("snapshot.dir", "~/.cua-cli/snapshots")
	v.SetDefault("snapshot.sqlite_path", "~/.cua-cli/snapshots.db")
	v.SetDefault("snapshot.database_url", "")
	v.SetDefault("snapshot.run_log", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("snapshot.database_url", "CUA_DATABASE_URL")
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.ReasonerCfg.APIKey == "" {
		cfg.ReasonerCfg.APIKey = providerKey(v, cfg.ReasonerCfg.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// providerKey falls back to the vendor's conventional environment variable.
func providerKey(v *viper.Viper, provider string) string {
	env := map[string]string{
		"openai": "OPENAI_API_KEY",
		"gemini": "GEMINI_API_KEY",
	}[strings.ToLower(provider)]
	if env == "" {
		return ""
	}
	key := "reasoner.vendor_key." + strings.ToLower(provider)
	v.BindEnv(key, env)
	return v.GetString(key)
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.AgentCfg.MaxSteps < 1 {
		return fmt.Errorf("agent.max_steps must be at least 1")
	}
	if c.AgentCfg.StepTimeout <= 0 {
		return fmt.Errorf("agent.step_timeout must be a positive duration")
	}
	if c.AgentCfg.StepRetries < 0 {
		return fmt.Errorf("agent.step_retries must not be negative")
	}
	if c.AgentCfg.Parallelism < 1 {
		return fmt.Errorf("agent.parallelism must be a positive integer")
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must have positive width and height")
	}
	if c.BrowserCfg.StableTimeout <= 0 || c.BrowserCfg.QuietWindow <= 0 || c.BrowserCfg.PollInterval <= 0 {
		return fmt.Errorf("browser.stable_timeout, quiet_window and poll_interval must be positive durations")
	}
	if err := c.ReasonerCfg.Validate(); err != nil {
		return fmt.Errorf("reasoner configuration invalid: %w", err)
	}
	if err := c.SnapshotCfg.Validate(); err != nil {
		return fmt.Errorf("snapshot configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the reasoner settings. A missing API key is reported
// when the client is built, not here, so that offline commands still load.
func (r *ReasonerConfig) Validate() error {
	switch strings.ToLower(r.Provider) {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown provider %q", r.Provider)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if r.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	return nil
}

// Validate checks the snapshot backend selection.
func (s *SnapshotConfig) Validate() error {
	switch s.Backend {
	case "noop":
	case "disk":
		if s.Dir == "" {
			return fmt.Errorf("dir is required for the disk backend")
		}
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if s.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres backend (CUA_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}
