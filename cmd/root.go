// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/agent"
	"github.com/xkilldash9x/cua-cli/internal/config"
	"github.com/xkilldash9x/cua-cli/internal/observability"
)

type contextKey string

const (
	configKey contextKey = "config"
	loggerKey contextKey = "logger"
)

// flagKeys maps command line flags onto configuration keys. Flags are bound
// only on the commands that define them.
var flagKeys = map[string]string{
	"log-level":        "logger.level",
	"headless":         "browser.headless",
	"browser-endpoint": "browser.remote_endpoint",
	"provider":         "reasoner.provider",
	"model":            "reasoner.model",
	"snapshot-backend": "snapshot.backend",
	"snapshot-dir":     "snapshot.dir",
	"max-steps":        "agent.max_steps",
	"step-timeout":     "agent.step_timeout",
	"scope":            "agent.scopes",
	"parallel":         "agent.parallelism",
}

// RunUnsuccessfulError reports that one or more runs ended in a state other
// than completed. The reports themselves have already been written.
type RunUnsuccessfulError struct {
	Statuses []agent.Status
}

func (e *RunUnsuccessfulError) Error() string {
	parts := make([]string, len(e.Statuses))
	for i, s := range e.Statuses {
		parts[i] = string(s)
	}
	return "run did not complete: " + strings.Join(parts, ", ")
}

// NewRootCmd builds the command tree. Each call gets its own viper instance.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:           "cua-cli",
		Short:         "cua-cli drives a browser toward a goal with a computer-use model.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			logger := observability.NewStderr(cfg.Logger())
			logger.Debug("Starting cua-cli", zap.String("version", Version), zap.Stringer("reasoner", cfg.Reasoner()))

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			observability.Sync(loggerFrom(cmd.Context()))
		},
	}
	root.SetVersionTemplate(`{{printf "cua-cli version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.String("log-level", "", "Log level (debug, info, warn, error). (Overrides config/env)")
	pf.Bool("headless", true, "Run the launched browser headless. (Overrides config/env)")
	pf.String("browser-endpoint", "", "Attach to a running browser at this DevTools endpoint instead of launching one.")
	pf.String("provider", "", "Reasoning service provider (openai, gemini). (Overrides config/env)")
	pf.String("model", "", "Model name. (Overrides config/env)")
	pf.String("snapshot-backend", "", "Snapshot backend (noop, disk, postgres). (Overrides config/env)")
	pf.String("snapshot-dir", "", "Directory for the disk snapshot backend. (Overrides config/env)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var unsuccessful *RunUnsuccessfulError
		if !errors.As(err, &unsuccessful) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

// initializeConfig reads in the config file and CUA_ environment variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CUA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.NewDefaultConfig()
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return zap.NewNop()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}
