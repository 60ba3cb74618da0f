// cmd/batch.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/cua-cli/internal/agent"
)

// batchFile is the YAML document accepted by `batch`.
type batchFile struct {
	Goals []agent.Goal `yaml:"goals"`
}

func loadGoals(path string) ([]agent.Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read goals file: %w", err)
	}
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse goals file: %w", err)
	}
	if len(f.Goals) == 0 {
		return nil, fmt.Errorf("goals file %s lists no goals", path)
	}
	for i, g := range f.Goals {
		if g.Text == "" {
			return nil, fmt.Errorf("goal %d in %s has no text", i, path)
		}
	}
	return f.Goals, nil
}

// newBatchCmd creates the `batch` command, which runs independent goals
// concurrently, each in its own browser session.
func newBatchCmd() *cobra.Command {
	var output string
	batchCmd := &cobra.Command{
		Use:   "batch <goals.yaml>",
		Short: "Run a list of goals concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFrom(ctx)
			cfg := configFrom(ctx)

			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			goals, err := loadGoals(args[0])
			if err != nil {
				return err
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return err
			}

			parallelism := cfg.Agent().Parallelism
			logger.Info("Starting batch", zap.Int("goals", len(goals)), zap.Int("parallelism", parallelism))
			reports := agent.Batch(ctx, goals, components.newAgent, parallelism, logger)
			if err := writeReport(cmd.OutOrStdout(), format, reports); err != nil {
				return err
			}

			var failed []agent.Status
			for _, r := range reports {
				if r.Status != agent.StatusCompleted {
					failed = append(failed, r.Status)
				}
			}
			if len(failed) > 0 {
				return &RunUnsuccessfulError{Statuses: failed}
			}
			return nil
		},
	}

	batchCmd.Flags().StringVarP(&output, "output", "o", formatJSON, "Report format (json, yaml).")
	batchCmd.Flags().IntP("parallel", "p", 0, "Maximum concurrent runs. (Overrides config/env)")
	batchCmd.Flags().Int("max-steps", 0, "Maximum number of steps per run. (Overrides config/env)")
	batchCmd.Flags().StringSlice("scope", nil, "Allowed navigation scope for every run. Repeatable. (Overrides config/env)")
	return batchCmd
}
