// cmd/run.go
package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cua-cli/internal/agent"
)

// newRunCmd creates the `run` command, which drives one goal to completion.
func newRunCmd() *cobra.Command {
	var (
		startURL    string
		output      string
		constraints []string
		criteria    []string
	)
	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a single goal in a fresh browser session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFrom(ctx)
			cfg := configFrom(ctx)

			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			goal := agent.Goal{
				Text:            strings.Join(args, " "),
				StartURL:        startURL,
				Constraints:     constraints,
				SuccessCriteria: criteria,
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return err
			}

			reports := agent.Batch(ctx, []agent.Goal{goal}, components.newAgent, 1, logger)
			report := reports[0]
			if err := writeReport(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}

			logger.Info("Run complete.",
				zap.String("run_id", report.RunID),
				zap.String("status", string(report.Status)),
				zap.Int("steps", report.Metrics.Steps),
				zap.Duration("duration", report.Metrics.Duration.Round(time.Millisecond)))
			if report.Status != agent.StatusCompleted {
				return &RunUnsuccessfulError{Statuses: []agent.Status{report.Status}}
			}
			return nil
		},
	}

	runCmd.Flags().StringVar(&startURL, "start-url", "", "URL to open before the first model turn.")
	runCmd.Flags().StringArrayVar(&constraints, "constraint", nil, "A rule the run must respect. Repeatable.")
	runCmd.Flags().StringArrayVar(&criteria, "success-criterion", nil, "A condition that marks the goal as met. Repeatable.")
	runCmd.Flags().StringVarP(&output, "output", "o", formatJSON, "Report format (json, yaml).")
	runCmd.Flags().Int("max-steps", 0, "Maximum number of steps. (Overrides config/env)")
	runCmd.Flags().Duration("step-timeout", 0, "Deadline for each model turn and action. (Overrides config/env)")
	runCmd.Flags().StringSlice("scope", nil, "Allowed navigation scope: host, URL prefix or glob. Repeatable. (Overrides config/env)")
	return runCmd
}
