package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBuildCmd() *cobra.Command {
	var printSummary bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Runs the crawl and resolve pipeline once",
		Long: `Loads the persisted index, merges every quarterly listing between
crawler.start_date and crawler.end_date that has not been merged yet,
resolves missing tickers and checkpoints the result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(a App) error {
				summary, runErr := a.RunOnce(cmd.Context())
				if printSummary && summary.RunID != "" {
					out, err := json.MarshalIndent(summary, "", "  ")
					if err != nil {
						return fmt.Errorf("encode summary: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
				if runErr != nil {
					return fmt.Errorf("build index: %w", runErr)
				}
				zap.L().Info("build command finished", zap.String("run_id", summary.RunID))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&printSummary, "summary", false, "print the run summary as JSON")
	return cmd
}
