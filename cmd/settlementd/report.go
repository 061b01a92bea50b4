package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReportCommand(root *rootOptions) *cobra.Command {
	var (
		since    time.Duration
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a retrospective report of recent transactions as JSON",
		Long: `Summarize transactions created in a window: outcomes by state and kind,
retries, refund reasons, provider usage and completed volume per currency.

Examples:
  settlementd report --since 24h
  settlementd report --from 2024-05-01T00:00:00Z --to 2024-05-08T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				end = t
			}
			start := end.Add(-since)
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = t
			}

			a, cleanup, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.reporter.Generate(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window length ending at --to")
	cmd.Flags().StringVar(&from, "from", "", "window start, RFC 3339 (overrides --since)")
	cmd.Flags().StringVar(&to, "to", "", "window end, RFC 3339 (defaults to now)")
	return cmd
}
