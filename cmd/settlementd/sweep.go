package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep and print what it did",
		Long: `Run every worker task once: webhook replay, due bill retries, stalled bills,
provider reconciliation, pending refunds and missing settlements.

Useful from cron when the serve command runs with --no-worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer cleanup()

			rep, err := a.worker.Sweep(cmd.Context())
			if rep.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "another instance holds the sweep lock; nothing done")
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(struct {
				Succeeded map[string]int `json:"succeeded"`
				Failed    map[string]int `json:"failed"`
				Duration  string         `json:"duration"`
			}{rep.Succeeded, rep.Failed, rep.Duration.Round(time.Millisecond).String()}); encErr != nil {
				return encErr
			}
			return err
		},
	}
}
