// Command settlementd runs the settlement orchestrator: the HTTP API and
// webhook receiver, the retry worker, and one-off sweeps and reports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourorg/settlement-orchestrator/internal/config"
	"github.com/yourorg/settlement-orchestrator/internal/logging"
	"github.com/yourorg/settlement-orchestrator/internal/tracing"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	envFiles []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:     "settlementd",
		Short:   "Fiat rails to cNGN settlement and bill payment orchestrator",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "environment files to load before reading the environment")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	return cmd
}

// bootstrap loads configuration, installs logging and tracing, and wires the engine.
func bootstrap(ctx context.Context, opts *rootOptions) (*app, func(), error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Prefix: cfg.Log.Prefix,
		Caller: cfg.Log.Caller,
	})

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, nil, err
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		if shutdownErr := shutdownTracing(context.Background()); shutdownErr != nil {
			logger.Warn("flush traces", "error", shutdownErr)
		}
		return nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Error("close resources", "error", err)
		}
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("flush traces", "error", err)
		}
	}
	return a, cleanup, nil
}
