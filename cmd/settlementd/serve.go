package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		addr     string
		noWorker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and webhooks, and run the retry worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer cleanup()

			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return a.server().Run(ctx, addr, a.cfg.HTTP.ShutdownTimeout)
			})
			if a.cfg.Worker.Enabled && !noWorker {
				g.Go(func() error { return a.worker.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the retry worker in this process")
	return cmd
}
