package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joss/fraude/internal/runner"
	"github.com/joss/fraude/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the interaction API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := []server.Option{
				server.WithRunner(runner.NewExecutor(a.store), cfg.RepoRoot),
			}
			if a.archive != nil {
				opts = append(opts,
					server.WithHistory(a.archive),
					server.WithCheck("archive", a.archive.Ping))
			}
			if a.db != nil {
				opts = append(opts, server.WithCheck("graph", a.db.Ping))
			}
			if a.weaviate != nil {
				w := a.weaviate
				opts = append(opts, server.WithCheck("retrieval", func(ctx context.Context) error {
					if !w.Ready(ctx) {
						return errors.New("weaviate not ready")
					}
					return nil
				}))
			}

			if addr == "" {
				addr = cfg.ListenAddr
			}
			return server.New(a.manager, opts...).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}
