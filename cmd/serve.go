package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheetflow/importd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with an embedded worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.recoverRuns(ctx); err != nil {
			return err
		}

		srv := server.New(cfg, env.store, env.blobs, env.queue, env.bus)
		pool := env.workerPool()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(ctx) })
		g.Go(func() error { return pool.Run(ctx) })
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
