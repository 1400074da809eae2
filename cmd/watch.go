package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sheetflow/importd/internal/stream"
)

var (
	watchServer string
	watchFleet  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow a run's event stream from the terminal",
	Long:  "Connects to the server's SSE endpoint and prints events as they arrive. With --fleet it follows the cross-dataset runs stream instead of a single run.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !watchFleet && len(args) == 0 {
			return fmt.Errorf("a run id is required unless --fleet is set")
		}

		url := watchServer + "/api/runs/events"
		if !watchFleet {
			url = watchServer + "/api/runs/" + args[0] + "/events"
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := stream.NewClient(url, cfg.Worker.BackoffBase, cfg.Worker.BackoffMax)
		return client.Watch(ctx, func(ev stream.ClientEvent) error {
			fmt.Printf("%s\t%s\n", ev.Name, ev.Data)
			if ev.Name == "run.completed" {
				return stream.ErrStop
			}
			return nil
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "base URL of the importd server")
	watchCmd.Flags().BoolVar(&watchFleet, "fleet", false, "follow the cross-dataset runs stream")
	rootCmd.AddCommand(watchCmd)
}
