package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sheetflow/importd/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "importd",
	Short: "CSV import pipeline daemon",
	Long:  "Accepts CSV uploads against configurable column mappings, processes them through a validating worker pool with retry and dead-lettering, and streams run progress over SSE.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
