package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Creator discovery backend",
	Long:  "Searches a creator profile index, refreshes profiles through vendor snapshots, scores brand fit with LLMs, and builds the index dataset from raw platform exports.",
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
