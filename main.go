package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "safeyou-chat",
	Short: "SafeYou community chat service",
	Long: `safeyou-chat serves the public room and private conversations over HTTP,
streams change events over websockets and moderates by community reports.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd, migrateCmd, pruneCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and initialises the global logger.
func setup() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
