package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Task orchestration engine",
	Long: `Switchyard accepts free-form requests, classifies them, and routes each one
to a worker agent, a planner, a deliberation panel or the self-repair loop,
under a global concurrency ceiling with full per-request tracing.

Run "switchyard serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "YAML configuration file (optional)")
}

// loadConfig loads the configuration and installs the default logger. The
// returned func flushes buffered log records.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer.Close, nil
}
