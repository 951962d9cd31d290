// Package main is the entrypoint for the fetchpool CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MahdiBaghbani/fetchpool/internal/platform/config"
	"github.com/MahdiBaghbani/fetchpool/internal/platform/logutil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath   string
	loggingLevel string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "fetchpool",
		Short: "Outbound HTTP requests through cached connection pools",
		Long: `fetchpool performs HTTP requests through a shared pool of dispatchers,
one per proxy and connection option combination, resolving names through a
TTL-bounded DNS cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to TOML config file (optional)")
	cmd.PersistentFlags().StringVar(&g.loggingLevel, "logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")

	cmd.AddCommand(newFetchCmd(&g))
	return cmd
}

// setup loads configuration and builds the logger. Logs go to stderr so
// stdout carries only command output.
func setup(cmd *cobra.Command, g *globalFlags, overrides config.FlagOverrides) (*config.Config, *slog.Logger, error) {
	stderr := cmd.ErrOrStderr()

	bootstrapLogger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	overrides.LoggingLevel = &g.loggingLevel
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath:    g.configPath,
		FlagOverrides: overrides,
		Logger:        bootstrapLogger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logutil.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	logger.Debug("effective configuration", "config", cfg.Redacted())

	return cfg, logger, nil
}
