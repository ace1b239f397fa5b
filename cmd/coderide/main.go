// Package main provides the coderide CLI.
//
// coderide drives agent turns across a pool of backend accounts and renders
// their tool activity as per-swarm lanes. The CLI exposes the offline parts of
// that pipeline:
//
//	coderide run run.tape.json          # drive a turn from a recorded tape
//	coderide replay events.jsonl        # rebuild lanes from a recorded stream
//	coderide tape inspect run.tape.json  # summarize a recorded provider tape
//	coderide accounts list              # show the account pool and cooldowns
//	coderide usage --since 24h          # totals from the usage ledger
//	coderide config schema              # JSON schema for coderide.yaml
//
// # Environment Variables
//
//   - CODERIDE_CONFIG: path to the configuration file (default: coderide.yaml)
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/coderide/internal/config"
	"github.com/haasonsaas/coderide/internal/observability"
	"github.com/spf13/cobra"
)

const defaultConfigName = "coderide.yaml"

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "coderide",
		Short: "coderide - multi-account agent runner and live activity board",
		Long: `coderide streams agent turns through a failover pool of backend accounts,
normalizes their raw tool events and aggregates them into per-swarm lanes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or set CODERIDE_CONFIG)")

	rootCmd.AddCommand(
		buildReplayCmd(&configPath),
		buildRunCmd(&configPath),
		buildTapeCmd(),
		buildAccountsCmd(&configPath),
		buildUsageCmd(&configPath),
		buildConfigCmd(&configPath),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("CODERIDE_CONFIG")); p != "" {
		return p
	}
	return defaultConfigName
}

// loadConfig reads the configuration. A missing default file yields the
// built-in defaults; a missing explicit file is an error.
func loadConfig(path string) (*config.Config, error) {
	resolved := resolveConfigPath(path)
	cfg, err := config.Load(resolved)
	if err == nil {
		return cfg, nil
	}
	if resolved == defaultConfigName && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// commandLogger builds the configured logger and installs it as the default.
func commandLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return newLogger(cmd, cfg).Slog()
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *observability.Logger {
	logCfg := cfg.Logging
	if logCfg.Output == nil {
		logCfg.Output = cmd.ErrOrStderr()
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger.Slog())
	return logger
}
