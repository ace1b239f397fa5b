package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Replay Command
// =============================================================================

func buildReplayCmd(configPath *string) *cobra.Command {
	var asJSON bool
	var source string
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl|->",
		Short: "Rebuild swarm lanes from a recorded event stream",
		Long: `Replay reads raw backend events, one JSON object per line:

  {"source":"claude","type":"agent_started","payload":{"swarm_id":"s1"},"ts":"2026-03-01T10:00:00Z"}

Each event is normalized and appended to an activity board, and the resulting
lanes are printed in display order. Use "-" to read from stdin.`,
		Example: `  # Print lanes for a captured run
  coderide replay run.jsonl

  # Emit lanes as JSON
  coderide replay run.jsonl --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, *configPath, args[0], source, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print lanes as JSON")
	cmd.Flags().StringVar(&source, "source", "replay", "Source provider id for events without one")
	return cmd
}

func buildTapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tape",
		Short: "Inspect recorded provider tapes",
	}

	var asJSON bool
	inspect := &cobra.Command{
		Use:   "inspect <tape.json>",
		Short: "Summarize a recorded tape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTapeInspect(cmd, args[0], asJSON)
		},
	}
	inspect.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")

	export := &cobra.Command{
		Use:     "export <tape.json>",
		Short:   "Write a tape as JSONL events for replay",
		Example: `  coderide tape export run.tape.json | coderide replay -`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTapeExport(cmd, args[0])
		},
	}

	cmd.AddCommand(inspect, export)
	return cmd
}

// =============================================================================
// Accounts Commands
// =============================================================================

func buildAccountsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect the failover account pool",
	}
	cmd.AddCommand(
		buildAccountsListCmd(configPath),
		buildAccountsResetCmd(configPath),
	)
	return cmd
}

func buildAccountsListCmd(configPath *string) *cobra.Command {
	var family string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts with health and cooldown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsList(cmd, *configPath, family, asJSON)
		},
	}
	cmd.Flags().StringVarP(&family, "family", "f", "", "Only show accounts of this backend family")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print accounts as JSON")
	return cmd
}

func buildAccountsResetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <account-id>",
		Short: "Clear an account's cooldown by recording a healthy use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsReset(cmd, *configPath, args[0])
		},
	}
	return cmd
}

// =============================================================================
// Usage Command
// =============================================================================

func buildUsageCmd(configPath *string) *cobra.Command {
	var since time.Duration
	var asJSON bool
	var prune bool
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost from the ledger",
		Long: `Usage reads the SQLite usage ledger named by usage.database and prints
per family and model totals. With --prune, rows older than usage.retention are
deleted first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd, *configPath, since, prune, asJSON)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Only count records newer than this")
	cmd.Flags().BoolVar(&prune, "prune", false, "Apply usage.retention before reporting")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print totals as JSON")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, *configPath)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}
