package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

type runOptions struct {
	family    string
	prompt    string
	swarmTape string
	swarmFull bool
	followUp  bool
	quiet     bool
	metrics   bool
}

func buildRunCmd(configPath *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <tape.json>",
		Short: "Drive a full turn from a recorded provider tape",
		Long: `Run replays a recorded tape through the whole pipeline: the account pool
serves each Send from the next recorded turn, so a recorded rate limit rotates
to the next account exactly as a live one would. The primary stream is printed
as it arrives, swarm activity is aggregated into lanes, and usage is recorded
to the configured ledger.

A swarm delegation requested by the primary stream runs against --swarm-tape.
With --follow-up, the primary tape's next turn serves the follow-up.`,
		Example: `  # Replay a captured session against the configured accounts
  coderide run session.tape.json --family claude

  # Include the delegated swarm and its follow-up
  coderide run session.tape.json --swarm-tape swarm.tape.json --follow-up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, *configPath, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.family, "family", "f", "claude", "Backend family whose accounts serve the tape")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Prompt to send (defaults to the first recorded prompt)")
	cmd.Flags().StringVar(&opts.swarmTape, "swarm-tape", "", "Tape serving delegated swarm runs")
	cmd.Flags().BoolVar(&opts.swarmFull, "full", false, "Run delegations in full swarm mode")
	cmd.Flags().BoolVar(&opts.followUp, "follow-up", false, "Run a follow-up turn after the swarm")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print streamed text")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Print collected metrics after the run")
	return cmd
}
