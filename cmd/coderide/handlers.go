package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/coderide/internal/accounts"
	"github.com/haasonsaas/coderide/internal/activity"
	"github.com/haasonsaas/coderide/internal/agent"
	"github.com/haasonsaas/coderide/internal/agent/tape"
	"github.com/haasonsaas/coderide/internal/config"
	"github.com/haasonsaas/coderide/internal/events"
	"github.com/haasonsaas/coderide/internal/usage"
	"github.com/spf13/cobra"
)

// =============================================================================
// Replay Handlers
// =============================================================================

func runReplay(cmd *cobra.Command, configPath, path, source string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := commandLogger(cmd, cfg)

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	board := activity.NewBoard(cfg.Activity.BoardOptions(logger))
	n, err := replayInto(cmd.Context(), tape.NewDecoder(in), agent.NewBoardSink(board), source)
	if err != nil {
		return err
	}
	logger.Debug("replay finished", "events", n, "activities", board.Log().Len())

	lanes := board.Lanes()
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(lanes)
	}
	printLanes(cmd.OutOrStdout(), lanes)
	return nil
}

// replayInto normalizes every raw entry and emits it as an envelope update.
// Text and error entries are skipped. Entries without a timestamp take the
// previous one.
func replayInto(ctx context.Context, dec *tape.Decoder, sink agent.Sink, source string) (int, error) {
	normalizers := map[string]*events.Normalizer{}
	var last time.Time
	count := 0
	for {
		entry, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if !entry.IsRaw() {
			continue
		}
		if entry.Source == "" {
			entry.Source = source
		}
		if !entry.Timestamp.IsZero() {
			last = entry.Timestamp
		}

		n, ok := normalizers[entry.Source]
		if !ok {
			n = &events.Normalizer{Source: entry.Source}
			normalizers[entry.Source] = n
		}
		env := n.Envelope(entry.Type, entry.Payload, last)
		sink.Emit(ctx, agent.Update{Kind: agent.UpdateEnvelope, Envelope: &env})
		count++
	}
}

func printLanes(w io.Writer, lanes []activity.Lane) {
	if len(lanes) == 0 {
		fmt.Fprintln(w, "No swarm lanes.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tSTATUS\tSTEP\tOPS\tERRORS\tEVENTS")
	for _, lane := range lanes {
		step := lane.CurrentStepTitle
		if lane.Summary != "" {
			step = lane.Summary
		}
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			lane.ID, lane.Status, truncate(step, 80), lane.ActiveOpsCount, lane.ErrorCount, len(lane.RecentEvents))
	}
	tw.Flush()
}

func formatCost(usd float64) string {
	if s := usage.FormatUSD(usd); s != "" {
		return s
	}
	return "-"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func loadTape(path string) (*tape.Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := tape.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func runTapeInspect(cmd *cobra.Command, path string, asJSON bool) error {
	t, err := loadTape(path)
	if err != nil {
		return err
	}
	summary := t.Summary()
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintf(out, "Tape %s from %s, recorded %s\n", summary.Version, summary.Source, summary.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Turns: %d (%d failed), entries: %d, text: %d bytes\n",
		summary.TurnCount, summary.FailedTurns, summary.TotalEntries, summary.TotalTextLen)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TURN\tENTRIES\tDURATION\tPROMPT\tERROR")
	for _, turn := range t.Turns {
		errText := turn.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", turn.Index, len(turn.Entries), turn.Duration.Round(time.Millisecond),
			truncate(strings.Join(strings.Fields(turn.Prompt), " "), 60), errText)
	}
	return w.Flush()
}

func runTapeExport(cmd *cobra.Command, path string) error {
	t, err := loadTape(path)
	if err != nil {
		return err
	}
	return t.WriteJSONL(cmd.OutOrStdout())
}

// =============================================================================
// Accounts Handlers
// =============================================================================

// openRouter opens the account store, upserts the configured seed accounts
// and wraps it in a router using the configured cooldown policies.
func openRouter(cfg *config.Config, logger *slog.Logger) (*accounts.Router, error) {
	var err error
	store := accounts.NewStore(logger)
	if dir := strings.TrimSpace(cfg.Accounts.StateDir); dir != "" {
		if store, err = accounts.Open(dir, logger); err != nil {
			return nil, fmt.Errorf("open accounts: %w", err)
		}
	}
	for _, entry := range cfg.Accounts.Seed {
		acc := entry.Account()
		if existing, ok := store.Get(acc.ID); ok && existing == acc {
			continue
		}
		if err := store.Put(acc); err != nil {
			return nil, fmt.Errorf("seed account %q: %w", acc.ID, err)
		}
	}
	return accounts.NewRouter(store,
		accounts.WithCooldownPolicy(cfg.Accounts.Cooldown),
		accounts.WithQuotaPolicy(cfg.Accounts.QuotaCooldown),
		accounts.WithLogger(logger),
	), nil
}

func loadRouter(cmd *cobra.Command, configPath string) (*accounts.Router, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openRouter(cfg, commandLogger(cmd, cfg))
}

func runAccountsList(cmd *cobra.Command, configPath, family string, asJSON bool) error {
	router, err := loadRouter(cmd, configPath)
	if err != nil {
		return err
	}
	pool := router.Pool(family)

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pool)
	}
	if len(pool) == 0 {
		fmt.Fprintln(out, "No accounts configured.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFAMILY\tPRIORITY\tSTATE\tFAILS\tTOKENS\tCOST")
	for _, st := range pool {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			st.Account.ID,
			st.Account.Family,
			st.Account.Priority,
			accountState(st, now),
			st.Stats.FailCount,
			usage.FormatTokenCount(st.Stats.InputTokens+st.Stats.OutputTokens),
			formatCost(st.Stats.CostUSD),
		)
	}
	return w.Flush()
}

func accountState(st accounts.AccountState, now time.Time) string {
	var state string
	switch {
	case !st.Account.Enabled:
		state = "disabled"
	case st.Stats.InCooldown(now):
		state = "cooldown " + st.Stats.CooldownUntil.Sub(now).Round(time.Second).String()
		if st.Stats.LastReason != "" {
			state += " (" + st.Stats.LastReason + ")"
		}
	default:
		state = "ready"
	}
	if st.LastGood {
		state += " *"
	}
	return state
}

func runAccountsReset(cmd *cobra.Command, configPath, id string) error {
	router, err := loadRouter(cmd, configPath)
	if err != nil {
		return err
	}
	acc, ok := router.Store().Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", accounts.ErrAccountNotFound, id)
	}
	router.MarkUsage(acc.ID, acc.Family, 0, 0, 0)
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s is ready.\n", acc.ID)
	return nil
}

// =============================================================================
// Usage Handlers
// =============================================================================

func runUsage(cmd *cobra.Command, configPath string, since time.Duration, prune, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := commandLogger(cmd, cfg)
	if strings.TrimSpace(cfg.Usage.Database) == "" {
		return errors.New("usage.database is not configured")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := usage.OpenSQLite(ctx, cfg.Usage.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if prune && cfg.Usage.Retention > 0 {
		removed, err := store.Prune(ctx, cfg.Usage.Retention)
		if err != nil {
			return err
		}
		logger.Info("pruned usage ledger", "rows", removed, "retention", cfg.Usage.Retention)
	}

	totals, err := store.Totals(ctx, time.Now().Add(-since))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(totals)
	}
	if len(totals) == 0 {
		fmt.Fprintf(out, "No usage recorded in the last %s.\n", since)
		return nil
	}

	var sum usage.Usage
	var cost float64
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FAMILY\tMODEL\tREQUESTS\tUSAGE\tCOST")
	for _, t := range totals {
		model := t.Model
		if model == "" {
			model = "-"
		}
		u := t.Usage
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.Family, model, t.Requests, usage.FormatUsage(&u), formatCost(t.CostUSD))
		sum.Add(&u)
		cost += t.CostUSD
	}
	fmt.Fprintf(w, "total\t\t\t%s\t%s\n", usage.FormatUsage(&sum), formatCost(cost))
	return w.Flush()
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid.\n", path)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
