package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/coderide/internal/accounts"
	"github.com/haasonsaas/coderide/internal/activity"
	"github.com/haasonsaas/coderide/internal/agent"
	"github.com/haasonsaas/coderide/internal/agent/tape"
	"github.com/haasonsaas/coderide/internal/config"
	"github.com/haasonsaas/coderide/internal/observability"
	"github.com/haasonsaas/coderide/internal/stream"
	"github.com/haasonsaas/coderide/internal/usage"
)

// =============================================================================
// Run Handlers
// =============================================================================

func runTurn(cmd *cobra.Command, configPath, tapePath string, opts runOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	obsLogger := newLogger(cmd, cfg)
	logger := obsLogger.Slog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	primary, err := loadTape(tapePath)
	if err != nil {
		return err
	}
	prompt := opts.prompt
	if prompt == "" && primary.TotalTurns() > 0 {
		prompt = primary.Turns[0].Prompt
	}

	router, err := openRouter(cfg, logger)
	if err != nil {
		return err
	}
	if len(router.Pool(opts.family)) == 0 {
		return fmt.Errorf("no accounts configured for family %q", opts.family)
	}
	if cfg.Accounts.Watch {
		store := router.Store()
		if err := store.Watch(ctx, cfg.Accounts.WatchDebounce); err != nil {
			return fmt.Errorf("watch accounts: %w", err)
		}
		defer store.Close()
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled || opts.metrics {
		metrics = observability.NewMetrics(registry, cfg.Observability.Metrics.Namespace)
	}
	tracer, shutdown := observability.NewTracer(cfg.Observability.Tracing)
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	eventStore := observability.NewMemoryEventStore(1000)
	recorder := observability.NewEventRecorder(eventStore, obsLogger.WithFields("component", "timeline"))

	dashboard, closeLedger, err := openDashboard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	replayer := tape.NewReplayer(primary)
	provider, err := agent.NewMultiAccount(agent.MultiAccountConfig{
		Family: opts.family,
		Router: router,
		Factory: func(accounts.Account) (stream.Provider, error) {
			return replayer, nil
		},
		Usage:    dashboard,
		Pricing:  cfg.Pricing,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Recorder: recorder,
	})
	if err != nil {
		return err
	}

	req := agent.TurnRequest{
		Provider:  provider,
		Prompt:    prompt,
		Family:    opts.family,
		SwarmFull: opts.swarmFull,
	}
	if opts.swarmTape != "" {
		swarm, err := loadTape(opts.swarmTape)
		if err != nil {
			return err
		}
		req.Swarm = tape.NewReplayer(swarm)
		if opts.followUp {
			req.FollowUp = provider
		}
	}

	out := cmd.OutOrStdout()
	board := activity.NewBoard(cfg.Activity.BoardOptions(logger))
	board.OnCriticalTransition(func(tr activity.Transition) {
		logger.Info("swarm lane transition", "lane", tr.Lane.ID, "status", tr.Lane.Status)
	})
	printer, updates := agent.NewBackpressureSink(agent.DefaultBackpressureConfig())
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printUpdates(out, updates, opts.quiet)
	}()

	coord := agent.NewCoordinator(agent.CoordinatorConfig{
		Watchdog: cfg.Watchdog,
		Source:   opts.family,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Recorder: recorder,
	})
	states := agent.NewCallbackSink(func(_ context.Context, u agent.Update) {
		if u.Kind == agent.UpdateState {
			logger.Debug("flow state", "state", u.State)
		}
	})
	res, runErr := coord.RunTurn(ctx, req, agent.NewMultiSink(agent.NewBoardSink(board), states, printer))
	printer.Close()
	<-printed
	if n := printer.DroppedCount(); n > 0 {
		logger.Debug("text updates coalesced", "dropped", n)
	}
	if !opts.quiet {
		fmt.Fprintln(out)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dashboard.Close(closeCtx); err != nil {
		logger.Warn("usage flush failed", "error", err)
	}

	fmt.Fprintf(out, "Run %s %s in %s\n", res.RunID, res.State, res.Duration.Round(time.Millisecond))
	if lanes := board.Lanes(); len(lanes) > 0 {
		printLanes(out, lanes)
	}
	if events, _ := eventStore.GetByRunID(res.RunID); len(events) > 0 {
		fmt.Fprintln(out, observability.FormatTimeline(observability.BuildTimeline(events)))
	}
	printTotals(out, dashboard.Totals())
	printAccountUsage(out, router.Pool(opts.family), dashboard.Tracker(), time.Now())
	printRecentRequests(out, dashboard.Tracker().GetRecentRecords(10))
	if opts.metrics {
		if err := printMetrics(out, registry); err != nil {
			return err
		}
	}
	return runErr
}

// openDashboard builds the usage dashboard, persisting to the configured
// ledger when there is one.
func openDashboard(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*usage.Dashboard, func(), error) {
	tracker := usage.NewTracker(cfg.Usage.TrackerConfig())
	if strings.TrimSpace(cfg.Usage.Database) == "" {
		return usage.NewDashboard(tracker, nil, logger), func() {}, nil
	}
	store, err := usage.OpenSQLite(ctx, cfg.Usage.Database)
	if err != nil {
		return nil, nil, err
	}
	closeLedger := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close usage ledger failed", "error", err)
		}
	}
	return usage.NewDashboard(tracker, store, logger), closeLedger, nil
}

// printUpdates renders the merged update stream. Text updates carry the
// accumulated text of their phase, so only the unseen suffix is written and a
// coalesced update loses nothing. A banner marks the first text of a
// delegated phase.
func printUpdates(w io.Writer, updates <-chan agent.Update, quiet bool) {
	printed := make(map[agent.FlowState]int)
	for u := range updates {
		if quiet || u.Kind != agent.UpdateText {
			continue
		}
		n, seen := printed[u.Phase]
		if !seen && (u.Phase == agent.FlowDelegatedSwarm || u.Phase == agent.FlowFollowUp) {
			fmt.Fprintf(w, "\n--- %s ---\n", u.Phase)
		}
		if len(u.Text) > n {
			fmt.Fprint(w, u.Text[n:])
			n = len(u.Text)
		}
		printed[u.Phase] = n
	}
}

func printTotals(w io.Writer, totals []usage.Total) {
	if len(totals) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tMODEL\tUSAGE\tCOST")
	for _, t := range totals {
		model := t.Model
		if model == "" {
			model = "-"
		}
		u := t.Usage
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Family, model, usage.FormatUsage(&u), formatCost(t.CostUSD))
	}
	tw.Flush()
}

func printAccountUsage(w io.Writer, pool []accounts.AccountState, tracker *usage.Tracker, now time.Time) {
	if len(pool) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATE\tUSAGE")
	for _, st := range pool {
		used := "-"
		if u := tracker.GetAccountTotals(st.Account.ID); u != nil {
			used = usage.FormatUsage(u)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Account.ID, accountState(st, now), used)
	}
	tw.Flush()
}

func printRecentRequests(w io.Writer, records []usage.Record) {
	if len(records) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACCOUNT\tMODEL\tUSAGE\tCOST")
	for _, r := range records {
		model := r.Model
		if model == "" {
			model = "-"
		}
		u := r.Usage
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.TimeOnly), r.AccountID, model, usage.FormatUsage(&u), formatCost(r.Cost))
	}
	tw.Flush()
}

// printMetrics writes every counter and histogram sample count in the
// registry, one series per line.
func printMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			series := mf.GetName()
			if len(labels) > 0 {
				series += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", series, m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", series, m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				lines = append(lines, fmt.Sprintf("%s_count %d", series, m.GetHistogram().GetSampleCount()))
			}
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
