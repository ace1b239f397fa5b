// Package config loads coderide configuration from YAML or JSON5 files with
// environment expansion, $include merging, defaults and validation.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/coderide/internal/accounts"
	"github.com/haasonsaas/coderide/internal/activity"
	"github.com/haasonsaas/coderide/internal/backoff"
	"github.com/haasonsaas/coderide/internal/observability"
	"github.com/haasonsaas/coderide/internal/stream"
	"github.com/haasonsaas/coderide/internal/usage"
)

// Config is the main configuration structure for coderide.
type Config struct {
	Version       int                     `yaml:"version"`
	Logging       observability.LogConfig `yaml:"logging"`
	Watchdog      stream.Watchdog         `yaml:"watchdog"`
	Activity      ActivityConfig          `yaml:"activity"`
	Accounts      AccountsConfig          `yaml:"accounts"`
	Pricing       usage.Pricing           `yaml:"pricing"`
	Usage         UsageConfig             `yaml:"usage"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// ActivityConfig sizes the live aggregator.
type ActivityConfig struct {
	ActiveOpsWindow      int  `yaml:"active_ops_window"`
	MaxEntries           int  `yaml:"max_entries"`
	LaneDedupWindow      int  `yaml:"lane_dedup_window"`
	LaneDisplayWindow    int  `yaml:"lane_display_window"`
	OrchestratorFallback bool `yaml:"orchestrator_fallback"`
}

// BoardOptions converts the section into board options.
func (c ActivityConfig) BoardOptions(logger *slog.Logger) activity.BoardOptions {
	return activity.BoardOptions{
		Log: activity.LogOptions{
			ActiveOpsWindow: c.ActiveOpsWindow,
			MaxEntries:      c.MaxEntries,
		},
		DedupWindow:          c.LaneDedupWindow,
		DisplayWindow:        c.LaneDisplayWindow,
		OrchestratorFallback: c.OrchestratorFallback,
		Logger:               logger,
	}
}

// AccountsConfig configures the account pool.
type AccountsConfig struct {
	// StateDir holds accounts.json. Empty keeps the pool in memory.
	StateDir string `yaml:"state_dir"`

	// Watch reloads accounts.json when another process edits it.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// Cooldown applies to rate-limited accounts, QuotaCooldown to
	// quota-exhausted ones, when the backend gave no retry hint.
	Cooldown      backoff.Policy `yaml:"cooldown"`
	QuotaCooldown backoff.Policy `yaml:"quota_cooldown"`

	// Seed accounts are upserted into the store at startup.
	Seed []AccountEntry `yaml:"seed"`
}

// AccountEntry declares one account.
type AccountEntry struct {
	ID            string `yaml:"id"`
	Family        string `yaml:"family"`
	Label         string `yaml:"label"`
	Enabled       *bool  `yaml:"enabled"`
	CredentialRef string `yaml:"credential_ref"`
	Priority      int    `yaml:"priority"`
}

// Account converts the entry. Accounts are enabled unless stated otherwise.
func (e AccountEntry) Account() accounts.Account {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return accounts.Account{
		ID:            strings.TrimSpace(e.ID),
		Family:        strings.TrimSpace(e.Family),
		Label:         e.Label,
		Enabled:       enabled,
		CredentialRef: e.CredentialRef,
		Priority:      e.Priority,
	}
}

// UsageConfig configures usage tracking and the SQL ledger.
type UsageConfig struct {
	// Database is the SQLite ledger path. Empty disables persistence.
	Database string        `yaml:"database"`
	MaxAge   time.Duration `yaml:"max_age"`
	MaxCount int           `yaml:"max_count"`

	// Retention prunes ledger rows older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// TrackerConfig converts the section into tracker settings.
func (c UsageConfig) TrackerConfig() usage.TrackerConfig {
	return usage.TrackerConfig{MaxAge: c.MaxAge, MaxCount: c.MaxCount}
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing observability.TraceConfig `yaml:"tracing"`
	Metrics MetricsConfig             `yaml:"metrics"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ConfigValidationError lists every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config invalid: " + strings.Join(e.Issues, "; ")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Version != 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	def := stream.DefaultWatchdog()
	if cfg.Watchdog.ColdStart == 0 {
		cfg.Watchdog.ColdStart = def.ColdStart
	}
	if cfg.Watchdog.Inactivity == 0 {
		cfg.Watchdog.Inactivity = def.Inactivity
	}

	if cfg.Activity.ActiveOpsWindow == 0 {
		cfg.Activity.ActiveOpsWindow = activity.DefaultActiveOpsWindow
	}
	if cfg.Activity.LaneDedupWindow == 0 {
		cfg.Activity.LaneDedupWindow = activity.DefaultDedupWindow
	}
	if cfg.Activity.LaneDisplayWindow == 0 {
		cfg.Activity.LaneDisplayWindow = activity.DefaultDisplayWindow
	}

	if cfg.Accounts.WatchDebounce == 0 {
		cfg.Accounts.WatchDebounce = 250 * time.Millisecond
	}
	if cfg.Accounts.Cooldown == (backoff.Policy{}) {
		cfg.Accounts.Cooldown = backoff.DefaultCooldownPolicy()
	}
	if cfg.Accounts.QuotaCooldown == (backoff.Policy{}) {
		cfg.Accounts.QuotaCooldown = backoff.QuotaCooldownPolicy()
	}

	tracker := usage.DefaultTrackerConfig()
	if cfg.Usage.MaxAge == 0 {
		cfg.Usage.MaxAge = tracker.MaxAge
	}
	if cfg.Usage.MaxCount == 0 {
		cfg.Usage.MaxCount = tracker.MaxCount
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "coderide"
	}
	if cfg.Observability.Metrics.Namespace == "" {
		cfg.Observability.Metrics.Namespace = "coderide"
	}
}

// Validate reports every invalid setting at once.
func Validate(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q must be debug, info, warn or error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", cfg.Logging.Format)
	}

	if cfg.Watchdog.ColdStart < 0 || cfg.Watchdog.Inactivity < 0 {
		add("watchdog budgets must not be negative")
	}

	if cfg.Activity.ActiveOpsWindow < 0 || cfg.Activity.MaxEntries < 0 ||
		cfg.Activity.LaneDedupWindow < 0 || cfg.Activity.LaneDisplayWindow < 0 {
		add("activity windows must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Accounts.Seed))
	for i, entry := range cfg.Accounts.Seed {
		acc := entry.Account()
		if acc.ID == "" || acc.Family == "" {
			add("accounts.seed[%d] requires id and family", i)
			continue
		}
		if seen[acc.ID] {
			add("accounts.seed[%d] duplicates id %q", i, acc.ID)
		}
		seen[acc.ID] = true
	}
	for name, p := range map[string]backoff.Policy{
		"cooldown":       cfg.Accounts.Cooldown,
		"quota_cooldown": cfg.Accounts.QuotaCooldown,
	} {
		if p.Initial < 0 || p.Max < 0 || p.Jitter < 0 || p.Jitter > 1 {
			add("accounts.%s is out of range", name)
		}
	}

	for key, cost := range cfg.Pricing {
		if cost.Input < 0 || cost.Output < 0 || cost.CacheRead < 0 || cost.CacheWrite < 0 {
			add("pricing.%s must not be negative", key)
		}
	}

	if cfg.Usage.MaxCount < 0 || cfg.Usage.Retention < 0 {
		add("usage limits must not be negative")
	}

	if rate := cfg.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate %v must be between 0 and 1", rate)
	}

	if len(issues) == 0 {
		return nil
	}
	return &ConfigValidationError{Issues: issues}
}
