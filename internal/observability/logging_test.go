package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to parse JSON log output %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{name: "json format", config: LogConfig{Level: "info", Format: "json"}},
		{name: "text format", config: LogConfig{Level: "debug", Format: "text"}},
		{name: "defaults", config: LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.logger == nil {
				t.Error("Logger.logger is nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["msg"] != "warn message" {
		t.Errorf("first msg = %v", entries[0]["msg"])
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRunID(context.Background(), "run-1")
	ctx = AddAccountID(ctx, "acc-2")
	ctx = AddFamily(ctx, "claude")
	logger.Info(ctx, "attempt", "n", 1)

	entry := decodeLines(t, &buf)[0]
	for key, want := range map[string]any{"run_id": "run-1", "account_id": "acc-2", "family": "claude", "n": float64(1)} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %v", key, entry[key], want)
		}
	}
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		name   string
		args   []any
		secret string
	}{
		{"api key string", []any{"detail", "api_key=abcdef1234567890abcdef"}, "abcdef1234567890abcdef"},
		{"bearer token", []any{"header", "Bearer abcdefghijklmnopqrstuvwxyz"}, "abcdefghijklmnopqrstuvwxyz"},
		{"error value", []any{"error", errors.New("password: hunter2hunter2")}, "hunter2hunter2"},
		{"sensitive map key", []any{"payload", map[string]string{"token": "plain", "path": "a.go"}}, "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Format: "json", Output: &buf})
			logger.Info(context.Background(), "event", tt.args...)
			if strings.Contains(buf.String(), tt.secret) {
				t.Errorf("secret leaked: %s", buf.String())
			}
			if !strings.Contains(buf.String(), "[REDACTED]") {
				t.Errorf("expected redaction marker: %s", buf.String())
			}
		})
	}
}

func TestRedactCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf, RedactPatterns: []string{`acct-[0-9]{6}`}})
	logger.Warn(context.Background(), "saw acct-123456")
	if strings.Contains(buf.String(), "acct-123456") {
		t.Errorf("custom pattern not applied: %s", buf.String())
	}
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	sl := logger.Slog().With("component", "accounts")

	ctx := AddRunID(context.Background(), "run-9")
	sl.InfoContext(ctx, "cooling down",
		"credential_ref", "keychain:work",
		"error", errors.New("token: abcdefghijklmnopqrstuvwxyz0123"),
		slog.Group("account", "id", "acc-1"),
	)

	entry := decodeLines(t, &buf)[0]
	if entry["run_id"] != "run-9" {
		t.Errorf("run_id = %v", entry["run_id"])
	}
	if entry["component"] != "accounts" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["credential_ref"] != "[REDACTED]" {
		t.Errorf("credential_ref = %v", entry["credential_ref"])
	}
	if strings.Contains(buf.String(), "abcdefghijklmnopqrstuvwxyz0123") {
		t.Errorf("token leaked: %s", buf.String())
	}
	group, ok := entry["account"].(map[string]any)
	if !ok || group["id"] != "acc-1" {
		t.Errorf("account group = %v", entry["account"])
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf}).WithFields("component", "flow")
	logger.Info(context.Background(), "x")
	if decodeLines(t, &buf)[0]["component"] != "flow" {
		t.Errorf("component missing: %s", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if GetRunID(ctx) != "" || GetAccountID(ctx) != "" {
		t.Error("empty context should yield empty ids")
	}
	ctx = AddAccountID(AddRunID(ctx, "r"), "a")
	if GetRunID(ctx) != "r" || GetAccountID(ctx) != "a" {
		t.Errorf("got run=%q account=%q", GetRunID(ctx), GetAccountID(ctx))
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := LogLevelFromString(tt.input); got != tt.want {
				t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
