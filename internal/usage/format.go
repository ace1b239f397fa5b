package usage

import (
	"fmt"
	"math"
	"strings"
)

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatPercentage formats a percentage value.
func FormatPercentage(value float64) string {
	if value < 1 {
		return fmt.Sprintf("%.2f%%", value)
	}
	if value < 10 {
		return fmt.Sprintf("%.1f%%", value)
	}
	return fmt.Sprintf("%.0f%%", value)
}

// FormatUsage formats usage for display.
func FormatUsage(usage *Usage) string {
	if usage == nil {
		return "0 tokens"
	}
	return FormatTokenCount(usage.Total()) + " tokens"
}

// FormatUsageDetailed formats usage with breakdown.
func FormatUsageDetailed(usage *Usage) string {
	if usage == nil {
		return "No usage"
	}
	var parts []string
	if usage.InputTokens > 0 {
		parts = append(parts, "in: "+FormatTokenCount(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		parts = append(parts, "out: "+FormatTokenCount(usage.OutputTokens))
	}
	if usage.CacheReadTokens > 0 {
		parts = append(parts, "cache-r: "+FormatTokenCount(usage.CacheReadTokens))
	}
	if usage.CacheWriteTokens > 0 {
		parts = append(parts, "cache-w: "+FormatTokenCount(usage.CacheWriteTokens))
	}
	if len(parts) == 0 {
		return "0 tokens"
	}
	return fmt.Sprintf("%s (%s)", FormatTokenCount(usage.Total()), strings.Join(parts, ", "))
}
