package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestReasonRotatesAccount(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonQuotaExhausted, true},
		{ReasonRateLimited, true},
		{ReasonTimeout, false},
		{ReasonServerError, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.RotatesAccount(); got != tt.expected {
				t.Errorf("Reason(%q).RotatesAccount() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil error", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimited},
		{"too many requests", errors.New("too many requests"), ReasonRateLimited},
		{"429 status", errors.New("HTTP 429"), ReasonRateLimited},
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED: try later"), ReasonRateLimited},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"invalid api key", errors.New("invalid api key"), ReasonAuth},
		{"billing", errors.New("billing issue"), ReasonQuotaExhausted},
		{"quota exceeded", errors.New("You exceeded your current quota"), ReasonQuotaExhausted},
		{"cli usage limit", errors.New("Claude usage limit reached, resets in 2 hours"), ReasonQuotaExhausted},
		{"content filter", errors.New("content_filter triggered"), ReasonContentFilter},
		{"model not found", errors.New("model not found"), ReasonModelUnavailable},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"500 status", errors.New("HTTP 500"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("rate limit exceeded")
	err := NewProviderError("claude", cause).WithAccount("acc-1").WithStatus(429).WithCode("rate_limit_error")

	if err.Reason != ReasonRateLimited {
		t.Errorf("Reason = %q, want %q", err.Reason, ReasonRateLimited)
	}
	msg := err.Error()
	for _, want := range []string{"[rate_limited]", "claude", "account=acc-1", "status=429", "code=rate_limit_error"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("ProviderError should unwrap to its cause")
	}
}

func TestProviderError_StatusReclassifies(t *testing.T) {
	err := NewProviderError("codex", errors.New("request failed")).WithStatus(402)
	if err.Reason != ReasonQuotaExhausted {
		t.Errorf("Reason = %q, want %q", err.Reason, ReasonQuotaExhausted)
	}

	err = NewProviderError("codex", errors.New("rate limit")).WithStatus(200)
	if err.Reason != ReasonRateLimited {
		t.Errorf("unknown status must keep the message classification, got %q", err.Reason)
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		quota      bool
		rate       bool
		retryAfter int
		code       string
	}{
		{
			name: "plain rate limit with hint",
			err:  errors.New("429 Too Many Requests: retry after 30s"),
			rate: true, retryAfter: 30, code: "rate_limited",
		},
		{
			name:  "quota in minutes",
			err:   errors.New("quota exhausted, try again in 2 minutes"),
			quota: true, retryAfter: 120, code: "quota_exhausted",
		},
		{
			name: "structured error wins",
			err: fmt.Errorf("stream: %w", NewProviderError("claude", errors.New("boom")).
				WithCode("overloaded_error").WithRetryAfter(5*time.Second)),
			rate: true, retryAfter: 5, code: "overloaded_error",
		},
		{
			name: "hard error",
			err:  errors.New("invalid request: missing field"),
			code: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultClassifier{}.Classify(tt.err)
			if got.IsQuotaExhaustion != tt.quota || got.IsRateLimited != tt.rate {
				t.Errorf("Classify() = %+v, want quota=%v rate=%v", got, tt.quota, tt.rate)
			}
			if got.NormalizedCode != tt.code {
				t.Errorf("NormalizedCode = %q, want %q", got.NormalizedCode, tt.code)
			}
			if tt.retryAfter == 0 {
				if got.RetryAfterSeconds != nil {
					t.Errorf("RetryAfterSeconds = %d, want nil", *got.RetryAfterSeconds)
				}
			} else if got.RetryAfterSeconds == nil || *got.RetryAfterSeconds != tt.retryAfter {
				t.Errorf("RetryAfterSeconds = %v, want %d", got.RetryAfterSeconds, tt.retryAfter)
			}
			if got.Recoverable() != (tt.quota || tt.rate) {
				t.Errorf("Recoverable() = %v", got.Recoverable())
			}
		})
	}
}

func TestClassifiedFailure_RetryAfter(t *testing.T) {
	secs := 7
	f := ClassifiedFailure{RetryAfterSeconds: &secs}
	if f.RetryAfter() != 7*time.Second {
		t.Errorf("RetryAfter() = %v, want 7s", f.RetryAfter())
	}
	if (ClassifiedFailure{}).RetryAfter() != 0 {
		t.Error("RetryAfter() without hint should be zero")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonQuotaExhausted},
		{429, ReasonRateLimited},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{504, ReasonTimeout},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.expected {
				t.Errorf("classifyStatusCode(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}
