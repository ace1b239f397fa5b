// Package providers holds the backend-facing error taxonomy: a structured
// ProviderError and the classifier that decides whether a failure can be
// recovered by rotating to another account.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reason categorizes why a backend request failed.
type Reason string

const (
	// ReasonQuotaExhausted indicates the account ran out of quota or credit (HTTP 402).
	ReasonQuotaExhausted Reason = "quota_exhausted"

	// ReasonRateLimited indicates rate limiting (HTTP 429).
	ReasonRateLimited Reason = "rate_limited"

	// ReasonAuth indicates authentication failure (HTTP 401, 403)
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates request timeout
	ReasonTimeout Reason = "timeout"

	// ReasonServerError indicates server-side issues (HTTP 5xx)
	ReasonServerError Reason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400)
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable indicates the model is not available
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonContentFilter indicates content was blocked by safety filters
	ReasonContentFilter Reason = "content_filter"

	// ReasonUnknown indicates an unclassified error
	ReasonUnknown Reason = "unknown"
)

// RotatesAccount reports whether another account of the same backend may
// succeed where this one failed.
func (r Reason) RotatesAccount() bool {
	return r == ReasonQuotaExhausted || r == ReasonRateLimited
}

// ProviderError represents a structured error from a backend.
type ProviderError struct {
	Reason Reason

	// Provider is the backend family (e.g. "claude", "codex").
	Provider string

	// AccountID is the account the request ran under, if known.
	AccountID string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the backend-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RetryAfter is the server's retry hint, zero when absent.
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.AccountID != "" {
		parts = append(parts, fmt.Sprintf("account=%s", e.AccountID))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause and classifies it from its text.
func NewProviderError(provider string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
		if secs, ok := parseRetryAfter(cause.Error()); ok {
			err.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return err
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a backend-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRetryAfter records the server's retry hint.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// WithAccount records which account produced the error.
func (e *ProviderError) WithAccount(accountID string) *ProviderError {
	e.AccountID = accountID
	return e
}

// ClassifiedFailure is the rotation-relevant view of an error.
type ClassifiedFailure struct {
	IsQuotaExhaustion bool   `json:"is_quota_exhaustion"`
	IsRateLimited     bool   `json:"is_rate_limited"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
	NormalizedCode    string `json:"normalized_code"`
}

// Recoverable reports whether the failure should trigger account rotation.
func (f ClassifiedFailure) Recoverable() bool {
	return f.IsQuotaExhaustion || f.IsRateLimited
}

// RetryAfter returns the retry hint as a duration, zero when absent.
func (f ClassifiedFailure) RetryAfter() time.Duration {
	if f.RetryAfterSeconds == nil {
		return 0
	}
	return time.Duration(*f.RetryAfterSeconds) * time.Second
}

// Classifier maps a backend error to a ClassifiedFailure. Backends with
// their own error vocabulary supply their own implementation.
type Classifier interface {
	Classify(err error) ClassifiedFailure
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) ClassifiedFailure

// Classify calls f(err).
func (f ClassifierFunc) Classify(err error) ClassifiedFailure {
	return f(err)
}

// DefaultClassifier classifies structured ProviderErrors by their fields and
// anything else by its message.
type DefaultClassifier struct{}

// Classify implements Classifier.
func (DefaultClassifier) Classify(err error) ClassifiedFailure {
	if err == nil {
		return ClassifiedFailure{NormalizedCode: string(ReasonUnknown)}
	}

	reason := ClassifyError(err)
	code := ""
	var retryAfter time.Duration
	if pe, ok := GetProviderError(err); ok {
		reason = pe.Reason
		code = pe.Code
		retryAfter = pe.RetryAfter
	}

	failure := ClassifiedFailure{
		IsQuotaExhaustion: reason == ReasonQuotaExhausted,
		IsRateLimited:     reason == ReasonRateLimited,
		NormalizedCode:    string(reason),
	}
	if code != "" {
		failure.NormalizedCode = strings.ToLower(code)
	}

	if retryAfter > 0 {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		failure.RetryAfterSeconds = &secs
	} else if secs, ok := parseRetryAfter(err.Error()); ok {
		failure.RetryAfterSeconds = &secs
	}
	return failure
}

// ClassifyError inspects an error message and returns the matching Reason.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	errStr := strings.ToLower(err.Error())

	// Quota and rate limits first: CLI backends often mention a timeout in the
	// same sentence ("usage limit reached, try again after the timeout").
	if strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "usage limit") ||
		strings.Contains(errStr, "credit balance") ||
		strings.Contains(errStr, "402") {
		return ReasonQuotaExhausted
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "ratelimit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "resource exhausted") ||
		strings.Contains(errStr, "resource_exhausted") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimited
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "not logged in") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}

	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return ReasonContentFilter
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return ReasonModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry[-_ ]?after[\s:=]+(\d+)\s*(s|sec|secs|seconds|m|min|mins|minutes)?\b`),
	regexp.MustCompile(`(?i)try again in\s+(\d+)\s*(s|sec|secs|seconds|m|min|mins|minutes)\b`),
}

// parseRetryAfter extracts a retry hint in seconds from an error message.
func parseRetryAfter(msg string) (int, bool) {
	for _, re := range retryAfterPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(m[2]), "m") {
			n *= 60
		}
		return n, true
	}
	return 0, false
}

// classifyStatusCode returns a Reason based on HTTP status code.
func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonQuotaExhausted
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyErrorCode returns a Reason based on backend-specific error codes.
func classifyErrorCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "resource_exhausted", "overloaded_error":
		return ReasonRateLimited
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota", "usage_limit_reached":
		return ReasonQuotaExhausted
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "api_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}
