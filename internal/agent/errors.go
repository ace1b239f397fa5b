package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for turn execution
var (
	// ErrNoAccountAvailable indicates the router had no usable account for the family
	ErrNoAccountAvailable = errors.New("no account available")

	// ErrAllAccountsExhausted indicates every account of the family was tried and failed
	ErrAllAccountsExhausted = errors.New("all accounts exhausted")

	// ErrNoProvider indicates a sub-turn has no provider configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrTurnInProgress indicates a turn was started while another is running
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrInterrupted indicates the caller interrupted the turn
	ErrInterrupted = errors.New("turn interrupted")
)

// FailoverError is the terminal failure of a multi-account request. It
// unwraps to ErrAllAccountsExhausted when rotation ran out of accounts, and
// to the last backend error.
type FailoverError struct {
	// Family is the backend family the request ran against
	Family string

	// AccountID is the account of the last attempt
	AccountID string

	// Attempted lists every account tried, in order
	Attempted []string

	// Code is the classified failure code of the last attempt
	Code string

	// Exhausted is set when no further account was available
	Exhausted bool

	Cause error
}

// Error implements the error interface.
func (e *FailoverError) Error() string {
	var parts []string
	if e.Exhausted {
		parts = append(parts, ErrAllAccountsExhausted.Error())
	} else {
		parts = append(parts, "request failed")
	}
	parts = append(parts, fmt.Sprintf("family=%s", e.Family))
	if e.AccountID != "" {
		parts = append(parts, fmt.Sprintf("account=%s", e.AccountID))
	}
	if len(e.Attempted) > 1 {
		parts = append(parts, fmt.Sprintf("attempted=%s", strings.Join(e.Attempted, ",")))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	msg := strings.Join(parts, " ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the sentinel, when exhausted, and the underlying error.
func (e *FailoverError) Unwrap() []error {
	var errs []error
	if e.Exhausted {
		errs = append(errs, ErrAllAccountsExhausted)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// GetFailoverError extracts a FailoverError from an error chain.
func GetFailoverError(err error) (*FailoverError, bool) {
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// TurnError wraps a failure with the sub-turn it happened in.
type TurnError struct {
	// Phase is the flow state that was active when the error occurred
	Phase FlowState

	Cause error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}
