package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrValidation marks caller-fixable input problems. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidSignature is returned when a webhook signature is missing or wrong.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrAlreadyProcessed marks a duplicate webhook delivery. Callers treat it as success.
	ErrAlreadyProcessed = errors.New("webhook event already processed")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConcurrentUpdate is returned when a compare-and-set on a record loses.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrUnknownState is returned when a persisted state token cannot be decoded.
	ErrUnknownState = errors.New("unknown state")
	// ErrProviderReferenceConflict is returned when a second, different provider
	// reference is offered for a transaction.
	ErrProviderReferenceConflict = errors.New("provider reference already assigned")
	// ErrRefundHashAlreadySet guards the refund hash against being overwritten.
	ErrRefundHashAlreadySet = errors.New("refund transaction hash already set")
	// ErrTerminalState is returned when a transition is attempted out of a terminal state.
	ErrTerminalState = errors.New("transaction is in a terminal state")
)

// ValidationError describes a malformed account, amount, memo or request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError is a shorthand for &ValidationError{...}.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError is a failed call to a provider. Retryable is derived from the HTTP
// status class: 429 and 5xx are retryable, other 4xx are not.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	// RetryAfter is set for rate limiting responses carrying a Retry-After hint.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// IsRateLimited reports whether the provider answered 429.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// NewProviderError classifies a non-2xx provider response.
func NewProviderError(provider string, status int, code, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Code:       code,
		Message:    message,
		Retryable:  RetryableStatus(status),
	}
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// ProviderDisabledError is returned by the registry for providers outside the enabled set.
type ProviderDisabledError struct {
	Name string
}

func (e *ProviderDisabledError) Error() string {
	return fmt.Sprintf("provider %q is not enabled", e.Name)
}

// RetryLimitExceededError is the terminal outcome of an exhausted retry loop.
type RetryLimitExceededError struct {
	Attempts int
	Last     error
}

func (e *RetryLimitExceededError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("retry limit exceeded after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("retry limit exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryLimitExceededError) Unwrap() error { return e.Last }

// InvalidTransitionError signals a defect: an edge outside the kind's graph.
type InvalidTransitionError struct {
	Kind Kind
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

// AccountVerificationFailedError is returned by the account verifier.
type AccountVerificationFailedError struct {
	Reason string
}

func (e *AccountVerificationFailedError) Error() string {
	return "account verification failed: " + e.Reason
}

// TokenValidationError is returned when a biller delivery token is malformed.
type TokenValidationError struct {
	BillType BillType
	Reason   string
}

func (e *TokenValidationError) Error() string {
	return fmt.Sprintf("invalid %s token: %s", e.BillType, e.Reason)
}

// IsRetryable reports whether err belongs to a transient failure class.
// Unclassified errors are treated as transient so a flaky adapter is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidSignature) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ave *AccountVerificationFailedError
	if errors.As(err, &ave) {
		return false
	}
	return true
}
