package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountInfo is the outcome of verifying a bill target.
type AccountInfo struct {
	AccountID          string
	CustomerName       string
	AccountType        string
	Status             string
	OutstandingBalance decimal.Decimal
	AdditionalInfo     map[string]string
}

// IsActive reports whether the biller considers the account active.
func (a AccountInfo) IsActive() bool {
	return a.Status == "active"
}

const defaultBackoff = 30 * time.Second

// RetryPolicy bounds how often a failing provider call is attempted.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffSeconds []int
}

// DefaultRetryPolicy is 3 attempts spaced 30s, 60s, 120s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffSeconds: []int{30, 60, 120}}
}

// Backoff returns the wait before retry number n (1-based). The last entry is
// reused once the sequence is exhausted; an empty sequence yields 30s.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if len(p.BackoffSeconds) == 0 {
		return defaultBackoff
	}
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.BackoffSeconds) {
		i = len(p.BackoffSeconds) - 1
	}
	return time.Duration(p.BackoffSeconds[i]) * time.Second
}
