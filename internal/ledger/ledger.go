// Package ledger submits settlement-asset transfers: refunds and payment
// settlements to customer wallets.
package ledger

import (
	"context"
	"errors"
	"regexp"

	"github.com/shopspring/decimal"
)

// DefaultAsset is the settlement asset code.
const DefaultAsset = "cNGN"

var (
	ErrInvalidDestination = errors.New("ledger: invalid destination")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	// ErrNetwork covers timeouts and unreachable gateways. It is the only
	// retryable ledger failure.
	ErrNetwork = errors.New("ledger: network error")
	ErrSigning = errors.New("ledger: signing failed")
)

// Transfer is one outbound movement of the settlement asset.
type Transfer struct {
	Destination string
	Amount      decimal.Decimal
	Asset       string
	Memo        string
}

// Client builds, signs and submits transfers.
type Client interface {
	// SubmitTransfer returns the ledger transaction hash.
	SubmitTransfer(ctx context.Context, t Transfer) (string, error)
	// FindTransferByMemo returns the hash of a settled transfer carrying memo.
	FindTransferByMemo(ctx context.Context, memo string) (hash string, found bool, err error)
}

var destinationPattern = regexp.MustCompile(`^G[A-Z2-7]{55}$`)

// ValidDestination reports whether s is a well-formed account address.
func ValidDestination(s string) bool {
	return destinationPattern.MatchString(s)
}

// Validate checks t before anything is signed.
func Validate(t Transfer) error {
	if !ValidDestination(t.Destination) {
		return ErrInvalidDestination
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if t.Memo == "" {
		return errors.New("ledger: memo is required")
	}
	return nil
}

// IsRetryable reports whether a submit failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded)
}
