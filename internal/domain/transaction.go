// Package domain holds the settlement data model: transactions and their state
// graphs, webhook events, account verification outcomes, retry policy and the
// error taxonomy shared by every other package.
package domain

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BillType identifies the biller category of a bill payment.
type BillType string

const (
	BillElectricity BillType = "electricity"
	BillAirtime     BillType = "airtime"
	BillData        BillType = "data"
	BillCable       BillType = "cable"
	BillWater       BillType = "water"
)

// ParseBillType normalizes a bill type token. Unknown tokens are returned as-is so
// that the verifier can reject them with a precise reason.
func ParseBillType(s string) BillType {
	return BillType(strings.ToLower(strings.TrimSpace(s)))
}

// Transaction is a payment, withdrawal or bill payment record.
//
// Amount and Currency never change after creation. ProviderReference and
// RefundTxHash are write-once. State only moves along the kind's graph.
type Transaction struct {
	ID                string
	Kind              Kind
	Amount            decimal.Decimal
	Currency          string
	Country           string
	State             State
	Provider          string
	ProviderReference string
	RetryCount        int
	LastRetryAt       *time.Time
	ErrorMessage      string
	RefundTxHash      string
	SettlementTxHash  string

	// WalletAddress is the ledger account that receives settlements and refunds.
	WalletAddress  string
	ReceivedAmount decimal.Decimal

	BillType      BillType
	AccountNumber string
	ProviderCode  string
	AccountType   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Token         string

	Metadata map[string]string

	// Version is bumped by the store on every successful update.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTransaction builds a transaction in the kind's initial state.
func NewTransaction(kind Kind, amount decimal.Decimal, currency string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, NewValidationError("amount", "must be positive")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) < 3 {
		return nil, NewValidationError("currency", "must be an ISO code")
	}
	now := time.Now().UTC()
	return &Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Amount:    amount,
		Currency:  currency,
		State:     kind.InitialState(),
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal reports whether the transaction has reached a final outcome.
func (t *Transaction) IsTerminal() bool {
	return t.Kind.IsTerminal(t.State)
}

// TransitionTo moves the transaction to the next state. Moving to the current
// state is a no-op; anything outside the graph is rejected.
func (t *Transaction) TransitionTo(next State) error {
	if t.State == next {
		return nil
	}
	if t.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, t.ID, t.State)
	}
	if !t.Kind.CanTransition(t.State, next) {
		return &InvalidTransitionError{Kind: t.Kind, From: t.State, To: next}
	}
	t.State = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignProviderReference records the provider's id for this transaction.
// Re-assigning the same value is allowed; a different value is a conflict.
func (t *Transaction) AssignProviderReference(ref string) error {
	if ref == "" || t.ProviderReference == ref {
		return nil
	}
	if t.ProviderReference != "" {
		return fmt.Errorf("%w: %s has %q, got %q", ErrProviderReferenceConflict, t.ID, t.ProviderReference, ref)
	}
	t.ProviderReference = ref
	return nil
}

// SetRefundTxHash records the ledger hash of a settled refund. It is write-once.
func (t *Transaction) SetRefundTxHash(hash string) error {
	if hash == "" {
		return NewValidationError("refund_tx_hash", "empty hash")
	}
	if t.RefundTxHash == hash {
		return nil
	}
	if t.RefundTxHash != "" {
		return fmt.Errorf("%w: %s", ErrRefundHashAlreadySet, t.ID)
	}
	t.RefundTxHash = hash
	return nil
}

// RecordRetry bumps the persisted retry counter.
func (t *Transaction) RecordRetry(at time.Time) {
	t.RetryCount++
	at = at.UTC()
	t.LastRetryAt = &at
}

// Clone returns a deep copy, used by stores to avoid sharing maps.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	if t.LastRetryAt != nil {
		at := *t.LastRetryAt
		c.LastRetryAt = &at
	}
	return &c
}

// CollectedAmount is what actually reached us: the received amount when one
// was recorded, otherwise the requested amount.
func (t *Transaction) CollectedAmount() decimal.Decimal {
	if t.ReceivedAmount.IsPositive() {
		return t.ReceivedAmount
	}
	return t.Amount
}

// RefundMemo is the ledger memo used for the refund of this transaction.
func (t *Transaction) RefundMemo() string {
	return "refund:" + t.ID
}

// SettlementMemo is the ledger memo used to credit a completed fiat payment.
func (t *Transaction) SettlementMemo() string {
	return "settle:" + t.ID
}
