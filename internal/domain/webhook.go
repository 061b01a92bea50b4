package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the internal meaning of a provider notification.
type Action string

const (
	ActionPaymentSuccess    Action = "payment_success"
	ActionPaymentFailure    Action = "payment_failure"
	ActionWithdrawalSuccess Action = "withdrawal_success"
	ActionWithdrawalFailure Action = "withdrawal_failure"
	ActionBillSuccess       Action = "bill_success"
	ActionBillFailure       Action = "bill_failure"
	ActionUnknown           Action = "unknown"
)

// Succeeded reports whether the action confirms a successful outcome.
func (a Action) Succeeded() bool {
	return a == ActionPaymentSuccess || a == ActionWithdrawalSuccess || a == ActionBillSuccess
}

// Notification is a provider webhook reduced to the fields the engine acts on.
type Notification struct {
	Provider  string
	EventID   string
	EventType string
	// TransactionRef is our transaction id echoed back by the provider, if any.
	TransactionRef    string
	ProviderReference string
	Status            string
	Amount            decimal.Decimal
	Currency          string
	Token             string
	Message           string
}

// WebhookEvent is the persisted record of one inbound delivery.
type WebhookEvent struct {
	ID                string
	Provider          string
	EventID           string
	EventType         string
	TransactionRef    string
	ProviderReference string
	Status            Action
	Payload           []byte
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
	Attempts          int
	LastError         string
}

// DedupKey is the (provider, event id) pair processed at most once.
func (e *WebhookEvent) DedupKey() string {
	return DedupKey(e.Provider, e.EventID)
}

// DedupKey joins a provider name and its event id.
func DedupKey(provider, eventID string) string {
	return provider + ":" + eventID
}
