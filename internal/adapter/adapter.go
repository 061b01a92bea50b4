// Package adapter defines the capability contract implemented by every payment
// rail and biller integration, and contains the implementations for specific
// providers in its subpackages.
// Adapters are stateless request/response executors: they handle the provider's
// wire format, signing and error mapping, normalizing raw responses into a
// common Result. Retries of whole operations belong to the processor; adapters
// only retry transient HTTP failures through the shared httpretry client.
package adapter

import (
	"context"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// Status is a provider's view of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Descriptor is the static metadata used for provider selection.
type Descriptor struct {
	Name       string
	Currencies []string
	Countries  []string
	// FeeBps is the advertised fee in basis points; nil means unknown.
	FeeBps *int
}

// SupportsCurrency reports whether the provider accepts the currency.
func (d Descriptor) SupportsCurrency(currency string) bool {
	return slices.ContainsFunc(d.Currencies, func(c string) bool { return strings.EqualFold(c, currency) })
}

// SupportsCountry reports whether the provider operates in the country.
func (d Descriptor) SupportsCountry(country string) bool {
	return slices.ContainsFunc(d.Countries, func(c string) bool { return strings.EqualFold(c, country) })
}

// Customer identifies the payer or beneficiary at the provider.
type Customer struct {
	Email string
	Phone string
	Name  string
}

// BankAccount is a payout destination for withdrawals.
type BankAccount struct {
	AccountNumber string
	BankCode      string
	AccountName   string
}

// PaymentRequest asks a provider to collect money.
type PaymentRequest struct {
	// Reference is our transaction id. Providers use it as idempotency key.
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Country   string
	Customer  Customer
	Metadata  map[string]string
}

// WithdrawalRequest asks a provider to pay money out.
type WithdrawalRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Destination BankAccount
	Narration   string
}

// BillRequest asks a biller to fulfil a bill payment.
type BillRequest struct {
	Reference     string
	BillType      domain.BillType
	AccountNumber string
	ProviderCode  string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
}

// Result is the normalized outcome of a provider call.
type Result struct {
	Provider          string
	Reference         string // our reference echoed back
	ProviderReference string // the provider's own id
	Status            Status
	// Amount is what the provider reports as collected or sent, in major
	// units. Zero when the response does not say.
	Amount decimal.Decimal
	// Token is the delivery token returned by billers (e.g. prepaid meter token).
	Token       string
	Message     string
	CheckoutURL string
	RawResponse []byte
	Details     map[string]string
	HTTPStatus  int
	LatencyMs   int64
}

// ProviderAdapter is implemented by each payment rail integration.
type ProviderAdapter interface {
	// Descriptor returns the static metadata of the provider.
	Descriptor() Descriptor
	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string

	// Initiate starts a collection.
	Initiate(ctx context.Context, req PaymentRequest) (Result, error)
	// Verify confirms a collection by our reference.
	Verify(ctx context.Context, reference string) (Result, error)
	// Withdraw starts a payout.
	Withdraw(ctx context.Context, req WithdrawalRequest) (Result, error)
	// QueryStatus polls the provider for an operation by the provider's own reference.
	QueryStatus(ctx context.Context, providerReference string) (Result, error)

	// VerifyWebhook checks the signature of an inbound notification. It must
	// compare in constant time and return false for a missing signature.
	VerifyWebhook(signature string, payload []byte) bool
	// ParseWebhookEvent decodes a verified notification.
	ParseWebhookEvent(payload []byte) (domain.Notification, error)
}

// Biller is implemented by adapters that fulfil bill payments.
type Biller interface {
	ProviderAdapter
	// LookupAccount asks the biller to confirm an account and its status.
	LookupAccount(ctx context.Context, billType domain.BillType, accountNumber, providerCode string) (domain.AccountInfo, error)
	// PayBill purchases the bill; electricity results may carry a token.
	PayBill(ctx context.Context, req BillRequest) (Result, error)
}

// Name is shorthand for a.Descriptor().Name.
func Name(a ProviderAdapter) string {
	return a.Descriptor().Name
}
