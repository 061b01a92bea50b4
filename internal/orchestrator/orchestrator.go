// Package orchestrator drives a transaction from creation to a terminal state.
// It selects providers through the router, calls them through the processor,
// applies asynchronous notifications and hands failed money movements to the
// refund handler. Every state change is a compare-and-set write on the store,
// so concurrent callers (API, webhooks, retry worker) serialize per transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/bill/verifier"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/events"
	"github.com/yourorg/settlement-orchestrator/internal/ledger"
	"github.com/yourorg/settlement-orchestrator/internal/processor"
	"github.com/yourorg/settlement-orchestrator/internal/refund"
	"github.com/yourorg/settlement-orchestrator/internal/registry"
	"github.com/yourorg/settlement-orchestrator/internal/router"
	"github.com/yourorg/settlement-orchestrator/internal/store"
)

// Observer receives transition and refund outcomes; the metrics package implements it.
type Observer interface {
	ObserveTransition(kind, from, to string)
	ObserveRefund(outcome string)
}

// Quoter converts a fiat amount into the settlement asset.
type Quoter interface {
	Quote(ctx context.Context, currency string, amount decimal.Decimal) (decimal.Decimal, error)
}

// ErrNoRate is returned by Parity for currencies other than NGN.
var ErrNoRate = errors.New("orchestrator: no settlement rate for currency")

// Parity quotes NGN one to one against cNGN.
type Parity struct{}

func (Parity) Quote(_ context.Context, currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	if strings.EqualFold(currency, "NGN") {
		return amount, nil
	}
	return decimal.Zero, fmt.Errorf("%w %s", ErrNoRate, currency)
}

// Deps are the collaborators of an Orchestrator. Events, Observer and Quoter
// are optional.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Router    *router.Router
	Processor *processor.Processor
	Verifier  *verifier.Verifier
	Refunds   *refund.Handler
	Ledger    ledger.Client
	Events    events.Publisher
	Observer  Observer
	Quoter    Quoter
}

// Config tunes the orchestrator.
type Config struct {
	// Retry bounds provider attempts for every kind.
	Retry domain.RetryPolicy
	// Biller is used for bill payments created without a provider.
	Biller string
	// Asset is the settlement asset code. Defaults to ledger.DefaultAsset.
	Asset string
	// UpdateAttempts bounds reload-and-retry on a lost compare-and-set. Zero means 5.
	UpdateAttempts int
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Orchestrator coordinates transactions. It is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Orchestrator. It panics on missing mandatory collaborators.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	switch {
	case deps.Store == nil:
		panic("store cannot be nil")
	case deps.Registry == nil:
		panic("registry cannot be nil")
	case deps.Router == nil:
		panic("router cannot be nil")
	case deps.Processor == nil:
		panic("processor cannot be nil")
	case deps.Verifier == nil:
		panic("verifier cannot be nil")
	case deps.Refunds == nil:
		panic("refund handler cannot be nil")
	case deps.Ledger == nil:
		panic("ledger client cannot be nil")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Quoter == nil {
		deps.Quoter = Parity{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = domain.DefaultRetryPolicy()
	}
	if cfg.Asset == "" {
		cfg.Asset = ledger.DefaultAsset
	}
	if cfg.UpdateAttempts <= 0 {
		cfg.UpdateAttempts = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		tracer: otel.Tracer("settlement-orchestrator/orchestrator"),
	}
}

// RetryPolicy is the policy applied to provider calls.
func (o *Orchestrator) RetryPolicy() domain.RetryPolicy {
	return o.cfg.Retry
}

// Get returns a transaction by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return o.deps.Store.Get(ctx, id)
}

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// mutation changes tx and returns the reason recorded with the state change.
type mutation func(tx *domain.Transaction) (string, error)

// update reloads the transaction, applies fn and writes it back with
// compare-and-set. A state change is published once the write succeeds.
func (o *Orchestrator) update(ctx context.Context, id string, fn mutation) (*domain.Transaction, error) {
	var (
		from   domain.State
		reason string
	)
	tx, err := store.UpdateWithRetry(ctx, o.deps.Store, id, o.cfg.UpdateAttempts, func(tx *domain.Transaction) error {
		from = tx.State
		var err error
		reason, err = fn(tx)
		return err
	})
	if errors.Is(err, errNoChange) {
		return tx, nil
	}
	if err != nil {
		return tx, err
	}
	if tx.State != from {
		o.emit(ctx, tx, from, reason)
	}
	return tx, nil
}

func (o *Orchestrator) emit(ctx context.Context, tx *domain.Transaction, from domain.State, reason string) {
	o.logger.Info("transaction state changed",
		"transaction_id", tx.ID,
		"kind", tx.Kind,
		"from", from,
		"to", tx.State,
		"reason", reason,
	)
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveTransition(string(tx.Kind), string(from), string(tx.State))
	}
	if err := o.deps.Events.Publish(ctx, events.NewStateChanged(tx, from, reason)); err != nil {
		o.logger.Warn("publish state change failed", "transaction_id", tx.ID, "error", err)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator."+name)
	if id != "" {
		span.SetAttributes(attribute.String("transaction.id", id))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func setMeta(tx *domain.Transaction, key, value string) {
	if value == "" {
		return
	}
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string)
	}
	tx.Metadata[key] = value
}

func advance(tx *domain.Transaction, path ...domain.State) error {
	for _, s := range path {
		if err := tx.TransitionTo(s); err != nil {
			return err
		}
	}
	return nil
}

// PaymentInput describes a fiat collection.
type PaymentInput struct {
	Amount   decimal.Decimal
	Currency string
	Country  string
	// Provider pins the rail; empty lets the router choose.
	Provider string
	Customer adapter.Customer
	// WalletAddress receives the settlement asset once the payment completes.
	WalletAddress string
	Metadata      map[string]string
}

// CreatePayment records a payment and initiates it with a provider.
// A provider failure leaves the payment failed and is not returned as an error.
func (o *Orchestrator) CreatePayment(ctx context.Context, in PaymentInput) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "CreatePayment", "")
	defer func() { endSpan(span, err) }()

	tx, err = domain.NewTransaction(domain.KindPayment, in.Amount, in.Currency)
	if err != nil {
		return nil, err
	}
	if in.WalletAddress != "" && !ledger.ValidDestination(in.WalletAddress) {
		return nil, domain.NewValidationError("wallet_address", "not a ledger account")
	}
	tx.Country = strings.ToUpper(strings.TrimSpace(in.Country))
	tx.WalletAddress = in.WalletAddress
	tx.CustomerEmail = in.Customer.Email
	tx.CustomerPhone = in.Customer.Phone
	tx.CustomerName = in.Customer.Name
	maps.Copy(tx.Metadata, in.Metadata)
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	if err := o.deps.Store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("orchestrator: create payment: %w", err)
	}

	req := processor.Request{
		Operation: processor.OpInitiate,
		Payment: adapter.PaymentRequest{
			Reference: tx.ID,
			Amount:    tx.Amount,
			Currency:  tx.Currency,
			Country:   tx.Country,
			Customer:  in.Customer,
			Metadata:  in.Metadata,
		},
	}
	sel := router.Selection{Currency: tx.Currency, Country: tx.Country, Amount: tx.Amount, Provider: in.Provider}
	res, callErr := o.route(ctx, tx.ID, sel, req)
	return o.recordOutcome(ctx, tx.ID, res, callErr)
}

// WithdrawalInput describes a fiat payout funded from the settlement asset.
type WithdrawalInput struct {
	Amount      decimal.Decimal
	Currency    string
	Country     string
	Provider    string
	Destination adapter.BankAccount
	Narration   string
	// WalletAddress is refunded when the payout fails.
	WalletAddress string
	Metadata      map[string]string
}

// CreateWithdrawal records a payout and sends it to a provider. A failed
// payout is refunded to the wallet.
func (o *Orchestrator) CreateWithdrawal(ctx context.Context, in WithdrawalInput) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "CreateWithdrawal", "")
	defer func() { endSpan(span, err) }()

	tx, err = domain.NewTransaction(domain.KindWithdrawal, in.Amount, in.Currency)
	if err != nil {
		return nil, err
	}
	if !ledger.ValidDestination(in.WalletAddress) {
		return nil, domain.NewValidationError("wallet_address", "not a ledger account")
	}
	dest := in.Destination
	dest.AccountNumber = strings.TrimSpace(dest.AccountNumber)
	if dest.AccountNumber == "" {
		return nil, domain.NewValidationError("account_number", "required")
	}
	if tx.Currency == "NGN" && !verifier.ValidNUBAN(dest.BankCode, dest.AccountNumber) {
		return nil, domain.NewValidationError("account_number", "invalid account number checksum")
	}
	tx.Country = strings.ToUpper(strings.TrimSpace(in.Country))
	tx.WalletAddress = in.WalletAddress
	tx.AccountNumber = dest.AccountNumber
	tx.ProviderCode = dest.BankCode
	tx.AccountType = "bank"
	tx.CustomerName = dest.AccountName
	maps.Copy(tx.Metadata, in.Metadata)
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	if err := o.deps.Store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("orchestrator: create withdrawal: %w", err)
	}

	req := processor.Request{
		Operation: processor.OpWithdraw,
		Withdrawal: adapter.WithdrawalRequest{
			Reference:   tx.ID,
			Amount:      tx.Amount,
			Currency:    tx.Currency,
			Destination: dest,
			Narration:   in.Narration,
		},
	}
	sel := router.Selection{Currency: tx.Currency, Country: tx.Country, Amount: tx.Amount, Provider: in.Provider}
	res, callErr := o.route(ctx, tx.ID, sel, req)
	return o.recordOutcome(ctx, tx.ID, res, callErr)
}

// route runs req through the router. The chosen provider is persisted before
// each call so that an interrupted call can be reconciled.
func (o *Orchestrator) route(ctx context.Context, id string, sel router.Selection, req processor.Request) (adapter.Result, error) {
	return o.deps.Router.Route(ctx, sel, func(ctx context.Context, a adapter.ProviderAdapter) (adapter.Result, error) {
		name := adapter.Name(a)
		if _, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
			if tx.Provider == name {
				return "", errNoChange
			}
			tx.Provider = name
			return "", nil
		}); err != nil {
			return adapter.Result{}, err
		}
		return o.deps.Processor.ExecuteWithRetry(ctx, a, req, o.cfg.Retry)
	})
}

// recordOutcome applies the synchronous result of a payment or withdrawal.
func (o *Orchestrator) recordOutcome(ctx context.Context, id string, res adapter.Result, callErr error) (*domain.Transaction, error) {
	if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
		// The provider may have accepted the request; Reconcile settles it.
		return nil, fmt.Errorf("orchestrator: %s left pending: %w", id, callErr)
	}

	next := domain.StateProcessing
	msg := res.Message
	switch {
	case callErr != nil:
		next, msg = domain.StateFailed, callErr.Error()
	case res.Status == adapter.StatusSuccess:
		next = domain.StateCompleted
	case res.Status == adapter.StatusFailed:
		next = domain.StateFailed
	}

	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		// A notification may have moved it on already.
		if tx.State != domain.StatePending && tx.State != domain.StateProcessing {
			return "", errNoChange
		}
		if err := tx.AssignProviderReference(res.ProviderReference); err != nil {
			return "", err
		}
		setMeta(tx, "checkout_url", res.CheckoutURL)
		var rle *domain.RetryLimitExceededError
		if errors.As(callErr, &rle) {
			tx.RetryCount = rle.Attempts
		}
		if next == domain.StateFailed && tx.Kind == domain.KindWithdrawal && outcomeUnknown(callErr) {
			// The payout may have gone through; Reconcile decides before any refund.
			next = domain.StateProcessing
			setMeta(tx, "outcome_unknown", callErr.Error())
		}
		switch next {
		case domain.StateFailed:
			tx.ErrorMessage = msg
		case domain.StateCompleted:
			noteCollected(tx, res.Amount)
		}
		return "provider " + string(next), tx.TransitionTo(next)
	})
	if err != nil {
		return tx, fmt.Errorf("orchestrator: record outcome of %s: %w", id, err)
	}
	if tx.State == domain.StateProcessing && tx.Metadata["outcome_unknown"] != "" {
		o.logger.Warn("payout outcome unknown, waiting for the provider", "transaction_id", id, "provider", tx.Provider, "error", callErr)
	}
	return o.afterTransfer(ctx, tx)
}

// outcomeUnknown reports whether a failed call may still have been carried
// out: retries ran out on errors or timeouts rather than on an explicit refusal.
func outcomeUnknown(err error) bool {
	var rle *domain.RetryLimitExceededError
	if !errors.As(err, &rle) || rle.Last == nil {
		return false
	}
	return domain.IsRetryable(rle.Last) && !router.Refused(rle.Last)
}

// afterTransfer runs the follow-up of a payment or withdrawal that just changed state.
func (o *Orchestrator) afterTransfer(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	switch {
	case tx.Kind == domain.KindPayment && tx.State == domain.StateCompleted:
		settled, err := o.Settle(ctx, tx.ID)
		if err != nil {
			// Completion stands; the retry worker settles later.
			o.logger.Warn("settlement deferred", "transaction_id", tx.ID, "error", err)
			return tx, nil
		}
		return settled, nil
	case tx.Kind == domain.KindWithdrawal && tx.State == domain.StateFailed:
		refunded, err := o.beginRefund(ctx, tx.ID, "withdrawal failed: "+tx.ErrorMessage)
		if err != nil {
			o.logger.Warn("refund deferred", "transaction_id", tx.ID, "error", err)
			return tx, nil
		}
		return refunded, nil
	}
	return tx, nil
}
