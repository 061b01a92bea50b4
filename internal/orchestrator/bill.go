package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/bill/token"
	"github.com/yourorg/settlement-orchestrator/internal/bill/verifier"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/ledger"
	"github.com/yourorg/settlement-orchestrator/internal/processor"
	"github.com/yourorg/settlement-orchestrator/internal/refund"
	"github.com/yourorg/settlement-orchestrator/internal/router"
)

// BillInput describes a bill payment funded by a cNGN deposit.
type BillInput struct {
	Amount        decimal.Decimal
	Currency      string
	BillType      string
	AccountNumber string
	ProviderCode  string
	AccountType   string
	// Provider names the biller; empty uses the configured biller.
	Provider      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	// WalletAddress is where a refund is sent.
	WalletAddress string
	Metadata      map[string]string
}

var billTypes = map[domain.BillType]bool{
	domain.BillElectricity: true,
	domain.BillAirtime:     true,
	domain.BillData:        true,
	domain.BillCable:       true,
	domain.BillWater:       true,
}

// CreateBillPayment records a bill payment awaiting its settlement deposit.
func (o *Orchestrator) CreateBillPayment(ctx context.Context, in BillInput) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "CreateBillPayment", "")
	defer func() { endSpan(span, err) }()

	bt := domain.ParseBillType(in.BillType)
	if !billTypes[bt] {
		return nil, domain.NewValidationError("bill_type", fmt.Sprintf("unknown bill type %q", in.BillType))
	}
	if strings.TrimSpace(in.AccountNumber) == "" {
		return nil, domain.NewValidationError("account_number", "required")
	}
	if !ledger.ValidDestination(in.WalletAddress) {
		return nil, domain.NewValidationError("wallet_address", "not a ledger account")
	}
	provider := in.Provider
	if provider == "" {
		provider = o.cfg.Biller
	}
	if _, err := o.deps.Registry.Biller(provider); err != nil {
		return nil, domain.NewValidationError("provider", err.Error())
	}

	tx, err = domain.NewTransaction(domain.KindBillPayment, in.Amount, in.Currency)
	if err != nil {
		return nil, err
	}
	tx.Provider = provider
	tx.BillType = bt
	tx.AccountNumber = strings.TrimSpace(in.AccountNumber)
	tx.ProviderCode = in.ProviderCode
	tx.AccountType = in.AccountType
	tx.CustomerName = in.CustomerName
	tx.CustomerEmail = in.CustomerEmail
	tx.CustomerPhone = in.CustomerPhone
	tx.WalletAddress = in.WalletAddress
	maps.Copy(tx.Metadata, in.Metadata)
	span.SetAttributes(attribute.String("transaction.id", tx.ID), attribute.String("bill.type", string(bt)))

	if err := o.deps.Store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("orchestrator: create bill payment: %w", err)
	}
	o.logger.Info("bill payment created", "transaction_id", tx.ID, "bill_type", bt, "provider", provider)
	return tx, nil
}

// ConfirmSettlement records the cNGN deposit funding a bill payment and
// processes the bill. A deposit that does not match the amount is refunded.
// Confirming twice is a no-op.
func (o *Orchestrator) ConfirmSettlement(ctx context.Context, id string, received decimal.Decimal, depositRef string) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "ConfirmSettlement", id)
	defer func() { endSpan(span, err) }()

	if !received.IsPositive() {
		return nil, domain.NewValidationError("amount", "received amount must be positive")
	}
	tx, err = o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.Kind != domain.KindBillPayment {
			return "", domain.NewValidationError("kind", "settlement confirmation applies to bill payments")
		}
		if tx.State != domain.StatePendingPayment {
			return "", errNoChange
		}
		tx.ReceivedAmount = received
		setMeta(tx, "deposit_reference", depositRef)
		return "settlement asset received", tx.TransitionTo(domain.StateCngnReceived)
	})
	if err != nil {
		return tx, err
	}
	return o.ProcessBill(ctx, id)
}

// ProcessBill moves a funded bill payment forward: amount check, account
// verification and the first payment attempt. It resumes from whichever
// intermediate state a crash left the bill in.
func (o *Orchestrator) ProcessBill(ctx context.Context, id string) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "ProcessBill", id)
	defer func() { endSpan(span, err) }()

	tx, err = o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Kind != domain.KindBillPayment {
		return tx, domain.NewValidationError("kind", "not a bill payment")
	}

	switch tx.State {
	case domain.StateCngnReceived:
		if tx.ReceivedAmount.IsPositive() && !tx.ReceivedAmount.Equal(tx.Amount) {
			return o.rejectDeposit(ctx, id)
		}
		tx, err = o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
			if tx.State != domain.StateCngnReceived {
				return "", errNoChange
			}
			return "verifying account", tx.TransitionTo(domain.StateVerifyingAccount)
		})
		if err != nil {
			return tx, err
		}
		if tx.State != domain.StateVerifyingAccount {
			return tx, nil
		}
		return o.verifyAccount(ctx, tx)
	case domain.StateVerifyingAccount:
		return o.verifyAccount(ctx, tx)
	case domain.StateProcessingBill:
		return o.payBill(ctx, id)
	case domain.StateRetryScheduled:
		return o.ResumeBill(ctx, id)
	case domain.StateAccountInvalid, domain.StateProviderFailed,
		domain.StateRefundInitiated, domain.StateRefundProcessing:
		return o.ResumeRefund(ctx, id)
	}
	return tx, nil
}

func (o *Orchestrator) rejectDeposit(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateCngnReceived {
			return "", errNoChange
		}
		ok, reason := o.deps.Refunds.IsEligible(refund.Eligibility{AmountMismatch: true, AccountValid: true})
		if !ok {
			return "", errNoChange
		}
		tx.ErrorMessage = fmt.Sprintf("amount mismatch: expected %s, received %s", tx.Amount, tx.ReceivedAmount)
		setMeta(tx, "refund_reason", reason)
		return reason, tx.TransitionTo(domain.StateRefundInitiated)
	})
	if err != nil {
		return tx, err
	}
	if tx.State != domain.StateRefundInitiated {
		return tx, nil
	}
	return o.ResumeRefund(ctx, id)
}

func (o *Orchestrator) verifyAccount(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	biller, err := o.deps.Registry.Biller(tx.Provider)
	if err != nil {
		return tx, fmt.Errorf("orchestrator: biller for %s: %w", tx.ID, err)
	}
	info, verr := o.deps.Verifier.Verify(ctx, biller, verifier.Request{
		BillType:      tx.BillType,
		AccountNumber: tx.AccountNumber,
		ProviderCode:  tx.ProviderCode,
		AccountType:   tx.AccountType,
	})
	var avf *domain.AccountVerificationFailedError
	if errors.As(verr, &avf) {
		return o.rejectAccount(ctx, tx.ID, avf.Reason)
	}
	if verr != nil {
		// Transient: the bill stays in verifying_account for the retry worker.
		return tx, fmt.Errorf("orchestrator: verify account for %s: %w", tx.ID, verr)
	}

	tx, err = o.update(ctx, tx.ID, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateVerifyingAccount {
			return "", errNoChange
		}
		if info.AccountID != "" {
			tx.AccountNumber = info.AccountID
		}
		if info.CustomerName != "" {
			tx.CustomerName = info.CustomerName
		}
		if info.AccountType != "" {
			tx.AccountType = info.AccountType
		}
		for k, v := range info.AdditionalInfo {
			setMeta(tx, k, v)
		}
		if network := info.AdditionalInfo["network"]; network != "" && tx.ProviderCode == "" {
			tx.ProviderCode = network
		}
		return "account verified", tx.TransitionTo(domain.StateProcessingBill)
	})
	if err != nil {
		return tx, err
	}
	return o.payBill(ctx, tx.ID)
}

func (o *Orchestrator) rejectAccount(ctx context.Context, id, reason string) (*domain.Transaction, error) {
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateVerifyingAccount {
			return "", errNoChange
		}
		tx.ErrorMessage = reason
		return reason, tx.TransitionTo(domain.StateAccountInvalid)
	})
	if err != nil {
		return tx, err
	}
	if tx.State != domain.StateAccountInvalid {
		return tx, nil
	}
	return o.ResumeRefund(ctx, id)
}

// payBill makes one payment attempt. Only the caller that moves the bill into
// provider_processing calls the biller; a bill found already there is left to
// notifications and Reconcile.
func (o *Orchestrator) payBill(ctx context.Context, id string) (*domain.Transaction, error) {
	moved := false
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		moved = false
		if tx.State != domain.StateProcessingBill {
			return "", errNoChange
		}
		moved = true
		return fmt.Sprintf("payment attempt %d", tx.RetryCount+1), tx.TransitionTo(domain.StateProviderProcessing)
	})
	if err != nil || !moved {
		return tx, err
	}

	req := processor.Request{
		Operation: processor.OpPayBill,
		Bill: adapter.BillRequest{
			Reference:     tx.ID,
			BillType:      tx.BillType,
			AccountNumber: tx.AccountNumber,
			ProviderCode:  tx.ProviderCode,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			Phone:         tx.CustomerPhone,
		},
		PriorAttempts: tx.RetryCount,
	}
	res, callErr := o.deps.Router.Route(ctx, router.Selection{Provider: tx.Provider}, func(ctx context.Context, a adapter.ProviderAdapter) (adapter.Result, error) {
		return o.deps.Processor.Execute(ctx, a, req)
	})

	switch {
	case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
		return tx, fmt.Errorf("orchestrator: bill %s outcome unknown: %w", id, callErr)
	case errors.Is(callErr, router.ErrNoHealthyProvider):
		return o.billFailed(ctx, id, callErr.Error(), false, true)
	case callErr != nil:
		return o.billFailed(ctx, id, callErr.Error(), !domain.IsRetryable(callErr), false)
	case res.Status == adapter.StatusSuccess:
		return o.completeBill(ctx, id, res.ProviderReference, res.Token, "biller confirmed payment")
	case res.Status == adapter.StatusFailed:
		return o.billFailed(ctx, id, res.Message, false, false)
	}
	return o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if res.ProviderReference == "" {
			return "", errNoChange
		}
		return "", tx.AssignProviderReference(res.ProviderReference)
	})
}

// completionPath lists the edges walked to reach completed from each state
// in which a biller success can still be accepted.
var completionPath = map[domain.State][]domain.State{
	domain.StateProviderProcessing: {domain.StateCompleted},
	domain.StateProcessingBill:     {domain.StateProviderProcessing, domain.StateCompleted},
	domain.StateRetryScheduled:     {domain.StateProcessingBill, domain.StateProviderProcessing, domain.StateCompleted},
	domain.StateProviderFailed:     {domain.StateRetryScheduled, domain.StateProcessingBill, domain.StateProviderProcessing, domain.StateCompleted},
}

func (o *Orchestrator) completeBill(ctx context.Context, id, providerRef, tok, reason string) (*domain.Transaction, error) {
	var tokenErr error
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.IsTerminal() {
			return "", errNoChange
		}
		if err := tx.AssignProviderReference(providerRef); err != nil {
			return "", err
		}
		path, ok := completionPath[tx.State]
		if !ok {
			// The refund has started; keep the evidence for manual review.
			setMeta(tx, "late_provider_success", "true")
			setMeta(tx, "late_provider_reference", providerRef)
			return "", nil
		}
		if err := advance(tx, path...); err != nil {
			return "", err
		}
		tokenErr = token.Store(tx, tok)
		if tokenErr != nil {
			setMeta(tx, "token_raw", tok)
			setMeta(tx, "token_error", tokenErr.Error())
		}
		setMeta(tx, "customer_message", token.Notification(tx))
		return reason, nil
	})
	if err != nil {
		return tx, err
	}
	if tokenErr != nil {
		o.logger.Error("biller returned an invalid token", "transaction_id", id, "error", tokenErr)
	}
	if tx.State != domain.StateCompleted {
		o.logger.Error("biller success after refund started", "transaction_id", id, "state", tx.State, "provider_reference", providerRef)
	}
	return tx, nil
}

// billFailed records a failed attempt and decides between retry and refund.
// permanent means the biller rejected the request itself; unavailable means
// the biller was not called at all.
func (o *Orchestrator) billFailed(ctx context.Context, id, cause string, permanent, unavailable bool) (*domain.Transaction, error) {
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateProviderProcessing {
			return "", errNoChange
		}
		tx.ErrorMessage = cause
		if permanent {
			setMeta(tx, "permanent_failure", "true")
		}
		if unavailable {
			setMeta(tx, "provider_unavailable", "true")
		} else {
			delete(tx.Metadata, "provider_unavailable")
		}
		return cause, tx.TransitionTo(domain.StateProviderFailed)
	})
	if err != nil {
		return tx, err
	}
	if tx.State != domain.StateProviderFailed {
		return tx, nil
	}
	return o.decideRetry(ctx, id)
}

// decideRetry moves a provider_failed bill to retry_scheduled or, when the
// refund policy says so, to refund_initiated.
func (o *Orchestrator) decideRetry(ctx context.Context, id string) (*domain.Transaction, error) {
	now := o.cfg.Now()
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateProviderFailed {
			return "", errNoChange
		}
		unavailable := tx.Metadata["provider_unavailable"] == "true"
		if unavailable {
			// The biller was never called: wait, but do not spend an attempt.
			at := now.UTC()
			tx.LastRetryAt = &at
		} else {
			tx.RecordRetry(now)
		}
		ok, reason := o.deps.Refunds.IsEligible(refund.Eligibility{
			RetryCount:          tx.RetryCount,
			AccountValid:        tx.Metadata["permanent_failure"] != "true",
			ProviderUnavailable: unavailable,
		})
		if ok {
			setMeta(tx, "refund_reason", reason)
			return reason, tx.TransitionTo(domain.StateRefundInitiated)
		}
		return fmt.Sprintf("retry %d scheduled", tx.RetryCount+1), tx.TransitionTo(domain.StateRetryScheduled)
	})
	if err != nil {
		return tx, err
	}
	if tx.State == domain.StateRefundInitiated {
		return o.ResumeRefund(ctx, id)
	}
	return tx, nil
}

// RetryDue reports whether a retry_scheduled bill has waited out its backoff.
func (o *Orchestrator) RetryDue(tx *domain.Transaction, now time.Time) bool {
	if tx.State != domain.StateRetryScheduled {
		return false
	}
	if tx.LastRetryAt == nil {
		return true
	}
	return !now.Before(tx.LastRetryAt.Add(o.cfg.Retry.Backoff(tx.RetryCount)))
}

// ResumeBill makes the next payment attempt of a retry_scheduled bill. It does
// not check the backoff; see RetryDue.
func (o *Orchestrator) ResumeBill(ctx context.Context, id string) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "ResumeBill", id)
	defer func() { endSpan(span, err) }()

	tx, err = o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateRetryScheduled {
			return "", errNoChange
		}
		return "retrying", tx.TransitionTo(domain.StateProcessingBill)
	})
	if err != nil {
		return tx, err
	}
	if tx.State != domain.StateProcessingBill {
		return tx, nil
	}
	return o.payBill(ctx, id)
}
