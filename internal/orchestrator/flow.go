package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/ledger"
	"github.com/yourorg/settlement-orchestrator/internal/processor"
	"github.com/yourorg/settlement-orchestrator/internal/refund"
)

// ApplyNotification applies a verified provider notification to its
// transaction. Notifications for terminal transactions, for another kind of
// transaction or from a provider other than the transaction's are ignored.
// An unknown transaction is an error so that the event is replayed later.
func (o *Orchestrator) ApplyNotification(ctx context.Context, n domain.Notification, action domain.Action) (err error) {
	ctx, span := o.startSpan(ctx, "ApplyNotification", n.TransactionRef)
	defer func() { endSpan(span, err) }()

	if action == domain.ActionUnknown {
		return nil
	}
	tx, err := o.find(ctx, n)
	if err != nil {
		return err
	}
	return o.apply(ctx, tx, n, action)
}

func (o *Orchestrator) find(ctx context.Context, n domain.Notification) (*domain.Transaction, error) {
	if n.TransactionRef != "" {
		tx, err := o.deps.Store.Get(ctx, n.TransactionRef)
		if err == nil || !errors.Is(err, domain.ErrNotFound) || n.ProviderReference == "" {
			return tx, err
		}
	}
	if n.ProviderReference != "" {
		return o.deps.Store.GetByProviderReference(ctx, n.Provider, n.ProviderReference)
	}
	return nil, fmt.Errorf("%w: %s event %s names no transaction", domain.ErrNotFound, n.Provider, n.EventID)
}

func (o *Orchestrator) apply(ctx context.Context, tx *domain.Transaction, n domain.Notification, action domain.Action) error {
	log := o.logger.With("transaction_id", tx.ID, "provider", n.Provider, "action", action)
	if action == domain.ActionWithdrawalSuccess && tx.Kind == domain.KindWithdrawal && refundStarted(tx.State) {
		if tx.Provider != "" && n.Provider != "" && tx.Provider != n.Provider {
			log.Warn("notification from a provider not handling the transaction", "owner", tx.Provider)
			return nil
		}
		return o.latePayout(ctx, tx.ID, n)
	}
	if tx.IsTerminal() {
		log.Debug("notification for terminal transaction ignored", "state", tx.State)
		return nil
	}
	if tx.Provider != "" && n.Provider != "" && tx.Provider != n.Provider {
		log.Warn("notification from a provider not handling the transaction", "owner", tx.Provider)
		return nil
	}
	if kindOf(action) != tx.Kind {
		log.Warn("notification does not match transaction kind", "kind", tx.Kind)
		return nil
	}

	var err error
	switch action {
	case domain.ActionPaymentSuccess, domain.ActionWithdrawalSuccess:
		_, err = o.finishTransfer(ctx, tx.ID, n, true)
	case domain.ActionPaymentFailure, domain.ActionWithdrawalFailure:
		_, err = o.finishTransfer(ctx, tx.ID, n, false)
	case domain.ActionBillSuccess:
		_, err = o.completeBill(ctx, tx.ID, n.ProviderReference, n.Token, "biller notified success")
	case domain.ActionBillFailure:
		msg := n.Message
		if msg == "" {
			msg = "biller notified failure"
		}
		_, err = o.billFailed(ctx, tx.ID, msg, false, false)
	}
	return err
}

// refundStarted reports whether a withdrawal was given up on and its refund
// is due, running or done.
func refundStarted(s domain.State) bool {
	switch s {
	case domain.StateFailed, domain.StateRefundInitiated, domain.StateRefundProcessing, domain.StateRefunded:
		return true
	}
	return false
}

// latePayout keeps the evidence of a payout the provider confirmed after the
// withdrawal was failed. A refund that has not reached the ledger is held.
func (o *Orchestrator) latePayout(ctx context.Context, id string, n domain.Notification) error {
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.Metadata["late_provider_success"] == "true" && tx.Metadata["late_provider_reference"] == n.ProviderReference {
			return "", errNoChange
		}
		setMeta(tx, "late_provider_success", "true")
		setMeta(tx, "late_provider_reference", n.ProviderReference)
		return "", nil
	})
	if err != nil {
		return err
	}
	o.logger.Error("payout confirmed after the withdrawal was failed", "transaction_id", id, "state", tx.State, "provider_reference", n.ProviderReference)
	return nil
}

func kindOf(a domain.Action) domain.Kind {
	switch a {
	case domain.ActionPaymentSuccess, domain.ActionPaymentFailure:
		return domain.KindPayment
	case domain.ActionWithdrawalSuccess, domain.ActionWithdrawalFailure:
		return domain.KindWithdrawal
	}
	return domain.KindBillPayment
}

func actionFor(kind domain.Kind, succeeded bool) domain.Action {
	switch kind {
	case domain.KindPayment:
		if succeeded {
			return domain.ActionPaymentSuccess
		}
		return domain.ActionPaymentFailure
	case domain.KindWithdrawal:
		if succeeded {
			return domain.ActionWithdrawalSuccess
		}
		return domain.ActionWithdrawalFailure
	}
	if succeeded {
		return domain.ActionBillSuccess
	}
	return domain.ActionBillFailure
}

func (o *Orchestrator) finishTransfer(ctx context.Context, id string, n domain.Notification, succeeded bool) (*domain.Transaction, error) {
	next := domain.StateFailed
	if succeeded {
		next = domain.StateCompleted
	}
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StatePending && tx.State != domain.StateProcessing {
			return "", errNoChange
		}
		if err := tx.AssignProviderReference(n.ProviderReference); err != nil {
			return "", err
		}
		if tx.Provider == "" {
			tx.Provider = n.Provider
		}
		if succeeded {
			noteCollected(tx, n.Amount)
		}
		reason := "provider notified " + string(next)
		if !succeeded {
			tx.ErrorMessage = n.Message
			if tx.ErrorMessage == "" {
				tx.ErrorMessage = reason
			}
		}
		return reason, tx.TransitionTo(next)
	})
	if err != nil {
		return tx, err
	}
	return o.afterTransfer(ctx, tx)
}

// noteCollected records a provider-reported amount that differs from the
// requested one. A payment then settles only what was collected.
func noteCollected(tx *domain.Transaction, amount decimal.Decimal) {
	if !amount.IsPositive() || amount.Equal(tx.Amount) {
		return
	}
	setMeta(tx, "notified_amount", amount.String())
	if tx.Kind == domain.KindPayment {
		tx.ReceivedAmount = amount
	}
}

// Reconcile asks the provider for the outcome of a transaction that is still
// waiting on it and applies the answer as if it had been notified.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "Reconcile", id)
	defer func() { endSpan(span, err) }()

	tx, err = o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Provider == "" || !awaitingProvider(tx) {
		return tx, nil
	}
	a, err := o.deps.Registry.Get(tx.Provider)
	if err != nil {
		return tx, err
	}

	req := processor.Request{Operation: processor.OpVerify, Reference: tx.ID}
	if tx.ProviderReference != "" {
		req.Operation = processor.OpQueryStatus
		req.ProviderReference = tx.ProviderReference
	}
	res, err := o.deps.Processor.Execute(ctx, a, req)
	if err != nil {
		if tx.Metadata["outcome_unknown"] != "" && !domain.IsRetryable(err) {
			o.logger.Error("payout outcome unknown and the provider cannot confirm it", "transaction_id", id, "provider", tx.Provider, "error", err)
		}
		return tx, fmt.Errorf("orchestrator: reconcile %s: %w", id, err)
	}

	var succeeded bool
	switch res.Status {
	case adapter.StatusSuccess:
		succeeded = true
	case adapter.StatusFailed:
	default:
		o.logger.Debug("provider still processing", "transaction_id", id, "provider", tx.Provider)
		return tx, nil
	}
	n := domain.Notification{
		Provider:          tx.Provider,
		TransactionRef:    tx.ID,
		ProviderReference: res.ProviderReference,
		Status:            string(res.Status),
		Amount:            res.Amount,
		Token:             res.Token,
		Message:           res.Message,
	}
	if err := o.apply(ctx, tx, n, actionFor(tx.Kind, succeeded)); err != nil {
		return tx, err
	}
	return o.deps.Store.Get(ctx, id)
}

func awaitingProvider(tx *domain.Transaction) bool {
	if tx.Kind == domain.KindBillPayment {
		return tx.State == domain.StateProviderProcessing
	}
	return tx.State == domain.StatePending || tx.State == domain.StateProcessing
}

// beginRefund moves a failed withdrawal or an invalid-account bill to
// refund_initiated and runs the refund.
func (o *Orchestrator) beginRefund(ctx context.Context, id, reason string) (*domain.Transaction, error) {
	tx, err := o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.State != domain.StateFailed && tx.State != domain.StateAccountInvalid {
			return "", errNoChange
		}
		if tx.Metadata["late_provider_success"] == "true" {
			return "", errNoChange
		}
		setMeta(tx, "refund_reason", reason)
		return reason, tx.TransitionTo(domain.StateRefundInitiated)
	})
	if err != nil {
		return tx, err
	}
	return o.ResumeRefund(ctx, id)
}

// ResumeRefund drives a transaction whose money must go back to the wallet:
// refund_initiated -> refund_processing -> refunded. It is safe to call
// repeatedly; the ledger transfer is looked up by memo before it is submitted.
func (o *Orchestrator) ResumeRefund(ctx context.Context, id string) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "ResumeRefund", id)
	defer func() { endSpan(span, err) }()

	tx, err = o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if tx.Metadata["late_provider_success"] == "true" &&
		(tx.State == domain.StateFailed || tx.State == domain.StateRefundInitiated) {
		o.logger.Error("refund held: provider reported the payout as made", "transaction_id", id, "state", tx.State)
		return tx, nil
	}

	switch tx.State {
	case domain.StateFailed:
		if tx.Kind != domain.KindWithdrawal {
			return tx, nil
		}
		return o.beginRefund(ctx, id, "withdrawal failed: "+tx.ErrorMessage)
	case domain.StateAccountInvalid:
		ok, reason := o.deps.Refunds.IsEligible(refundFacts(tx))
		if !ok {
			return tx, nil
		}
		return o.beginRefund(ctx, id, reason)
	case domain.StateProviderFailed:
		return o.decideRetry(ctx, id)
	case domain.StateRefundInitiated:
		tx, err = o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
			if tx.State != domain.StateRefundInitiated {
				return "", errNoChange
			}
			return "refund submitted", tx.TransitionTo(domain.StateRefundProcessing)
		})
		if err != nil {
			return tx, err
		}
	case domain.StateRefundProcessing:
	default:
		return tx, nil
	}
	if tx.State != domain.StateRefundProcessing {
		return tx, nil
	}

	hash, err := o.deps.Refunds.ProcessRefund(ctx, tx, tx.Metadata["refund_reason"])
	if err != nil {
		o.observeRefund("failed")
		if !ledger.IsRetryable(err) {
			o.logger.Error("refund needs attention", "transaction_id", id, "error", err)
		}
		return tx, err
	}
	tx, err = o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if err := tx.SetRefundTxHash(hash); err != nil {
			return "", err
		}
		return "refund settled on ledger", tx.TransitionTo(domain.StateRefunded)
	})
	if err != nil {
		return tx, err
	}
	o.observeRefund("refunded")
	return tx, nil
}

func refundFacts(tx *domain.Transaction) refund.Eligibility {
	return refund.Eligibility{
		AmountMismatch: tx.ReceivedAmount.IsPositive() && !tx.ReceivedAmount.Equal(tx.Amount),
		RetryCount:     tx.RetryCount,
		AccountValid:   tx.State != domain.StateAccountInvalid,
	}
}

func (o *Orchestrator) observeRefund(outcome string) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveRefund(outcome)
	}
}

// Settle credits the wallet of a completed payment with the settlement asset
// and records the ledger hash. Payments without a wallet are not settled.
func (o *Orchestrator) Settle(ctx context.Context, id string) (tx *domain.Transaction, err error) {
	ctx, span := o.startSpan(ctx, "Settle", id)
	defer func() { endSpan(span, err) }()

	tx, err = o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !NeedsSettlement(tx) {
		return tx, nil
	}
	collected := tx.CollectedAmount()
	if !collected.Equal(tx.Amount) {
		o.logger.Warn("provider collected a different amount; settling what was collected",
			"transaction_id", id, "amount", tx.Amount.String(), "collected", collected.String())
	}
	amount, err := o.deps.Quoter.Quote(ctx, tx.Currency, collected)
	if err != nil {
		return tx, err
	}

	memo := tx.SettlementMemo()
	hash, found, err := o.deps.Ledger.FindTransferByMemo(ctx, memo)
	if err != nil {
		return tx, fmt.Errorf("orchestrator: settle lookup %s: %w", memo, err)
	}
	if !found {
		hash, err = o.deps.Ledger.SubmitTransfer(ctx, ledger.Transfer{
			Destination: tx.WalletAddress,
			Amount:      amount,
			Asset:       o.cfg.Asset,
			Memo:        memo,
		})
		if err != nil {
			return tx, fmt.Errorf("orchestrator: settle %s: %w", memo, err)
		}
	}
	tx, err = o.update(ctx, id, func(tx *domain.Transaction) (string, error) {
		if tx.SettlementTxHash != "" {
			return "", errNoChange
		}
		tx.SettlementTxHash = hash
		return "", nil
	})
	if err != nil {
		return tx, err
	}
	o.logger.Info("payment settled", "transaction_id", id, "hash", hash, "amount", amount.String(), "asset", o.cfg.Asset)
	return tx, nil
}

// NeedsSettlement reports whether tx is a completed payment not yet credited.
func NeedsSettlement(tx *domain.Transaction) bool {
	return tx.Kind == domain.KindPayment &&
		tx.State == domain.StateCompleted &&
		tx.SettlementTxHash == "" &&
		tx.WalletAddress != ""
}
