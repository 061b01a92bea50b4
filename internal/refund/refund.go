// Package refund decides whether a failed transaction is refunded and drives
// the refund transfer on the ledger.
package refund

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/ledger"
	"github.com/yourorg/settlement-orchestrator/internal/policy"
)

// Eligibility are the facts a refund decision is made from.
type Eligibility struct {
	AmountMismatch      bool
	RetryCount          int
	AccountValid        bool
	ProviderUnavailable bool
}

// Handler evaluates refund policy and submits refund transfers.
type Handler struct {
	policy     *policy.RefundPolicy
	ledger     ledger.Client
	maxRetries int
	asset      string
	logger     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithPolicy replaces the default refund rules.
func WithPolicy(p *policy.RefundPolicy) Option {
	return func(h *Handler) { h.policy = p }
}

// WithAsset sets the asset refunded. Defaults to ledger.DefaultAsset.
func WithAsset(asset string) Option {
	return func(h *Handler) { h.asset = asset }
}

// New creates a Handler. maxRetries is the retry count at which a bill is
// considered exhausted.
func New(l ledger.Client, maxRetries int, logger *slog.Logger, opts ...Option) *Handler {
	if l == nil {
		panic("ledger client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		ledger:     l,
		maxRetries: maxRetries,
		asset:      ledger.DefaultAsset,
		logger:     logger.With("component", "refund"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.policy == nil {
		p, err := policy.New(policy.DefaultRules())
		if err != nil {
			panic(fmt.Sprintf("default refund rules: %v", err))
		}
		h.policy = p
	}
	return h
}

// IsEligible reports whether a refund is due and why.
func (h *Handler) IsEligible(e Eligibility) (bool, string) {
	d, ruleID, err := h.policy.Evaluate(policy.Facts{
		AmountMismatch:      e.AmountMismatch,
		RetryCount:          e.RetryCount,
		MaxRetries:          h.maxRetries,
		AccountValid:        e.AccountValid,
		ProviderUnavailable: e.ProviderUnavailable,
	})
	if err != nil {
		h.logger.Error("refund policy evaluation failed", "error", err)
		return false, "refund policy error: " + err.Error()
	}
	if ruleID == "retries_exhausted" {
		return d.Refund, fmt.Sprintf("%s (%d/%d)", d.Reason, e.RetryCount, h.maxRetries)
	}
	return d.Refund, d.Reason
}

// ProcessRefund returns the settlement asset to the transaction's wallet and
// returns the ledger hash. A transfer already carrying the refund memo is
// reused, so calling it again after a crash never pays twice.
func (h *Handler) ProcessRefund(ctx context.Context, tx *domain.Transaction, reason string) (string, error) {
	if tx.RefundTxHash != "" {
		return tx.RefundTxHash, nil
	}
	memo := tx.RefundMemo()
	logger := h.logger.With("transaction_id", tx.ID, "memo", memo)

	hash, found, err := h.ledger.FindTransferByMemo(ctx, memo)
	if err != nil {
		return "", fmt.Errorf("refund: lookup %s: %w", memo, err)
	}
	if found {
		logger.Info("refund already on ledger", "hash", hash)
		return hash, nil
	}

	hash, err = h.ledger.SubmitTransfer(ctx, ledger.Transfer{
		Destination: tx.WalletAddress,
		Amount:      tx.CollectedAmount(),
		Asset:       h.asset,
		Memo:        memo,
	})
	if err != nil {
		logger.Warn("refund transfer failed", "error", err, "retryable", ledger.IsRetryable(err))
		return "", fmt.Errorf("refund: submit %s: %w", memo, err)
	}
	logger.Info("refund submitted", "hash", hash, "amount", tx.CollectedAmount().String(), "reason", reason)
	return hash, nil
}
