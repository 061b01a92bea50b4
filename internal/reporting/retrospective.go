// Package reporting summarizes transaction activity over a time window.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// Source lists transactions by creation time; every store implements it.
type Source interface {
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Transaction, error)
}

// RetrospectiveReport summarizes the transactions created in a window.
type RetrospectiveReport struct {
	TotalTransactions int            `json:"total_transactions"`
	Completed         int            `json:"completed"`
	Failed            int            `json:"failed"`
	Refunded          int            `json:"refunded"`
	InFlight          int            `json:"in_flight"`
	ByKind            map[string]int `json:"by_kind"`
	ByState           map[string]int `json:"by_state"`
	// RetriedTransactions counts transactions with a nonzero RetryCount.
	RetriedTransactions int `json:"retried_transactions"`
	TotalRetries        int `json:"total_retries"`
	// AmountByCurrency sums completed transactions only.
	AmountByCurrency   map[string]decimal.Decimal `json:"amount_by_currency"`
	RefundedByCurrency map[string]decimal.Decimal `json:"refunded_by_currency"`
	// RefundReasons counts refunds by the reason recorded when they began.
	RefundReasons map[string]int `json:"refund_reasons"`
	ProviderUsage map[string]int `json:"provider_usage"`
	// Unsettled counts completed payments still waiting for their asset transfer.
	Unsettled int       `json:"unsettled"`
	DateFrom  time.Time `json:"date_from"`
	DateTo    time.Time `json:"date_to"`
	// ProcessingDuration spans the first to the last creation time seen.
	ProcessingDuration time.Duration `json:"processing_duration"`
}

// SuccessRate is completed over finished (completed, failed or refunded).
func (r *RetrospectiveReport) SuccessRate() float64 {
	finished := r.Completed + r.Failed + r.Refunded
	if finished == 0 {
		return 0
	}
	return float64(r.Completed) / float64(finished)
}

// RetrospectiveReporter generates retrospective reports.
type RetrospectiveReporter struct {
	source Source
}

// NewRetrospectiveReporter creates a reporter reading from source. A nil
// source only supports GenerateRetrospective.
func NewRetrospectiveReporter(source Source) *RetrospectiveReporter {
	return &RetrospectiveReporter{source: source}
}

// Generate loads the transactions created in [from, to) and summarizes them.
func (rr *RetrospectiveReporter) Generate(ctx context.Context, from, to time.Time) (*RetrospectiveReport, error) {
	if rr.source == nil {
		return nil, fmt.Errorf("reporting: no transaction source configured")
	}
	if !to.After(from) {
		return nil, &domain.ValidationError{Field: "to", Reason: "must be after from"}
	}
	txs, err := rr.source.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("reporting: list transactions: %w", err)
	}
	return rr.GenerateRetrospective(txs)
}

func newReport() *RetrospectiveReport {
	return &RetrospectiveReport{
		ByKind:             make(map[string]int),
		ByState:            make(map[string]int),
		AmountByCurrency:   make(map[string]decimal.Decimal),
		RefundedByCurrency: make(map[string]decimal.Decimal),
		RefundReasons:      make(map[string]int),
		ProviderUsage:      make(map[string]int),
	}
}

// GenerateRetrospective summarizes txs.
func (rr *RetrospectiveReporter) GenerateRetrospective(txs []*domain.Transaction) (*RetrospectiveReport, error) {
	report := newReport()
	if len(txs) == 0 {
		return report, nil
	}

	report.DateFrom = txs[0].CreatedAt
	report.DateTo = txs[0].CreatedAt
	for _, tx := range txs {
		report.TotalTransactions++
		report.ByKind[string(tx.Kind)]++
		report.ByState[string(tx.State)]++

		if tx.CreatedAt.Before(report.DateFrom) {
			report.DateFrom = tx.CreatedAt
		}
		if tx.CreatedAt.After(report.DateTo) {
			report.DateTo = tx.CreatedAt
		}

		if tx.Provider != "" {
			report.ProviderUsage[tx.Provider]++
		}
		if tx.RetryCount > 0 {
			report.RetriedTransactions++
			report.TotalRetries += tx.RetryCount
		}
		if reason := tx.Metadata["refund_reason"]; reason != "" {
			report.RefundReasons[reason]++
		}

		switch tx.State {
		case domain.StateCompleted:
			report.Completed++
			report.AmountByCurrency[tx.Currency] = report.AmountByCurrency[tx.Currency].Add(tx.Amount)
			if tx.Kind == domain.KindPayment && tx.SettlementTxHash == "" {
				report.Unsettled++
			}
		case domain.StateRefunded:
			report.Refunded++
			amount := tx.Amount
			if tx.ReceivedAmount.IsPositive() {
				amount = tx.ReceivedAmount
			}
			report.RefundedByCurrency[tx.Currency] = report.RefundedByCurrency[tx.Currency].Add(amount)
		case domain.StateFailed:
			report.Failed++
		default:
			report.InFlight++
		}
	}
	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	return report, nil
}
