// Package processor executes provider operations: one attempt through an
// adapter, or a bounded retry loop with backoff between attempts.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/attempt"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/httpretry"
)

// Operation selects the adapter call made by an attempt.
type Operation string

const (
	OpInitiate    Operation = "initiate"
	OpWithdraw    Operation = "withdraw"
	OpPayBill     Operation = "pay_bill"
	OpVerify      Operation = "verify"
	OpQueryStatus Operation = "query_status"
)

// Request describes one provider operation. Only the payload matching
// Operation is read.
type Request struct {
	Operation  Operation
	Payment    adapter.PaymentRequest
	Withdrawal adapter.WithdrawalRequest
	Bill       adapter.BillRequest
	// Reference is the transaction id; used directly by OpVerify.
	Reference string
	// ProviderReference is the provider's id, read by OpQueryStatus.
	ProviderReference string
	// PriorAttempts is the persisted retry count, so a resumed loop does not
	// start over.
	PriorAttempts int
}

func (r Request) reference() string {
	switch {
	case r.Reference != "":
		return r.Reference
	case r.Operation == OpInitiate:
		return r.Payment.Reference
	case r.Operation == OpWithdraw:
		return r.Withdrawal.Reference
	case r.Operation == OpPayBill:
		return r.Bill.Reference
	}
	return ""
}

// HealthRecorder receives per-provider outcomes; the circuit breaker implements it.
type HealthRecorder interface {
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Observer receives per-call measurements; the metrics package implements it.
type Observer interface {
	ObserveProviderCall(provider, operation, outcome string, d time.Duration)
}

// Processor runs provider operations.
type Processor struct {
	health   HealthRecorder
	observer Observer
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithHealthRecorder reports outcomes to a circuit breaker.
func WithHealthRecorder(h HealthRecorder) Option {
	return func(p *Processor) { p.health = h }
}

// WithObserver reports call latency and outcome.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

// NewProcessor creates a Processor.
func NewProcessor(logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		logger: logger.With("component", "processor"),
		sleep:  httpretry.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute makes a single attempt.
func (p *Processor) Execute(ctx context.Context, a adapter.ProviderAdapter, req Request) (adapter.Result, error) {
	return p.execute(ctx, a, req, req.PriorAttempts+1)
}

func (p *Processor) execute(ctx context.Context, a adapter.ProviderAdapter, req Request, n int) (adapter.Result, error) {
	if a == nil {
		return adapter.Result{}, errors.New("processor: adapter cannot be nil")
	}
	ref := req.reference()
	if ref == "" {
		return adapter.Result{}, domain.NewValidationError("reference", "missing transaction reference")
	}
	att := attempt.Derive(ctx, ref, n)
	ctx = attempt.With(ctx, att)
	name := adapter.Name(a)

	var (
		res adapter.Result
		err error
	)
	switch req.Operation {
	case OpInitiate:
		res, err = a.Initiate(ctx, req.Payment)
	case OpWithdraw:
		res, err = a.Withdraw(ctx, req.Withdrawal)
	case OpVerify:
		res, err = a.Verify(ctx, ref)
	case OpQueryStatus:
		if req.ProviderReference == "" {
			return adapter.Result{}, domain.NewValidationError("provider_reference", "missing provider reference")
		}
		res, err = a.QueryStatus(ctx, req.ProviderReference)
	case OpPayBill:
		b, ok := a.(adapter.Biller)
		if !ok {
			return adapter.Result{}, domain.NewValidationError("provider", name+" does not pay bills")
		}
		res, err = b.PayBill(ctx, req.Bill)
	default:
		return adapter.Result{}, domain.NewValidationError("operation", fmt.Sprintf("unknown operation %q", req.Operation))
	}
	elapsed := time.Since(att.StartTime)

	outcome := "success"
	switch {
	case err == nil:
	case domain.IsRetryable(err):
		outcome = "transient_error"
	default:
		outcome = "error"
	}
	if p.health != nil {
		if outcome == "transient_error" {
			p.health.RecordFailure(name)
		} else {
			p.health.RecordSuccess(name)
		}
	}
	if p.observer != nil {
		p.observer.ObserveProviderCall(name, string(req.Operation), outcome, elapsed)
	}

	log := p.logger.With(
		"transaction_id", ref,
		"provider", name,
		"operation", req.Operation,
		"attempt", n,
		"trace_id", att.TraceID,
	)
	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) {
			log = log.With("status", perr.StatusCode, "retryable", perr.Retryable)
		}
		log.Warn("provider call failed", "error", err)
		return res, err
	}
	if res.Details == nil {
		res.Details = make(map[string]string)
	}
	res.Details["attempts"] = strconv.Itoa(n)
	log.Info("provider call succeeded", "status", res.Status, "provider_reference", res.ProviderReference)
	return res, nil
}

// ExecuteWithRetry attempts the operation until it succeeds, fails permanently or
// policy.MaxAttempts attempts (counting req.PriorAttempts) have been made. Between
// attempts it waits policy.Backoff(n), or the provider's Retry-After when longer.
// Exhaustion returns *domain.RetryLimitExceededError; cancellation returns ctx.Err().
func (p *Processor) ExecuteWithRetry(ctx context.Context, a adapter.ProviderAdapter, req Request, policy domain.RetryPolicy) (adapter.Result, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = domain.DefaultRetryPolicy().MaxAttempts
	}

	var (
		res     adapter.Result
		lastErr error
	)
	for n := req.PriorAttempts + 1; ; n++ {
		if n > policy.MaxAttempts {
			return res, &domain.RetryLimitExceededError{Attempts: n - 1, Last: lastErr}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res, lastErr = p.execute(ctx, a, req, n)
		if lastErr == nil {
			return res, nil
		}
		if !domain.IsRetryable(lastErr) {
			return res, lastErr
		}
		if n >= policy.MaxAttempts {
			return res, &domain.RetryLimitExceededError{Attempts: n, Last: lastErr}
		}

		wait := policy.Backoff(n)
		var perr *domain.ProviderError
		if errors.As(lastErr, &perr) && perr.RetryAfter > wait {
			wait = perr.RetryAfter
		}
		p.logger.Info("retry scheduled", "transaction_id", req.reference(), "attempt", n, "backoff", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}
