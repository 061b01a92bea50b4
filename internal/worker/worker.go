// Package worker periodically sweeps transactions that need another push:
// scheduled bill retries, funded bills not yet processed, payments waiting on
// a provider, pending refunds, unsettled payments and webhook events whose
// application failed. Every sweep is idempotent; running two at once is safe
// but wasteful, so sweeps take an optional distributed lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/orchestrator"
	"github.com/yourorg/settlement-orchestrator/internal/store"
)

// Orchestrator is the part of *orchestrator.Orchestrator the worker drives.
type Orchestrator interface {
	ProcessBill(ctx context.Context, id string) (*domain.Transaction, error)
	ResumeBill(ctx context.Context, id string) (*domain.Transaction, error)
	Reconcile(ctx context.Context, id string) (*domain.Transaction, error)
	ResumeRefund(ctx context.Context, id string) (*domain.Transaction, error)
	Settle(ctx context.Context, id string) (*domain.Transaction, error)
	RetryDue(tx *domain.Transaction, now time.Time) bool
}

// Replayer re-applies stored webhook events; *webhook.Processor implements it.
type Replayer interface {
	ReplayPending(ctx context.Context, limit int) (int, error)
}

// Observer receives sweep measurements; the metrics package implements it.
type Observer interface {
	ObserveSweepItem(task, result string)
	ObserveSweep(d time.Duration)
}

// Sweep task names, used in logs, metrics and reports.
const (
	TaskWebhookReplay = "webhook_replay"
	TaskRetryBills    = "retry_bills"
	TaskProcessBills  = "process_bills"
	TaskReconcile     = "reconcile"
	TaskRefunds       = "refunds"
	TaskSettlements   = "settlements"
)

const lockName = "settlement-orchestrator:sweep"

// Config tunes the worker.
type Config struct {
	// Interval between sweeps. Zero means 30s.
	Interval time.Duration
	// StaleAfter is how long a transaction must sit untouched in an in-flight
	// state before the worker takes it over. Zero means 2m.
	StaleAfter time.Duration
	// ReplayBatch bounds webhook events replayed per sweep. Zero means 100.
	ReplayBatch int
	// LockTTL is the lifetime of the sweep lock. Zero means twice the interval.
	LockTTL time.Duration
	Now     func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLocker serializes sweeps across instances.
func WithLocker(l store.Locker) Option {
	return func(w *Worker) { w.locker = l }
}

// WithReplayer enables the webhook replay task.
func WithReplayer(r Replayer) Option {
	return func(w *Worker) { w.replayer = r }
}

// WithObserver reports sweep metrics.
func WithObserver(o Observer) Option {
	return func(w *Worker) { w.observer = o }
}

// Worker runs sweeps on a ticker.
type Worker struct {
	store    store.TransactionStore
	orch     Orchestrator
	replayer Replayer
	locker   store.Locker
	observer Observer
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a Worker. It panics on a nil store or orchestrator.
func New(s store.TransactionStore, o Orchestrator, cfg Config, logger *slog.Logger, opts ...Option) *Worker {
	if s == nil {
		panic("store cannot be nil")
	}
	if o == nil {
		panic("orchestrator cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		store:  s,
		orch:   o,
		cfg:    cfg,
		logger: logger.With("component", "worker"),
		tracer: otel.Tracer("settlement-orchestrator/worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("retry worker started", "interval", w.cfg.Interval, "stale_after", w.cfg.StaleAfter)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Report counts what one sweep did, per task.
type Report struct {
	// Skipped is set when another instance held the sweep lock.
	Skipped   bool
	Succeeded map[string]int
	Failed    map[string]int
	Duration  time.Duration
}

func (r *Report) record(task string, err error) {
	if err != nil {
		r.Failed[task]++
		return
	}
	r.Succeeded[task]++
}

// Sweep runs every task once. Per-transaction failures are logged and counted;
// the returned error only reports tasks that could not list their work.
func (w *Worker) Sweep(ctx context.Context) (Report, error) {
	ctx, span := w.tracer.Start(ctx, "Worker.Sweep")
	defer span.End()

	rep := Report{Succeeded: make(map[string]int), Failed: make(map[string]int)}
	if w.locker != nil {
		unlock, ok, err := w.locker.TryLock(ctx, lockName, w.cfg.LockTTL)
		if err != nil {
			return rep, fmt.Errorf("worker: acquire sweep lock: %w", err)
		}
		if !ok {
			w.logger.Debug("sweep lock held elsewhere, skipping")
			rep.Skipped = true
			return rep, nil
		}
		defer unlock()
	}

	start := w.cfg.Now()
	var errs []error
	for _, task := range []struct {
		name string
		run  func(context.Context, *Report) error
	}{
		{TaskWebhookReplay, w.replayWebhooks},
		{TaskRetryBills, w.retryBills},
		{TaskProcessBills, w.processBills},
		{TaskReconcile, w.reconcile},
		{TaskRefunds, w.refunds},
		{TaskSettlements, w.settlements},
	} {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := task.run(ctx, &rep); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.name, err))
		}
	}
	rep.Duration = w.cfg.Now().Sub(start)
	if w.observer != nil {
		w.observer.ObserveSweep(rep.Duration)
	}
	span.SetAttributes(attribute.Int("sweep.failed", total(rep.Failed)), attribute.Int("sweep.succeeded", total(rep.Succeeded)))
	if n := total(rep.Succeeded) + total(rep.Failed); n > 0 {
		w.logger.Info("sweep finished", "succeeded", rep.Succeeded, "failed", rep.Failed, "duration", rep.Duration)
	}
	return rep, errors.Join(errs...)
}

func total(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func (w *Worker) observe(task string, err error) {
	if w.observer == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	w.observer.ObserveSweepItem(task, result)
}

// each runs fn for every listed transaction accepted by keep.
func (w *Worker) each(ctx context.Context, rep *Report, task string, states []domain.State, keep func(*domain.Transaction) bool, fn func(context.Context, string) (*domain.Transaction, error)) error {
	txs, err := w.store.ListByState(ctx, states...)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !keep(tx) {
			continue
		}
		_, err := fn(ctx, tx.ID)
		if err != nil {
			w.logger.Warn("sweep item failed", "task", task, "transaction_id", tx.ID, "state", tx.State, "error", err)
		}
		rep.record(task, err)
		w.observe(task, err)
	}
	return nil
}

// stale reports whether tx has not been touched for StaleAfter, so an
// in-flight request is not raced.
func (w *Worker) stale(tx *domain.Transaction) bool {
	return w.cfg.Now().Sub(tx.UpdatedAt) >= w.cfg.StaleAfter
}

func (w *Worker) replayWebhooks(ctx context.Context, rep *Report) error {
	if w.replayer == nil {
		return nil
	}
	n, err := w.replayer.ReplayPending(ctx, w.cfg.ReplayBatch)
	rep.Succeeded[TaskWebhookReplay] += n
	for i := 0; i < n; i++ {
		w.observe(TaskWebhookReplay, nil)
	}
	return err
}

func (w *Worker) retryBills(ctx context.Context, rep *Report) error {
	now := w.cfg.Now()
	return w.each(ctx, rep, TaskRetryBills,
		[]domain.State{domain.StateRetryScheduled},
		func(tx *domain.Transaction) bool { return w.orch.RetryDue(tx, now) },
		w.orch.ResumeBill)
}

func (w *Worker) processBills(ctx context.Context, rep *Report) error {
	return w.each(ctx, rep, TaskProcessBills,
		[]domain.State{domain.StateCngnReceived, domain.StateVerifyingAccount, domain.StateProcessingBill},
		w.stale,
		w.orch.ProcessBill)
}

func (w *Worker) reconcile(ctx context.Context, rep *Report) error {
	return w.each(ctx, rep, TaskReconcile,
		[]domain.State{domain.StatePending, domain.StateProcessing, domain.StateProviderProcessing},
		func(tx *domain.Transaction) bool { return tx.Provider != "" && w.stale(tx) },
		w.orch.Reconcile)
}

func (w *Worker) refunds(ctx context.Context, rep *Report) error {
	return w.each(ctx, rep, TaskRefunds,
		[]domain.State{
			domain.StateRefundInitiated,
			domain.StateRefundProcessing,
			domain.StateAccountInvalid,
			domain.StateProviderFailed,
			domain.StateFailed,
		},
		func(tx *domain.Transaction) bool {
			if tx.State == domain.StateFailed && tx.Kind != domain.KindWithdrawal {
				return false
			}
			return w.stale(tx)
		},
		w.orch.ResumeRefund)
}

func (w *Worker) settlements(ctx context.Context, rep *Report) error {
	return w.each(ctx, rep, TaskSettlements,
		[]domain.State{domain.StateCompleted},
		orchestrator.NeedsSettlement,
		w.orch.Settle)
}
