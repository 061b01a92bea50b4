// Package webhook authenticates, deduplicates and applies inbound provider
// notifications.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/monitor"
	"github.com/yourorg/settlement-orchestrator/internal/store"
)

// ErrUnknownProvider is returned for a provider that is not enabled.
var ErrUnknownProvider = errors.New("webhook: unknown provider")

// Outcomes reported to the Observer.
const (
	OutcomeProcessed        = "processed"
	OutcomeDuplicate        = "duplicate"
	OutcomeIgnored          = "ignored"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeRejected         = "rejected"
	OutcomeFailed           = "failed"
)

// ProviderLookup resolves an enabled adapter by name. *registry.Registry implements it.
type ProviderLookup interface {
	Get(name string) (adapter.ProviderAdapter, error)
}

// Applier applies a notification to its transaction. The orchestrator implements it.
type Applier interface {
	ApplyNotification(ctx context.Context, n domain.Notification, action domain.Action) error
}

// Observer receives one outcome per delivery.
type Observer interface {
	ObserveWebhook(provider, outcome string)
}

// Config holds the collaborators of a Processor. Contracts and Observer are optional.
type Config struct {
	Providers ProviderLookup
	Events    store.EventStore
	Dedup     store.DedupStore
	Applier   Applier
	Contracts *monitor.Contracts
	Observer  Observer
	// MaxReplayAttempts stops replaying an event after this many failures.
	MaxReplayAttempts int
}

// Processor is safe for concurrent use.
type Processor struct {
	cfg    Config
	group  singleflight.Group
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a Processor. It panics when a mandatory collaborator is nil.
func NewProcessor(cfg Config, logger *slog.Logger) *Processor {
	if cfg.Providers == nil || cfg.Events == nil || cfg.Dedup == nil || cfg.Applier == nil {
		panic("webhook: providers, events, dedup and applier are required")
	}
	if cfg.MaxReplayAttempts <= 0 {
		cfg.MaxReplayAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:    cfg,
		tracer: otel.Tracer("settlement-orchestrator/webhook"),
		logger: logger.With("component", "webhook"),
		now:    time.Now,
	}
}

func (p *Processor) observe(provider, outcome string) {
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveWebhook(provider, outcome)
	}
}

// Process handles one delivery. It returns domain.ErrInvalidSignature before
// touching any state, and domain.ErrAlreadyProcessed for a duplicate delivery.
func (p *Processor) Process(ctx context.Context, provider, signature string, payload []byte) (domain.Action, error) {
	ctx, span := p.tracer.Start(ctx, "webhook.Process", trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	a, err := p.cfg.Providers.Get(provider)
	if err != nil {
		return domain.ActionUnknown, fmt.Errorf("%w %q: %v", ErrUnknownProvider, provider, err)
	}
	if !a.VerifyWebhook(signature, payload) {
		p.observe(provider, OutcomeInvalidSignature)
		span.SetStatus(codes.Error, "invalid signature")
		p.logger.Warn("rejected webhook with invalid signature", "provider", provider)
		return domain.ActionUnknown, domain.ErrInvalidSignature
	}
	if p.cfg.Contracts != nil {
		if err := p.cfg.Contracts.Check(provider, payload); err != nil {
			p.observe(provider, OutcomeRejected)
			p.logger.Warn("webhook payload breaks contract", "provider", provider, "error", err)
			return domain.ActionUnknown, err
		}
	}
	n, err := a.ParseWebhookEvent(payload)
	if err != nil {
		p.observe(provider, OutcomeRejected)
		return domain.ActionUnknown, fmt.Errorf("webhook: parse %s event: %w", provider, err)
	}
	n.Provider = provider
	if n.EventID == "" {
		sum := sha256.Sum256(payload)
		n.EventID = hex.EncodeToString(sum[:])
	}
	action := MapEventType(n.EventType)
	span.SetAttributes(attribute.String("event_id", n.EventID), attribute.String("action", string(action)))

	// Concurrent deliveries of one event inside this process share a single
	// execution; only the caller whose function ran reports the outcome.
	token := uuid.NewString()
	v, err, _ := p.group.Do(domain.DedupKey(provider, n.EventID), func() (interface{}, error) {
		return token, p.handle(ctx, n, action, payload)
	})
	if v.(string) != token {
		p.observe(provider, OutcomeDuplicate)
		return action, domain.ErrAlreadyProcessed
	}
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, domain.ErrAlreadyProcessed) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return action, err
}

func (p *Processor) handle(ctx context.Context, n domain.Notification, action domain.Action, payload []byte) error {
	logger := p.logger.With("provider", n.Provider, "event_id", n.EventID, "event_type", n.EventType)

	claimed, err := p.cfg.Dedup.Claim(ctx, n.Provider, n.EventID)
	if err != nil {
		p.observe(n.Provider, OutcomeFailed)
		return fmt.Errorf("webhook: claim %s: %w", domain.DedupKey(n.Provider, n.EventID), err)
	}
	if !claimed {
		p.observe(n.Provider, OutcomeDuplicate)
		logger.Info("duplicate webhook delivery")
		return domain.ErrAlreadyProcessed
	}

	ev := &domain.WebhookEvent{
		ID:                uuid.NewString(),
		Provider:          n.Provider,
		EventID:           n.EventID,
		EventType:         n.EventType,
		TransactionRef:    n.TransactionRef,
		ProviderReference: n.ProviderReference,
		Status:            action,
		Payload:           payload,
		ReceivedAt:        p.now().UTC(),
	}
	if err := p.cfg.Events.SaveEvent(ctx, ev); err != nil {
		if rerr := p.cfg.Dedup.Release(ctx, n.Provider, n.EventID); rerr != nil {
			logger.Error("release dedup claim", "error", rerr)
		}
		p.observe(n.Provider, OutcomeFailed)
		return fmt.Errorf("webhook: save event: %w", err)
	}

	if action == domain.ActionUnknown {
		logger.Info("ignoring unmapped webhook event")
		p.observe(n.Provider, OutcomeIgnored)
		return p.cfg.Events.MarkEventProcessed(ctx, ev.ID, p.now())
	}

	if err := p.apply(ctx, ev, n, action); err != nil {
		p.observe(n.Provider, OutcomeFailed)
		return err
	}
	p.observe(n.Provider, OutcomeProcessed)
	logger.Info("webhook applied", "action", action, "transaction_ref", n.TransactionRef)
	return nil
}

func (p *Processor) apply(ctx context.Context, ev *domain.WebhookEvent, n domain.Notification, action domain.Action) error {
	if err := p.cfg.Applier.ApplyNotification(ctx, n, action); err != nil {
		if rerr := p.cfg.Events.RecordEventFailure(ctx, ev.ID, err.Error()); rerr != nil {
			p.logger.Error("record webhook failure", "event", ev.ID, "error", rerr)
		}
		return fmt.Errorf("webhook: apply %s: %w", action, err)
	}
	if err := p.cfg.Events.MarkEventProcessed(ctx, ev.ID, p.now()); err != nil {
		return fmt.Errorf("webhook: mark %s processed: %w", ev.ID, err)
	}
	return nil
}

// ReplayPending re-applies stored events whose application failed. It returns
// the number of events that were applied.
func (p *Processor) ReplayPending(ctx context.Context, limit int) (int, error) {
	ctx, span := p.tracer.Start(ctx, "webhook.ReplayPending")
	defer span.End()

	events, err := p.cfg.Events.ListPendingEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("webhook: list pending: %w", err)
	}
	applied := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		logger := p.logger.With("event", ev.ID, "provider", ev.Provider)
		if ev.Attempts >= p.cfg.MaxReplayAttempts {
			logger.Warn("webhook event exceeded replay attempts", "attempts", ev.Attempts, "last_error", ev.LastError)
			continue
		}
		a, err := p.cfg.Providers.Get(ev.Provider)
		if err != nil {
			logger.Warn("provider no longer enabled", "error", err)
			continue
		}
		n, err := a.ParseWebhookEvent(ev.Payload)
		if err != nil {
			_ = p.cfg.Events.RecordEventFailure(ctx, ev.ID, err.Error())
			continue
		}
		n.Provider = ev.Provider
		n.EventID = ev.EventID
		if ev.Status == domain.ActionUnknown {
			_ = p.cfg.Events.MarkEventProcessed(ctx, ev.ID, p.now())
			continue
		}
		if err := p.apply(ctx, ev, n, ev.Status); err != nil {
			logger.Warn("webhook replay failed", "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}
