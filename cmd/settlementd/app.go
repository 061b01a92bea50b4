package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/adapter/biller"
	"github.com/yourorg/settlement-orchestrator/internal/adapter/flutterwave"
	adaptermock "github.com/yourorg/settlement-orchestrator/internal/adapter/mock"
	"github.com/yourorg/settlement-orchestrator/internal/adapter/paystack"
	"github.com/yourorg/settlement-orchestrator/internal/adapter/stripe"
	"github.com/yourorg/settlement-orchestrator/internal/bill/verifier"
	"github.com/yourorg/settlement-orchestrator/internal/config"
	"github.com/yourorg/settlement-orchestrator/internal/events"
	"github.com/yourorg/settlement-orchestrator/internal/ledger"
	"github.com/yourorg/settlement-orchestrator/internal/lookup"
	"github.com/yourorg/settlement-orchestrator/internal/metrics"
	"github.com/yourorg/settlement-orchestrator/internal/monitor"
	"github.com/yourorg/settlement-orchestrator/internal/orchestrator"
	"github.com/yourorg/settlement-orchestrator/internal/processor"
	"github.com/yourorg/settlement-orchestrator/internal/refund"
	"github.com/yourorg/settlement-orchestrator/internal/registry"
	"github.com/yourorg/settlement-orchestrator/internal/reporting"
	"github.com/yourorg/settlement-orchestrator/internal/router"
	"github.com/yourorg/settlement-orchestrator/internal/router/circuitbreaker"
	"github.com/yourorg/settlement-orchestrator/internal/server"
	"github.com/yourorg/settlement-orchestrator/internal/store"
	"github.com/yourorg/settlement-orchestrator/internal/store/gormstore"
	"github.com/yourorg/settlement-orchestrator/internal/store/memory"
	"github.com/yourorg/settlement-orchestrator/internal/store/redisstore"
	"github.com/yourorg/settlement-orchestrator/internal/webhook"
	"github.com/yourorg/settlement-orchestrator/internal/worker"
)

// app is the fully wired engine shared by every subcommand.
type app struct {
	cfg          *config.App
	logger       *slog.Logger
	store        store.Store
	dedup        store.DedupStore
	locker       store.Locker
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	webhooks     *webhook.Processor
	worker       *worker.Worker
	reporter     *reporting.RetrospectiveReporter
	metrics      *metrics.Metrics
	promRegistry *prometheus.Registry
	health       func(ctx context.Context) error
	closers      []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg *config.App, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := a.Close(); closeErr != nil {
				logger.Warn("release resources after failed start", "error", closeErr)
			}
		}
	}()

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promRegistry)

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	tables := lookup.Default()
	if cfg.Providers.LookupFile != "" {
		if tables, err = lookup.LoadFile(cfg.Providers.LookupFile); err != nil {
			return nil, err
		}
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.registry, err = registry.New(registry.Config{
		Default: cfg.Providers.Default,
		Enabled: cfg.ActiveProviders(),
		FeeBps:  cfg.Providers.FeeBps,
	}, tables, adapters...)
	if err != nil {
		return nil, err
	}

	strategy, err := router.ParseStrategy(cfg.Providers.Strategy)
	if err != nil {
		return nil, err
	}
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(provider string, from, to circuitbreaker.State) {
			a.metrics.SetBreakerState(provider, int(to))
			logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
		},
	})
	rtr := router.NewRouter(a.registry, breaker, router.RouterConfig{Strategy: strategy}, logger)
	proc := processor.NewProcessor(logger,
		processor.WithHealthRecorder(breaker),
		processor.WithObserver(a.metrics),
	)

	led, err := buildLedger(cfg, logger)
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		a.closers = append(a.closers, k.Close)
		publisher = k
	}

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Store:     a.store,
		Registry:  a.registry,
		Router:    rtr,
		Processor: proc,
		Verifier:  verifier.New(tables, logger),
		Refunds:   refund.New(led, cfg.Retry.MaxAttempts, logger, refund.WithAsset(cfg.Ledger.Asset)),
		Ledger:    led,
		Events:    publisher,
		Observer:  a.metrics,
		Quoter:    orchestrator.Parity{},
	}, orchestrator.Config{
		Retry:  cfg.RetryPolicy(),
		Biller: cfg.Biller.Name,
		Asset:  cfg.Ledger.Asset,
	}, logger)

	contracts, err := monitor.DefaultContracts()
	if err != nil {
		return nil, fmt.Errorf("load webhook contracts: %w", err)
	}
	a.webhooks = webhook.NewProcessor(webhook.Config{
		Providers: a.registry,
		Events:    a.store,
		Dedup:     a.dedup,
		Applier:   a.orchestrator,
		Contracts: contracts,
		Observer:  a.metrics,
	}, logger)

	a.worker = worker.New(a.store, a.orchestrator, worker.Config{
		Interval:    cfg.Worker.Interval,
		StaleAfter:  cfg.Worker.StaleAfter,
		ReplayBatch: cfg.Worker.ReplayBatch,
	}, logger,
		worker.WithLocker(a.locker),
		worker.WithReplayer(a.webhooks),
		worker.WithObserver(a.metrics),
	)
	a.reporter = reporting.NewRetrospectiveReporter(a.store)
	return a, nil
}

// openStores picks the transaction store and, when Redis is configured, moves
// dedup claims and the sweep lock there.
func (a *app) openStores(ctx context.Context) error {
	cfg := a.cfg
	var pings []func(context.Context) error

	switch cfg.Store.Driver {
	case "postgres":
		gs, err := gormstore.Open(cfg.DB.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, gs.Close)
		if cfg.Store.AutoMigrate {
			if err := gs.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		a.store, a.dedup = gs, gs
		pings = append(pings, gs.Ping)
	default:
		ms := memory.New()
		a.store, a.dedup, a.locker = ms, ms, ms
	}

	if cfg.Redis.URL != "" {
		rs, err := redisstore.NewFromURL(cfg.Redis.URL, cfg.Redis.Prefix, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.dedup, a.locker = rs, rs
		pings = append(pings, rs.Ping)
	}
	if a.locker == nil {
		a.logger.Warn("no shared lock configured; run a single sweeping instance")
	}

	a.health = func(ctx context.Context) error {
		for _, ping := range pings {
			if err := ping(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func buildAdapters(cfg *config.App, logger *slog.Logger) ([]adapter.ProviderAdapter, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	var out []adapter.ProviderAdapter
	for _, name := range cfg.ActiveProviders() {
		switch name {
		case "mock":
			out = append(out, adaptermock.NewMockAdapter("mock"))
		case "stripe":
			out = append(out, stripe.NewStripeAdapter(stripe.Config{
				APIKey:        cfg.Stripe.APIKey,
				WebhookSecret: cfg.Stripe.WebhookSecret,
				BaseURL:       cfg.Stripe.BaseURL,
			}, client, logger))
		case "flutterwave":
			out = append(out, flutterwave.New(flutterwave.Config{
				SecretKey:   cfg.Flutterwave.SecretKey,
				WebhookHash: cfg.Flutterwave.WebhookHash,
				BaseURL:     cfg.Flutterwave.BaseURL,
				RedirectURL: cfg.Flutterwave.RedirectURL,
			}, client, logger))
		case "paystack":
			out = append(out, paystack.New(paystack.Config{
				SecretKey: cfg.Paystack.SecretKey,
				BaseURL:   cfg.Paystack.BaseURL,
			}, client, logger))
		case cfg.Biller.Name:
			out = append(out, biller.New(biller.Config{
				Name:          cfg.Biller.Name,
				APIKey:        cfg.Biller.APIKey,
				WebhookSecret: cfg.Biller.WebhookSecret,
				BaseURL:       cfg.Biller.BaseURL,
			}, client, logger))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return out, nil
}

func buildLedger(cfg *config.App, logger *slog.Logger) (ledger.Client, error) {
	if cfg.Ledger.Driver == "gateway" {
		return ledger.NewGateway(ledger.GatewayConfig{
			BaseURL: cfg.Ledger.BaseURL,
			APIKey:  cfg.Ledger.APIKey,
			Asset:   cfg.Ledger.Asset,
		}, &http.Client{Timeout: 30 * time.Second}, logger), nil
	}
	balance, err := decimal.NewFromString(cfg.Ledger.MemoryBalance)
	if err != nil {
		return nil, fmt.Errorf("ledger balance: %w", err)
	}
	logger.Warn("using in-memory ledger; transfers are not persisted")
	return ledger.NewMemory(balance), nil
}

func (a *app) server() *server.Server {
	return server.New(server.Config{
		Orchestrator: a.orchestrator,
		Webhooks:     a.webhooks,
		Providers:    a.registry,
		Reporter:     a.reporter,
		Metrics:      promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}),
		Health:       a.health,
	}, a.logger)
}
