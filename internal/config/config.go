// Package config loads settlementd settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

type HTTPConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"text"`
	Prefix string `envconfig:"PREFIX" default:"settlementd"`
	Caller bool   `envconfig:"CALLER" default:"false"`
}

type StoreConfig struct {
	// Driver is memory or postgres. Dedup claims and the sweep lock move to
	// Redis whenever REDIS_URL is set.
	Driver      string `envconfig:"DRIVER" default:"memory"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
}

type DBConfig struct {
	URL string `envconfig:"URL"`
}

type RedisConfig struct {
	URL    string `envconfig:"URL"`
	Prefix string `envconfig:"PREFIX" default:"settlement"`
}

type ProvidersConfig struct {
	// Default is used when no country or explicit provider applies.
	Default string `envconfig:"DEFAULT" default:"mock"`
	// Enabled lists usable providers in preference order; empty means every
	// provider with credentials.
	Enabled []string `envconfig:"ENABLED"`
	// Strategy is country, cheapest or default.
	Strategy string `envconfig:"STRATEGY" default:"country"`
	// FeeBps overrides advertised fees, e.g. "stripe:290,paystack:150".
	FeeBps map[string]int `envconfig:"FEE_BPS"`
	// LookupFile replaces the built-in network and country tables.
	LookupFile string `envconfig:"LOOKUP_FILE"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"API_KEY"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
	BaseURL       string `envconfig:"BASE_URL"`
}

type FlutterwaveConfig struct {
	SecretKey   string `envconfig:"SECRET_KEY"`
	WebhookHash string `envconfig:"WEBHOOK_HASH"`
	BaseURL     string `envconfig:"BASE_URL"`
	RedirectURL string `envconfig:"REDIRECT_URL"`
}

type PaystackConfig struct {
	SecretKey string `envconfig:"SECRET_KEY"`
	BaseURL   string `envconfig:"BASE_URL"`
}

type BillerConfig struct {
	Name          string `envconfig:"NAME" default:"biller"`
	APIKey        string `envconfig:"API_KEY"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
	BaseURL       string `envconfig:"BASE_URL"`
}

type RetryConfig struct {
	MaxAttempts    int   `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffSeconds []int `envconfig:"BACKOFF_SECONDS" default:"30,60,120"`
}

type BreakerConfig struct {
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"3"`
	ResetTimeout     time.Duration `envconfig:"RESET_TIMEOUT" default:"30s"`
}

type WorkerConfig struct {
	Enabled     bool          `envconfig:"ENABLED" default:"true"`
	Interval    time.Duration `envconfig:"INTERVAL" default:"30s"`
	StaleAfter  time.Duration `envconfig:"STALE_AFTER" default:"2m"`
	ReplayBatch int           `envconfig:"REPLAY_BATCH" default:"100"`
}

type LedgerConfig struct {
	// Driver is memory or gateway.
	Driver  string `envconfig:"DRIVER" default:"memory"`
	BaseURL string `envconfig:"BASE_URL"`
	APIKey  string `envconfig:"API_KEY"`
	Asset   string `envconfig:"ASSET" default:"cNGN"`
	// MemoryBalance funds the in-memory ledger.
	MemoryBalance string `envconfig:"MEMORY_BALANCE" default:"100000000"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"BROKERS"`
	Topic   string   `envconfig:"TOPIC" default:"settlement.transaction.state_changed"`
}

type TracingConfig struct {
	Enabled     bool   `envconfig:"ENABLED" default:"false"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"settlementd"`
}

// App is the full settlementd configuration.
type App struct {
	Env         string            `envconfig:"APP_ENV" default:"development"`
	HTTP        HTTPConfig        `envconfig:"HTTP"`
	Log         LogConfig         `envconfig:"LOG"`
	Store       StoreConfig       `envconfig:"STORE"`
	DB          DBConfig          `envconfig:"DATABASE"`
	Redis       RedisConfig       `envconfig:"REDIS"`
	Providers   ProvidersConfig   `envconfig:"PROVIDER"`
	Stripe      StripeConfig      `envconfig:"STRIPE"`
	Flutterwave FlutterwaveConfig `envconfig:"FLUTTERWAVE"`
	Paystack    PaystackConfig    `envconfig:"PAYSTACK"`
	Biller      BillerConfig      `envconfig:"BILLER"`
	Retry       RetryConfig       `envconfig:"RETRY"`
	Breaker     BreakerConfig     `envconfig:"BREAKER"`
	Worker      WorkerConfig      `envconfig:"WORKER"`
	Ledger      LedgerConfig      `envconfig:"LEDGER"`
	Kafka       KafkaConfig       `envconfig:"KAFKA"`
	Tracing     TracingConfig     `envconfig:"TRACING"`
}

// RetryPolicy converts the retry settings.
func (c *App) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BackoffSeconds: slices.Clone(c.Retry.BackoffSeconds),
	}
}

// Credentialed lists the providers whose credentials are present, plus the
// mock provider outside production.
func (c *App) Credentialed() []string {
	var names []string
	if c.Env != "production" {
		names = append(names, "mock")
	}
	if c.Stripe.APIKey != "" {
		names = append(names, "stripe")
	}
	if c.Flutterwave.SecretKey != "" {
		names = append(names, "flutterwave")
	}
	if c.Paystack.SecretKey != "" {
		names = append(names, "paystack")
	}
	if c.Biller.BaseURL != "" {
		names = append(names, c.Biller.Name)
	}
	return names
}

// ActiveProviders is Providers.Enabled, or every credentialed provider.
func (c *App) ActiveProviders() []string {
	if len(c.Providers.Enabled) > 0 {
		return c.Providers.Enabled
	}
	return c.Credentialed()
}

// Validate reports every inconsistent setting at once.
func (c *App) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.DB.URL == "" {
			add("DATABASE_URL is required for the postgres store")
		}
	default:
		add("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Ledger.Driver {
	case "memory":
		if _, err := decimal.NewFromString(c.Ledger.MemoryBalance); err != nil {
			add("LEDGER_MEMORY_BALANCE: %v", err)
		}
	case "gateway":
		if c.Ledger.BaseURL == "" {
			add("LEDGER_BASE_URL is required for the gateway ledger")
		}
	default:
		add("unknown LEDGER_DRIVER %q", c.Ledger.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		add("unknown LOG_FORMAT %q", c.Log.Format)
	}

	active := c.ActiveProviders()
	credentialed := c.Credentialed()
	if len(active) == 0 {
		add("no provider is enabled")
	}
	for _, name := range active {
		if !slices.Contains(credentialed, name) {
			add("provider %q is enabled but has no credentials", name)
		}
	}
	if c.Providers.Default == "" {
		add("PROVIDER_DEFAULT is required")
	} else if !slices.Contains(active, c.Providers.Default) {
		add("default provider %q is not enabled", c.Providers.Default)
	}
	switch c.Providers.Strategy {
	case "country", "cheapest", "default":
	default:
		add("unknown PROVIDER_STRATEGY %q", c.Providers.Strategy)
	}
	for name, bps := range c.Providers.FeeBps {
		if bps < 0 {
			add("fee for %q must not be negative", name)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		add("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	for _, s := range c.Retry.BackoffSeconds {
		if s < 0 {
			add("RETRY_BACKOFF_SECONDS must not contain negative values")
			break
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		add("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Worker.Interval <= 0 {
		add("WORKER_INTERVAL must be positive")
	}
	if c.Worker.StaleAfter <= 0 {
		add("WORKER_STALE_AFTER must be positive")
	}
	return errors.Join(errs...)
}
