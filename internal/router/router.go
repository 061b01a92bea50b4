// Package router picks the provider for a new transaction and falls back to the
// next candidate when a provider is unhealthy or turns the request away.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/registry"
	"github.com/yourorg/settlement-orchestrator/internal/router/circuitbreaker"
)

// Strategy orders candidate providers.
type Strategy string

const (
	// StrategyCountry prefers the country's provider, then the default.
	StrategyCountry Strategy = "country"
	// StrategyCheapest orders by fee for the amount.
	StrategyCheapest Strategy = "cheapest"
	// StrategyDefault always starts with the default provider.
	StrategyDefault Strategy = "default"
)

// ParseStrategy decodes a strategy name; unknown names are a validation error.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyCountry, StrategyCheapest, StrategyDefault:
		return st, nil
	case "":
		return StrategyCountry, nil
	}
	return "", domain.NewValidationError("strategy", fmt.Sprintf("unknown routing strategy %q", s))
}

// ErrNoHealthyProvider is returned when every candidate's circuit is open.
var ErrNoHealthyProvider = errors.New("router: no healthy provider available")

// Selection describes what a transaction needs from a provider.
type Selection struct {
	Currency string
	Country  string
	Amount   decimal.Decimal
	// Provider pins the choice; no fallback is attempted for a pinned provider.
	Provider string
}

// RouterConfig tunes candidate ordering.
type RouterConfig struct {
	Strategy Strategy
	// MaxCandidates bounds how many providers one request may try. Zero means 2.
	MaxCandidates int
}

// Router orders providers from the registry and skips open circuits.
type Router struct {
	registry *registry.Registry
	breaker  *circuitbreaker.CircuitBreaker
	cfg      RouterConfig
	logger   *slog.Logger
}

// NewRouter creates a Router. It panics on nil collaborators.
func NewRouter(reg *registry.Registry, cb *circuitbreaker.CircuitBreaker, cfg RouterConfig, logger *slog.Logger) *Router {
	if reg == nil {
		panic("registry cannot be nil")
	}
	if cb == nil {
		panic("circuit breaker cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCountry
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 2
	}
	return &Router{registry: reg, breaker: cb, cfg: cfg, logger: logger.With("component", "router")}
}

// Candidates returns providers to try, best first.
func (r *Router) Candidates(sel Selection) ([]adapter.ProviderAdapter, error) {
	if sel.Provider != "" {
		a, err := r.registry.Get(sel.Provider)
		if err != nil {
			return nil, err
		}
		return []adapter.ProviderAdapter{a}, nil
	}

	supporting := r.registry.Supporting(sel.Currency, sel.Country)
	var primary adapter.ProviderAdapter
	switch r.cfg.Strategy {
	case StrategyCheapest:
		slices.SortStableFunc(supporting, func(a, b adapter.ProviderAdapter) int {
			fa, okA := r.registry.FeeAmount(adapter.Name(a), sel.Amount)
			fb, okB := r.registry.FeeAmount(adapter.Name(b), sel.Amount)
			switch {
			case okA && !okB:
				return -1
			case !okA && okB:
				return 1
			}
			return fa.Cmp(fb)
		})
	case StrategyDefault:
		primary = r.registry.Default()
	default:
		primary = r.registry.DefaultForCountry(sel.Country)
	}

	var out []adapter.ProviderAdapter
	if primary != nil && primary.Descriptor().SupportsCurrency(sel.Currency) {
		out = append(out, primary)
	}
	for _, a := range supporting {
		if primary != nil && adapter.Name(a) == adapter.Name(primary) {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, domain.NewValidationError("currency", fmt.Sprintf("no enabled provider supports %s", sel.Currency))
	}
	if len(out) > r.cfg.MaxCandidates {
		out = out[:r.cfg.MaxCandidates]
	}
	return out, nil
}

// Route runs fn against the candidates in order. A candidate is skipped while its
// circuit is open; the next one is tried only when the previous one refused the
// request outright (rate limited or unavailable) so a request that may have been
// accepted is never sent twice to different providers.
func (r *Router) Route(ctx context.Context, sel Selection, fn func(context.Context, adapter.ProviderAdapter) (adapter.Result, error)) (adapter.Result, error) {
	candidates, err := r.Candidates(sel)
	if err != nil {
		return adapter.Result{}, err
	}

	var lastErr error
	for i, a := range candidates {
		name := adapter.Name(a)
		if !r.breaker.AllowRequest(name) {
			r.logger.Warn("skipping provider with open circuit", "provider", name)
			lastErr = fmt.Errorf("%w: circuit open for %s", ErrNoHealthyProvider, name)
			continue
		}
		res, err := fn(ctx, a)
		if err == nil {
			if i > 0 {
				if res.Details == nil {
					res.Details = make(map[string]string)
				}
				res.Details["is_fallback"] = "true"
				res.Details["original_provider_attempted"] = adapter.Name(candidates[0])
			}
			return res, nil
		}
		lastErr = err
		if !Refused(err) || sel.Provider != "" {
			return res, err
		}
		r.logger.Warn("provider refused request, trying next", "provider", name, "error", err)
	}
	return adapter.Result{}, lastErr
}

// Refused reports whether the provider answered without accepting the request:
// rate limiting or explicit unavailability.
func Refused(err error) bool {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.StatusCode == http.StatusTooManyRequests || perr.StatusCode == http.StatusServiceUnavailable
}
