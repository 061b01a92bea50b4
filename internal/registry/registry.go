// Package registry resolves provider adapters by name, by country and by cost.
// A Registry is read-only after construction.
package registry

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// CountryTable maps a country code to its preferred provider.
type CountryTable interface {
	ProviderForCountry(code string) (string, bool)
}

// Config selects which adapters are usable.
type Config struct {
	// Default is used when nothing more specific applies. It must be enabled.
	Default string
	// Enabled lists usable providers in preference order. Empty means every
	// registered adapter, in registration order.
	Enabled []string
	// FeeBps overrides the fee advertised by an adapter's descriptor.
	FeeBps map[string]int
}

// Registry holds the enabled adapters.
type Registry struct {
	adapters  map[string]adapter.ProviderAdapter
	enabled   []string
	fees      map[string]int
	def       string
	countries CountryTable
}

// New validates cfg against the given adapters. It fails when an enabled name has
// no adapter or when the default is not enabled.
func New(cfg Config, countries CountryTable, adapters ...adapter.ProviderAdapter) (*Registry, error) {
	r := &Registry{
		adapters:  make(map[string]adapter.ProviderAdapter, len(adapters)),
		fees:      make(map[string]int),
		countries: countries,
	}
	var order []string
	for _, a := range adapters {
		if a == nil {
			return nil, errors.New("registry: nil adapter")
		}
		name := adapter.Name(a)
		if _, dup := r.adapters[name]; dup {
			return nil, fmt.Errorf("registry: adapter %q registered twice", name)
		}
		r.adapters[name] = a
		order = append(order, name)
		if bps := a.Descriptor().FeeBps; bps != nil {
			r.fees[name] = *bps
		}
	}

	r.enabled = order
	if len(cfg.Enabled) > 0 {
		r.enabled = nil
		for _, name := range cfg.Enabled {
			if _, ok := r.adapters[name]; !ok {
				return nil, fmt.Errorf("registry: enabled provider %q has no adapter", name)
			}
			if !slices.Contains(r.enabled, name) {
				r.enabled = append(r.enabled, name)
			}
		}
	}
	for name, bps := range cfg.FeeBps {
		r.fees[name] = bps
	}

	r.def = cfg.Default
	if r.def == "" && len(r.enabled) > 0 {
		r.def = r.enabled[0]
	}
	if !slices.Contains(r.enabled, r.def) {
		return nil, fmt.Errorf("registry: default provider: %w", &domain.ProviderDisabledError{Name: r.def})
	}
	return r, nil
}

// Get returns the named adapter when it is enabled.
func (r *Registry) Get(name string) (adapter.ProviderAdapter, error) {
	if !slices.Contains(r.enabled, name) {
		return nil, &domain.ProviderDisabledError{Name: name}
	}
	return r.adapters[name], nil
}

// Biller returns the named adapter when it is enabled and can pay bills.
func (r *Registry) Biller(name string) (adapter.Biller, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	b, ok := a.(adapter.Biller)
	if !ok {
		return nil, domain.NewValidationError("provider", name+" does not pay bills")
	}
	return b, nil
}

// Default returns the default adapter.
func (r *Registry) Default() adapter.ProviderAdapter {
	return r.adapters[r.def]
}

// DefaultForCountry returns the country's preferred provider when it is enabled,
// otherwise the default.
func (r *Registry) DefaultForCountry(code string) adapter.ProviderAdapter {
	if r.countries != nil {
		if name, ok := r.countries.ProviderForCountry(code); ok {
			if a, err := r.Get(name); err == nil {
				return a
			}
		}
	}
	return r.Default()
}

// Cheapest returns the enabled adapter with the lowest fee for amount. Providers
// without fee data rank last; a known fee of 0 bps ranks first. Ties keep
// enumeration order.
func (r *Registry) Cheapest(amount decimal.Decimal) (adapter.ProviderAdapter, error) {
	return r.cheapestOf(amount, r.enabled)
}

func (r *Registry) cheapestOf(amount decimal.Decimal, names []string) (adapter.ProviderAdapter, error) {
	if len(names) == 0 {
		return nil, errors.New("registry: no enabled providers")
	}
	best := ""
	bestFee := decimal.NewFromInt(math.MaxInt64)
	for _, name := range names {
		fee, ok := r.FeeAmount(name, amount)
		if !ok {
			fee = decimal.NewFromInt(math.MaxInt64)
		}
		if best == "" || fee.LessThan(bestFee) {
			best, bestFee = name, fee
		}
	}
	return r.adapters[best], nil
}

// Enabled lists enabled provider names in enumeration order.
func (r *Registry) Enabled() []string {
	return slices.Clone(r.enabled)
}

// Fee returns the fee in basis points for name.
func (r *Registry) Fee(name string) (int, bool) {
	bps, ok := r.fees[name]
	return bps, ok
}

// FeeAmount is the fee charged by name on amount.
func (r *Registry) FeeAmount(name string, amount decimal.Decimal) (decimal.Decimal, bool) {
	bps, ok := r.fees[name]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(decimal.NewFromInt(int64(bps))).Div(decimal.NewFromInt(10000)), true
}

// Supporting lists enabled adapters accepting currency and, when given, country.
func (r *Registry) Supporting(currency, country string) []adapter.ProviderAdapter {
	var out []adapter.ProviderAdapter
	for _, name := range r.enabled {
		d := r.adapters[name].Descriptor()
		if !d.SupportsCurrency(currency) {
			continue
		}
		if country != "" && len(d.Countries) > 0 && !d.SupportsCountry(country) {
			continue
		}
		out = append(out, r.adapters[name])
	}
	return out
}
