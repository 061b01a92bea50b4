// Package circuitbreaker tracks provider health so selection can skip providers
// that keep failing.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold  = 3
	defaultResetTimeout      = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

// Config tunes the breaker. Zero values take the defaults: 3 failures to open,
// 30s before a trial request, 1 trial success to close.
type Config struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenSuccesses int
	// OnStateChange is called, without the lock held, whenever a provider's
	// circuit changes state.
	OnStateChange func(provider string, from, to State)
	// Now replaces time.Now in tests.
	Now func() time.Time
}

type providerState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
}

// CircuitBreaker keeps an in-memory circuit per provider.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       Config
}

// NewCircuitBreaker creates a breaker; see Config for defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{providers: make(map[string]*providerState), cfg: cfg}
}

// getProviderState must be called with mu held.
func (cb *CircuitBreaker) getProviderState(name string) *providerState {
	ps, ok := cb.providers[name]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[name] = ps
	}
	return ps
}

func (cb *CircuitBreaker) notify(name string, from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(name, from, to)
	}
}

// AllowRequest reports whether a call to the provider may go out. An open
// circuit whose timeout elapsed moves to half-open and admits the call.
func (cb *CircuitBreaker) AllowRequest(name string) bool {
	cb.mu.Lock()
	ps := cb.getProviderState(name)
	from := ps.state
	allowed := true
	if ps.state == StateOpen {
		if cb.cfg.Now().Before(ps.openUntil) {
			allowed = false
		} else {
			ps.state = StateHalfOpen
			ps.consecutiveSuccesses = 0
		}
	}
	to := ps.state
	cb.mu.Unlock()

	cb.notify(name, from, to)
	return allowed
}

// RecordFailure counts a failed call.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	ps := cb.getProviderState(name)
	from := ps.state
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			ps.state = StateOpen
			ps.openUntil = cb.cfg.Now().Add(cb.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		ps.state = StateOpen
		ps.openUntil = cb.cfg.Now().Add(cb.cfg.ResetTimeout)
		ps.consecutiveSuccesses = 0
	}
	to := ps.state
	cb.mu.Unlock()

	cb.notify(name, from, to)
}

// RecordSuccess counts a successful call.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	ps := cb.getProviderState(name)
	from := ps.state
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures = 0
	case StateHalfOpen:
		ps.consecutiveSuccesses++
		if ps.consecutiveSuccesses >= cb.cfg.HalfOpenSuccesses {
			ps.state = StateClosed
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	}
	to := ps.state
	cb.mu.Unlock()

	cb.notify(name, from, to)
}

// GetProviderStatus returns the circuit state and consecutive failure count
// without moving an expired open circuit to half-open.
func (cb *CircuitBreaker) GetProviderStatus(name string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, ok := cb.providers[name]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}

// Snapshot returns the state of every provider seen so far.
func (cb *CircuitBreaker) Snapshot() map[string]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make(map[string]State, len(cb.providers))
	for name, ps := range cb.providers {
		out[name] = ps.state
	}
	return out
}
