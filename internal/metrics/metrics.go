// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "settlement"

// Metrics holds every collector. Create one per registry.
type Metrics struct {
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	Webhooks        *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Refunds         *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	SweepItems      *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of provider calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "operation"}),
		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Persisted state transitions.",
		}, []string{"kind", "from", "to"}),
		Refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund attempts by outcome.",
		}, []string{"outcome"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half open).",
		}, []string{"provider"}),
		SweepItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Items handled by the retry worker per task.",
		}, []string{"task", "result"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full retry worker sweep.",
		}),
	}
}

func (m *Metrics) ObserveProviderCall(provider, operation, outcome string, d time.Duration) {
	m.ProviderCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) ObserveWebhook(provider, outcome string) {
	m.Webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveTransition(kind, from, to string) {
	m.Transitions.WithLabelValues(kind, from, to).Inc()
}

func (m *Metrics) ObserveRefund(outcome string) {
	m.Refunds.WithLabelValues(outcome).Inc()
}

// SetBreakerState records a circuit breaker state as its numeric value.
func (m *Metrics) SetBreakerState(provider string, state int) {
	m.BreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) ObserveSweepItem(task, result string) {
	m.SweepItems.WithLabelValues(task, result).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	m.SweepDuration.Observe(d.Seconds())
}
