// Package metrics exposes Prometheus collectors for the decision, gate and execution pipeline.
//
// Collectors live on a private registry so tests can build as many instances as they need.
// Every method is safe on a nil *Metrics, which disables recording.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinentx"

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	decisions          *prometheus.CounterVec
	vetoes             *prometheus.CounterVec
	providerErrors     *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	gateRejections     *prometheus.CounterVec
	orderAttempts      *prometheus.CounterVec
	unfilledQty        prometheus.Counter
	protectionFailures *prometheus.CounterVec
	slippage           prometheus.Histogram
	cycles             *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_decisions_total",
			Help:      "Consensus results by final action.",
		}, []string{"action"}),
		vetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vetoes_total",
			Help:      "Consensus vetoes by tag.",
		}, []string{"tag"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider calls excluded from consensus after an error or timeout.",
		}, []string{"provider"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider decision latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Risk gate rejections by reason code.",
		}, []string{"reason"}),
		orderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_attempts_total",
			Help:      "Execution ladder steps by mode and outcome (filled|partial|unfilled|aborted).",
		}, []string{"mode", "outcome"}),
		unfilledQty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unfilled_qty_total",
			Help:      "Quantity returned to callers as remainder.",
		}),
		protectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protection_failures_total",
			Help:      "Protective order placements that exhausted their retries.",
		}, []string{"kind"}),
		slippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_slippage_bps",
			Help:      "Fill price slippage against the reference quote in basis points.",
			Buckets:   []float64{0, 1, 2.5, 5, 10, 25, 50, 100},
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Trading cycles by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.decisions,
		m.vetoes,
		m.providerErrors,
		m.providerLatency,
		m.gateRejections,
		m.orderAttempts,
		m.unfilledQty,
		m.protectionFailures,
		m.slippage,
		m.cycles,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Decision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

func (m *Metrics) Veto(tag string) {
	if m == nil {
		return
	}
	m.vetoes.WithLabelValues(tag).Inc()
}

func (m *Metrics) ProviderError(provider string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) ProviderLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) GateRejection(reason string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(reason).Inc()
}

// OrderAttempt counts one ladder step.
func (m *Metrics) OrderAttempt(mode, outcome string) {
	if m == nil {
		return
	}
	m.orderAttempts.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Unfilled(qty float64) {
	if m == nil || qty <= 0 {
		return
	}
	m.unfilledQty.Add(qty)
}

func (m *Metrics) ProtectionFailure(kind string) {
	if m == nil {
		return
	}
	m.protectionFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Slippage(bps float64) {
	if m == nil {
		return
	}
	m.slippage.Observe(bps)
}

func (m *Metrics) Cycle(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}
