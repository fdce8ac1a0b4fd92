// Package metrics provides Prometheus metrics for drover.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "drover"
)

// Metrics contains all Prometheus metrics for the coordinator.
type Metrics struct {
	// Session metrics
	ConnectionsActive prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	AuthResults       *prometheus.CounterVec
	Supersedes        prometheus.Counter

	// Credential metrics
	CredentialRequests *prometheus.CounterVec
	CredentialOps      *prometheus.CounterVec

	// Dispatch metrics
	Dispatches      *prometheus.CounterVec
	DispatchLatency prometheus.Histogram
	Kicks           *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently registered endpoint connections",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total accepted sessions by first-message kind",
		}, []string{"kind"}),
		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Total registration attempts by result",
		}, []string{"result"}),
		Supersedes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supersedes_total",
			Help:      "Total connections replaced by a newer registration for the same endpoint",
		}),

		// Credential metrics
		CredentialRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Total credential requests by outcome",
		}, []string{"outcome"}),
		CredentialOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_ops_total",
			Help:      "Total operator credential operations by kind",
		}, []string{"op"}),

		// Dispatch metrics
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total command dispatches by outcome",
		}, []string{"outcome"}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Histogram of command round-trip latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 35},
		}),
		Kicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicks_total",
			Help:      "Total connected endpoints kicked by reason",
		}, []string{"reason"}),
	}

	return m
}

// RecordSession counts an accepted session by its first-message kind.
func (m *Metrics) RecordSession(kind string) {
	m.SessionsTotal.WithLabelValues(kind).Inc()
}

// RecordAuthResult counts a registration attempt outcome.
func (m *Metrics) RecordAuthResult(result string) {
	m.AuthResults.WithLabelValues(result).Inc()
}

// RecordRegister tracks a successful registration.
func (m *Metrics) RecordRegister() {
	m.ConnectionsActive.Inc()
}

// RecordDisconnect tracks a registered endpoint going away.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordSupersede counts a connection replaced by a newer registration.
func (m *Metrics) RecordSupersede() {
	m.Supersedes.Inc()
}

// RecordCredentialRequest counts a credential request by outcome.
func (m *Metrics) RecordCredentialRequest(outcome string) {
	m.CredentialRequests.WithLabelValues(outcome).Inc()
}

// RecordCredentialOp counts an operator credential operation.
func (m *Metrics) RecordCredentialOp(op string) {
	m.CredentialOps.WithLabelValues(op).Inc()
}

// RecordDispatch counts a dispatch outcome and its latency.
func (m *Metrics) RecordDispatch(outcome string, seconds float64) {
	m.Dispatches.WithLabelValues(outcome).Inc()
	m.DispatchLatency.Observe(seconds)
}

// RecordKick counts a connected endpoint being kicked.
func (m *Metrics) RecordKick(reason string) {
	m.Kicks.WithLabelValues(reason).Inc()
}
