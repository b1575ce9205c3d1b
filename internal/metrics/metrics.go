// Package metrics exposes the escrow core's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered on one registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	freezes         *prometheus.CounterVec
	settlementLegs  *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	walletCallTimer *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Payment state transitions attempted, labeled by event and outcome",
		}, []string{"event", "outcome"}),
		freezes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_freeze_total",
			Help: "Escrow freeze attempts, labeled by result",
		}, []string{"result"}),
		settlementLegs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlement_legs_total",
			Help: "Settlement payout legs, labeled by leg and result",
		}, []string{"leg", "result"}),
		withdrawals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_withdrawals_total",
			Help: "Withdrawal resolutions, labeled by type and outcome",
		}, []string{"type", "outcome"}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_timeout_sweeps_total",
			Help: "Timeout sweeps, labeled by result",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "route", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		walletCallTimer: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_wallet_call_duration_seconds",
			Help:    "Latency of wallet service calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(event, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Freeze(result string) {
	if m == nil {
		return
	}
	m.freezes.WithLabelValues(result).Inc()
}

func (m *Metrics) SettlementLeg(leg, result string) {
	if m == nil {
		return
	}
	m.settlementLegs.WithLabelValues(leg, result).Inc()
}

func (m *Metrics) Withdrawal(kind, outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Sweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

// ObserveWallet records the duration of one wallet call in seconds.
func (m *Metrics) ObserveWallet(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.walletCallTimer.WithLabelValues(operation).Observe(seconds)
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(seconds)
}
