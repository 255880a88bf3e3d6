// Package metrics exposes the server's Prometheus instrumentation. The
// teacher codebase declares prometheus/client_golang as a dependency but
// never imports it; this package is where that gets put to actual use —
// counters and gauges for connection/process lifecycle and dispatch
// latency, served over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the server updates. Construct with New
// and register its components by calling the update methods as events
// occur; there is no background collection loop.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen  prometheus.Gauge
	ProcessesTracked prometheus.Gauge
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// New builds a fresh instrument set registered against a private
// registry (not the global default, so tests can construct multiple
// independent Metrics instances without collector-already-registered
// panics).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procstar_connections_open",
			Help: "Number of procstar connections with a currently open socket.",
		}),
		ProcessesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procstar_processes_tracked",
			Help: "Number of processes currently tracked by the server.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procstar_dispatch_requests_total",
			Help: "Dispatcher operations by op and result.",
		}, []string{"op", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procstar_dispatch_duration_seconds",
			Help:    "Dispatcher operation latency by op.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(m.ConnectionsOpen, m.ProcessesTracked, m.DispatchTotal, m.DispatchDuration)
	return m
}

// Handler returns an http.Handler serving this Metrics instance's
// registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records the outcome and latency of a dispatcher
// operation. result should be "ok" or "error".
func (m *Metrics) ObserveDispatch(op, result string, seconds float64) {
	m.DispatchTotal.WithLabelValues(op, result).Inc()
	m.DispatchDuration.WithLabelValues(op).Observe(seconds)
}
