// Package metrics exposes prometheus instrumentation for the
// orchestrator runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runtime collects supervisor, actor, and consolidator metrics on a
// private registry.
type Runtime struct {
	registry *prometheus.Registry

	agents             prometheus.Gauge
	spawnsTotal        prometheus.Counter
	restartsTotal      *prometheus.CounterVec
	zombiesTotal       prometheus.Counter
	dispatchRejected   prometheus.Counter
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	consolidationsTotal   *prometheus.CounterVec
	consolidationDuration prometheus.Histogram
}

func NewRuntime(service string) *Runtime {
	registry := prometheus.NewRegistry()

	agents := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "sentinel",
		Subsystem:   "supervisor",
		Name:        "agents",
		Help:        "Number of live agent actors.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	spawnsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sentinel",
		Subsystem:   "supervisor",
		Name:        "spawns_total",
		Help:        "Total agents spawned.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	restartsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Total agent restarts by reason.",
	}, []string{"reason"})
	zombiesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sentinel",
		Subsystem:   "supervisor",
		Name:        "zombies_total",
		Help:        "Total zombie agents detected.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	dispatchRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "sentinel",
		Subsystem:   "supervisor",
		Name:        "dispatch_rejected_total",
		Help:        "Dispatches refused for backpressure or shutdown.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	invocationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "actor",
		Name:      "invocations_total",
		Help:      "Completed actor invocations by status.",
	}, []string{"status"})
	invocationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "actor",
		Name:      "invocation_duration_seconds",
		Help:      "Actor invocation duration by status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
	consolidationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "memory",
		Name:      "consolidations_total",
		Help:      "Consolidation cycles by priority and status.",
	}, []string{"priority", "status"})
	consolidationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "sentinel",
		Subsystem:   "memory",
		Name:        "consolidation_duration_seconds",
		Help:        "Consolidation cycle duration.",
		Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		ConstLabels: prometheus.Labels{"service": service},
	})

	registry.MustRegister(
		agents,
		spawnsTotal,
		restartsTotal,
		zombiesTotal,
		dispatchRejected,
		invocationsTotal,
		invocationDuration,
		consolidationsTotal,
		consolidationDuration,
	)

	return &Runtime{
		registry:              registry,
		agents:                agents,
		spawnsTotal:           spawnsTotal,
		restartsTotal:         restartsTotal,
		zombiesTotal:          zombiesTotal,
		dispatchRejected:      dispatchRejected,
		invocationsTotal:      invocationsTotal,
		invocationDuration:    invocationDuration,
		consolidationsTotal:   consolidationsTotal,
		consolidationDuration: consolidationDuration,
	}
}

func (m *Runtime) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Runtime) SetAgents(n int) {
	m.agents.Set(float64(n))
}

func (m *Runtime) RecordSpawn() {
	m.spawnsTotal.Inc()
}

func (m *Runtime) RecordRestart(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.restartsTotal.WithLabelValues(reason).Inc()
}

func (m *Runtime) RecordZombie() {
	m.zombiesTotal.Inc()
}

func (m *Runtime) RecordDispatchRejected() {
	m.dispatchRejected.Inc()
}

func (m *Runtime) ObserveInvocation(status string, seconds float64) {
	if status == "" {
		status = "unknown"
	}
	m.invocationsTotal.WithLabelValues(status).Inc()
	m.invocationDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Runtime) RecordConsolidation(priority, status string) {
	m.consolidationsTotal.WithLabelValues(priority, status).Inc()
}

func (m *Runtime) ObserveConsolidationDuration(seconds float64) {
	m.consolidationDuration.Observe(seconds)
}
