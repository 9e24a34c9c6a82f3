// Package metrics exposes Prometheus counters for the event pipeline
// and the worker orchestrator. Metrics are registered on a dedicated
// registry so tests can create servers without global-state
// collisions; Handler serves them at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// EventsReceived counts events accepted from each source.
	EventsReceived *prometheus.CounterVec
	// EventsDropped counts events dropped by full queues.
	EventsDropped *prometheus.CounterVec
	// EventsSampled counts snapshots stored by the sampler.
	EventsSampled *prometheus.CounterVec
	// Dispatches counts listener action dispatches by action type and
	// outcome.
	Dispatches *prometheus.CounterVec
	// SandboxErrors counts script failures (timeouts included).
	SandboxErrors prometheus.Counter
	// TaskTransitions counts worker task status transitions.
	TaskTransitions *prometheus.CounterVec
}

// New creates and registers the pipeline metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_events_received_total",
				Help: "Events accepted onto the pipeline by source",
			},
			[]string{"source"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_events_dropped_total",
				Help: "Events dropped because the queue was full",
			},
			[]string{"source"},
		),
		EventsSampled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_events_sampled_total",
				Help: "Event snapshots stored by the sampler",
			},
			[]string{"source"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_dispatches_total",
				Help: "Listener action dispatches by action type and outcome",
			},
			[]string{"action", "outcome"},
		),
		SandboxErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_sandbox_errors_total",
				Help: "Script evaluation failures including deadline overruns",
			},
		),
		TaskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_worker_task_transitions_total",
				Help: "Worker task status transitions",
			},
			[]string{"to"},
		),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.EventsDropped,
		m.EventsSampled,
		m.Dispatches,
		m.SandboxErrors,
		m.TaskTransitions,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
