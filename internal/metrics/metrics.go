// Package metrics exposes allocation and rendering counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portreg/internal/models"
)

const namespace = "portreg"

// Registration outcomes.
const (
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeFailed   = "failed"
)

// Render outcomes.
const (
	RenderOK       = "ok"
	RenderFallback = "fallback"
	RenderInvalid  = "invalid"
)

// Metrics owns the process registry. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	registrations   *prometheus.CounterVec
	portsAllocated  *prometheus.CounterVec
	retries         prometheus.Counter
	renders         *prometheus.CounterVec
	forwardFailures prometheus.Counter
}

// New creates the counters and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Device registrations by outcome.",
		}, []string{"outcome"}),
		portsAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_allocated_total",
			Help:      "Ports allocated by protocol.",
		}, []string{"protocol"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_retries_total",
			Help:      "Allocation transactions retried after a port conflict.",
		}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_renders_total",
			Help:      "Routing documents rendered by outcome.",
		}, []string{"outcome"}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_forward_failures_total",
			Help:      "Credentials that could not be forwarded to the key service.",
		}),
	}

	m.registry.MustRegister(
		m.registrations,
		m.portsAllocated,
		m.retries,
		m.renders,
		m.forwardFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Registration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PortsAllocated(assignments []models.Assignment) {
	if m == nil {
		return
	}
	for _, a := range assignments {
		m.portsAllocated.WithLabelValues(a.Protocol.String()).Inc()
	}
}

func (m *Metrics) AllocationRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Render(outcome string) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ForwardFailure() {
	if m == nil {
		return
	}
	m.forwardFailures.Inc()
}
