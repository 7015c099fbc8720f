// Package telemetry records deployment and API metrics and exposes them to
// Prometheus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is what the deployer and the API server report.
type Metrics interface {
	IncUnitInstalls(outcome string)
	IncPlanFailures(reason string)
	ObserveDeployment(status string, seconds float64)
	ObserveRequest(method, route, status string, seconds float64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncUnitInstalls(string)                         {}
func (Noop) IncPlanFailures(string)                         {}
func (Noop) ObserveDeployment(string, float64)              {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics on a private registry, so several instances can
// live in one process.
type Prom struct {
	registry    *prometheus.Registry
	unitInstall *prometheus.CounterVec
	planFailure *prometheus.CounterVec
	deployments *prometheus.HistogramVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewProm builds the collectors under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		unitInstall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_installs_total",
			Help:      "Install units attempted, by outcome",
		}, []string{"outcome"}),
		planFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_failures_total",
			Help:      "Batches aborted during planning, by reason",
		}, []string{"reason"}),
		deployments: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Batch duration by final status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.registry.MustRegister(
		p.unitInstall, p.planFailure, p.deployments, p.requests, p.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prom) IncUnitInstalls(outcome string) {
	p.unitInstall.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncPlanFailures(reason string) {
	p.planFailure.WithLabelValues(reason).Inc()
}

func (p *Prom) ObserveDeployment(status string, seconds float64) {
	p.deployments.WithLabelValues(status).Observe(seconds)
}

func (p *Prom) ObserveRequest(method, route, status string, seconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(seconds)
}

// Registry exposes the underlying registry, mostly for tests.
func (p *Prom) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
