package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports deployment counters on a private Prometheus registry.
// Every method is a no-op on a nil or disabled Metrics.
type Metrics struct {
	registry *prometheus.Registry

	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	phaseDuration        *prometheus.HistogramVec
	errorsByKind         *prometheus.CounterVec
	concurrencyRetries   *prometheus.CounterVec
	healthProbeAttempts  *prometheus.CounterVec
	diagnostics          *prometheus.CounterVec
	estimatedCost        *prometheus.GaugeVec
	activeDeployments    prometheus.Gauge
}

func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m := &Metrics{
		registry:             prometheus.NewRegistry(),
		deploymentsStarted:   counter("deployments_started_total", "Deployments started.", "team"),
		deploymentsCompleted: counter("deployments_completed_total", "Deployments finished, by final phase.", "team", "phase"),
		deploymentDuration:   histogram("deployment_duration_seconds", "Wall time of a deployment run.", "phase"),
		phaseDuration:        histogram("phase_duration_seconds", "Wall time of one rollout phase.", "phase", "status"),
		errorsByKind:         counter("deployment_errors_total", "Deployment failures, by error kind.", "kind"),
		concurrencyRetries:   counter("concurrency_retries_total", "Runs retried after StaleState or LeaseBusy.", "kind"),
		healthProbeAttempts:  counter("health_probe_attempts_total", "Health probe attempts, by result.", "component", "result"),
		diagnostics:          counter("validation_diagnostics_total", "Validation diagnostics, by severity and class.", "severity", "class"),
		estimatedCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "estimated_monthly_cost", Help: "Latest monthly cost estimate per application.",
		}, []string{"app", "currency"}),
		activeDeployments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_deployments", Help: "Deployments currently running.",
		}),
	}
	m.registry.MustRegister(
		m.deploymentsStarted, m.deploymentsCompleted, m.deploymentDuration, m.phaseDuration,
		m.errorsByKind, m.concurrencyRetries, m.healthProbeAttempts, m.diagnostics,
		m.estimatedCost, m.activeDeployments,
	)
	return m, nil
}

func (m *Metrics) on() bool { return m != nil && m.registry != nil }

func (m *Metrics) RecordDeploymentStarted(team string) {
	if m.on() {
		m.deploymentsStarted.WithLabelValues(team).Inc()
		m.activeDeployments.Inc()
	}
}

// RecordDeploymentCompleted closes out a run started with
// RecordDeploymentStarted. phase is the phase the run ended in.
func (m *Metrics) RecordDeploymentCompleted(team, phase string, d time.Duration) {
	if m.on() {
		m.deploymentsCompleted.WithLabelValues(team, phase).Inc()
		m.deploymentDuration.WithLabelValues(phase).Observe(d.Seconds())
		m.activeDeployments.Dec()
	}
}

func (m *Metrics) RecordPhase(phase, status string, d time.Duration) {
	if m.on() {
		m.phaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
	}
}

func (m *Metrics) RecordError(kind string) {
	if m.on() {
		m.errorsByKind.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordConcurrencyRetry(kind string) {
	if m.on() {
		m.concurrencyRetries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordHealthProbe(component string, healthy bool) {
	if !m.on() {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.healthProbeAttempts.WithLabelValues(component, result).Inc()
}

func (m *Metrics) RecordDiagnostic(severity, class string) {
	if m.on() {
		m.diagnostics.WithLabelValues(severity, class).Inc()
	}
}

func (m *Metrics) SetEstimatedCost(app, currency string, total float64) {
	if m.on() {
		m.estimatedCost.WithLabelValues(app, currency).Set(total)
	}
}

// Registry is nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in OpenMetrics format, or 404 when disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
