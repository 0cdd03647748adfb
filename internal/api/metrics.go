package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mariokehl/gymportal-access/internal/audit"
)

const metricsNamespace = "gymaccess"

// Metrics holds the Prometheus collectors of the access core. It observes
// recorded attempts, scanner lockouts and login code flow events, and
// serves them on /metrics from its own registry.
type Metrics struct {
	registry *prometheus.Registry

	decisions  *prometheus.CounterVec
	lockouts   *prometheus.CounterVec
	loginCodes *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(version string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "access_decisions_total",
			Help:      "Access validations by method, service, result and denial reason.",
		}, []string{"method", "service", "result", "reason"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scanner_lockouts_total",
			Help:      "Scanner lockouts triggered by repeated token mismatches.",
		}, []string{"tenant_id"}),
		loginCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_code_events_total",
			Help:      "Login code send and verify outcomes.",
		}, []string{"step", "result"}),
	}

	reg.MustRegister(
		m.decisions,
		m.lockouts,
		m.loginCodes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "build_info",
			Help:        "Build information.",
			ConstLabels: prometheus.Labels{"version": version},
		}, func() float64 { return 1 }),
	)
	return m
}

// ObserveAttempt counts a recorded access attempt. It implements audit.Observer.
func (m *Metrics) ObserveAttempt(_ context.Context, a *audit.Attempt) {
	result := "denied"
	if a.Granted {
		result = "granted"
	}
	m.decisions.WithLabelValues(string(a.Method), a.Service, result, string(a.DenialReason)).Inc()
}

// ObserveLockout counts a scanner lockout. Its signature matches scanner.LockoutHook.
func (m *Metrics) ObserveLockout(tenantID string, _ int, _ time.Time) {
	m.lockouts.WithLabelValues(tenantID).Inc()
}

// ObserveLoginCode counts a login code flow event. Its signature matches logincode.EventHook.
func (m *Metrics) ObserveLoginCode(step, result string) {
	m.loginCodes.WithLabelValues(step, result).Inc()
}

// GaugeFunc registers a gauge computed on scrape, such as the audit drop count.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the Prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
