// Package metrics holds the Prometheus collectors for the authentication
// flows. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal_auth"

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	logins             *prometheus.CounterVec
	sessionValidations *prometheus.CounterVec
	logouts            *prometheus.CounterVec
	userRecordTasks    *prometheus.CounterVec
	idpLatency         *prometheus.HistogramVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Completed login callbacks by outcome.",
		}, []string{"outcome"}),
		sessionValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_validations_total",
			Help:      "Identity provider session liveness checks by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logouts by kind (provider or local).",
		}, []string{"kind"}),
		userRecordTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_record_tasks_total",
			Help:      "Remote user record tasks by outcome.",
		}, []string{"outcome"}),
		idpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "idp_request_duration_seconds",
			Help:      "Latency of identity provider requests by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins,
		m.sessionValidations,
		m.logouts,
		m.userRecordTasks,
		m.idpLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SessionValidation(result string) {
	if m != nil {
		m.sessionValidations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Logout(kind string) {
	if m != nil {
		m.logouts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) UserRecordTask(outcome string) {
	if m != nil {
		m.userRecordTasks.WithLabelValues(outcome).Inc()
	}
}

// ObserveIdP records the latency of an identity provider call started at
// start. err selects the status label.
func (m *Metrics) ObserveIdP(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.idpLatency.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
