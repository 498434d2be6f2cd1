// Package metrics exposes Prometheus counters for the signaling core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atyenoria/nkmedia/internal/backend"
)

// Metrics implements the session.Stats and call.Stats hooks.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
	sessionStops   *prometheus.CounterVec
	callsActive    *prometheus.GaugeVec
	callsTotal     *prometheus.CounterVec
	callOutcomes   *prometheus.CounterVec
}

// New creates and registers the metric set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nkmedia_sessions_active",
			Help: "Currently live media sessions.",
		}, []string{"service", "type"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nkmedia_sessions_total",
			Help: "Media sessions started.",
		}, []string{"service", "type"}),
		sessionStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nkmedia_session_stops_total",
			Help: "Session stops by reason.",
		}, []string{"service", "reason"}),
		callsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nkmedia_calls_active",
			Help: "Currently live calls.",
		}, []string{"service"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nkmedia_calls_total",
			Help: "Calls started.",
		}, []string{"service"}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nkmedia_call_outcomes_total",
			Help: "Call outcomes.",
		}, []string{"service", "outcome"}),
	}
	m.registry.MustRegister(
		m.sessionsActive, m.sessionsTotal, m.sessionStops,
		m.callsActive, m.callsTotal, m.callOutcomes,
	)
	return m
}

// Handler returns the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(service string, t backend.SessionType) {
	m.sessionsActive.WithLabelValues(service, string(t)).Inc()
	m.sessionsTotal.WithLabelValues(service, string(t)).Inc()
}

func (m *Metrics) SessionStopped(service string, t backend.SessionType, reason string) {
	m.sessionsActive.WithLabelValues(service, string(t)).Dec()
	m.sessionStops.WithLabelValues(service, reason).Inc()
}

func (m *Metrics) CallStarted(service string) {
	m.callsActive.WithLabelValues(service).Inc()
	m.callsTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) CallEnded(service, outcome string) {
	m.callsActive.WithLabelValues(service).Dec()
	m.callOutcomes.WithLabelValues(service, outcome).Inc()
}
