package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Redemption outcomes for TakeOnce at offer time.
const (
	RedemptionHit     = "hit"
	RedemptionDefault = "default"
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
)

// Metrics groups the Prometheus instruments used by the gateway.
type Metrics struct {
	SessionsCreated    prometheus.Counter
	SessionRedemptions *prometheus.CounterVec
	Offers             *prometheus.CounterVec
	CandidatePatches   *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	AgentStarts        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New builds a Metrics set on its own registry so tests can construct
// multiple instances without duplicate-registration panics.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}
	}

	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(factory(
			"sessions_created_total", "Sessions created via POST /session.")),
		SessionRedemptions: prometheus.NewCounterVec(factory(
			"session_redemptions_total", "Session config lookups at offer time by outcome."),
			[]string{"outcome"}),
		Offers: prometheus.NewCounterVec(factory(
			"offers_total", "SDP offers handled by outcome."),
			[]string{"outcome"}),
		CandidatePatches: prometheus.NewCounterVec(factory(
			"candidate_patches_total", "ICE candidate patch requests by outcome."),
			[]string{"outcome"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peer_connections",
			Help:      "Live server-side peer connections.",
		}),
		AgentStarts: prometheus.NewCounterVec(factory(
			"agent_starts_total", "Agent start tasks by result."),
			[]string{"result"}),
		registry: reg,
	}

	reg.MustRegister(
		m.SessionsCreated,
		m.SessionRedemptions,
		m.Offers,
		m.CandidatePatches,
		m.ActiveConnections,
		m.AgentStarts,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, used by tests to gather.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
