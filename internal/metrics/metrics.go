// Package metrics exposes the relay's operational counters for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame drop reasons used as the `reason` label on FramesDropped.
const (
	DropReasonMalformed   = "malformed"
	DropReasonUnknownType = "unknown_type"
	DropReasonNoSession   = "no_session"
	DropReasonOversized   = "oversized"
)

type Metrics struct {
	registry *prometheus.Registry

	activeConnections    prometheus.Gauge
	connectionsTotal     prometheus.Counter
	sessionsStartedTotal prometheus.Counter
	messagesRelayedTotal prometheus.Counter
	sessionsSweptTotal   prometheus.Counter
	rateLimitKicksTotal  prometheus.Counter
	livenessKicksTotal   prometheus.Counter
	framesDropped        *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whisperwire_connections_active",
			Help: "Current number of open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperwire_connections_total",
			Help: "Total client connections accepted since start.",
		}),
		sessionsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperwire_sessions_started_total",
			Help: "Pairwise sessions opened since start.",
		}),
		messagesRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperwire_messages_relayed_total",
			Help: "Chat and group messages relayed since start.",
		}),
		sessionsSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperwire_sessions_swept_total",
			Help: "Sessions removed by the TTL sweep.",
		}),
		rateLimitKicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperwire_rate_limit_kicks_total",
			Help: "Connections terminated for exceeding the rate limit.",
		}),
		livenessKicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperwire_liveness_kicks_total",
			Help: "Connections terminated by the heartbeat sweep.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperwire_frames_dropped_total",
			Help: "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.sessionsStartedTotal,
		m.messagesRelayedTotal,
		m.sessionsSweptTotal,
		m.rateLimitKicksTotal,
		m.livenessKicksTotal,
		m.framesDropped,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStartedTotal.Inc()
}

func (m *Metrics) MessageRelayed() {
	if m == nil {
		return
	}
	m.messagesRelayedTotal.Inc()
}

func (m *Metrics) SessionsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsSweptTotal.Add(float64(n))
}

func (m *Metrics) RateLimitKick() {
	if m == nil {
		return
	}
	m.rateLimitKicksTotal.Inc()
}

func (m *Metrics) LivenessKick() {
	if m == nil {
		return
	}
	m.livenessKicksTotal.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}
