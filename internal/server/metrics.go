package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. Each Server owns its own registry so
// several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	sessions       prometheus.Gauge
	usersOnline    prometheus.Gauge
	pushes         prometheus.Counter
	pushesDropped  prometheus.Counter
	frames         *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	framesLimited  prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_sessions_open",
			Help: "Number of live push-channel sessions.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_users_online",
			Help: "Number of users with at least one live session.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_pushes_total",
			Help: "Events enqueued onto session send queues.",
		}),
		pushesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_pushes_dropped_total",
			Help: "Events that could not be enqueued because the session queue was full.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_frames_total",
			Help: "Inbound push-channel frames by type.",
		}, []string{"type"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_frames_rejected_total",
			Help: "Inbound frames answered with an error event, by error code.",
		}, []string{"code"}),
		framesLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_frames_rate_limited_total",
			Help: "Inbound frames discarded by the per-session rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions,
		m.usersOnline,
		m.pushes,
		m.pushesDropped,
		m.frames,
		m.framesRejected,
		m.framesLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
