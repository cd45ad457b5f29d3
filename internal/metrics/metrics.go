// Package metrics exposes the node's operational counters on a Prometheus
// registry. Everything hangs off a Metrics value so tests can run with their
// own registry instead of the process-global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	PacketsAccepted prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	LobbiesFormed   prometheus.Counter
	PlayersKicked   prometheus.Counter
	QueueDepth      prometheus.Gauge
	ActiveLobbies   prometheus.Gauge
	MeshWorkers     prometheus.Gauge
	SyncRejected    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PacketsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fps", Subsystem: "relay", Name: "packets_accepted_total",
		Help: "Gameplay packets validated and forwarded.",
	})
	m.PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fps", Subsystem: "relay", Name: "packets_dropped_total",
		Help: "Gameplay packets dropped, by reason.",
	}, []string{"reason"})
	m.Violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fps", Subsystem: "anticheat", Name: "violations_total",
		Help: "Anti-cheat findings, by severity.",
	}, []string{"severity"})
	m.LobbiesFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fps", Subsystem: "queue", Name: "lobbies_formed_total",
		Help: "Lobbies carved out of the waiting pool.",
	})
	m.PlayersKicked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fps", Subsystem: "anticheat", Name: "players_kicked_total",
		Help: "Connections terminated by a ban result.",
	})
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fps", Subsystem: "queue", Name: "depth",
		Help: "Players currently waiting for a lobby.",
	})
	m.ActiveLobbies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fps", Subsystem: "queue", Name: "active_lobbies",
		Help: "Lobbies currently relaying traffic on this node.",
	})
	m.MeshWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fps", Subsystem: "mesh", Name: "workers",
		Help: "Serving nodes currently visible in the mesh.",
	})
	m.SyncRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fps", Subsystem: "mesh", Name: "sync_rejected_total",
		Help: "Inbound sync messages rejected for a bad signature.",
	})

	m.registry.MustRegister(
		m.PacketsAccepted, m.PacketsDropped, m.Violations, m.LobbiesFormed,
		m.PlayersKicked, m.QueueDepth, m.ActiveLobbies, m.MeshWorkers,
		m.SyncRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
