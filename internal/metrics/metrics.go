// Package metrics exposes prometheus counters and histograms for the
// orchestrator and spawner, a simplified, statically-registered rendition
// of the teacher's dynamic collector pattern — this core has a fixed,
// small set of instruments known at compile time, so the extra indirection
// the teacher's exporter used for its pluggable device-metric collectors
// doesn't earn its keep here (see DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the orchestrator and spawner update.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec
	EventDuration *prometheus.HistogramVec
	SpawnsTotal   *prometheus.CounterVec
	SpawnDuration *prometheus.HistogramVec
	NodeOpsTotal  *prometheus.CounterVec
}

// New constructs and registers every instrument against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devcore",
			Name:      "events_total",
			Help:      "Uevents processed, by action and outcome.",
		}, []string{"action", "outcome"}),

		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devcore",
			Name:      "event_duration_seconds",
			Help:      "Time to execute one event end to end.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		SpawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devcore",
			Name:      "spawns_total",
			Help:      "Helper program invocations, by outcome.",
		}, []string{"outcome"}),

		SpawnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devcore",
			Name:      "spawn_duration_seconds",
			Help:      "Time spent waiting on a spawned helper program.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		NodeOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devcore",
			Name:      "node_ops_total",
			Help:      "Device node/symlink operations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(m.EventsTotal, m.EventDuration, m.SpawnsTotal, m.SpawnDuration, m.NodeOpsTotal)
	return m
}

// ObserveEvent records one completed event's outcome and wall-clock cost.
func (m *Metrics) ObserveEvent(action, outcome string, seconds float64) {
	m.EventsTotal.WithLabelValues(action, outcome).Inc()
	m.EventDuration.WithLabelValues(action).Observe(seconds)
}

// ObserveSpawn records one completed spawn's outcome and wall-clock cost.
func (m *Metrics) ObserveSpawn(outcome string, seconds float64) {
	m.SpawnsTotal.WithLabelValues(outcome).Inc()
	m.SpawnDuration.WithLabelValues(outcome).Observe(seconds)
}

// ObserveNodeOp records one node-manager operation's outcome.
func (m *Metrics) ObserveNodeOp(kind, outcome string) {
	m.NodeOpsTotal.WithLabelValues(kind, outcome).Inc()
}
