package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "signpost_index"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ReviewTransitions   *prometheus.CounterVec
	ReviewConflicts     prometheus.Counter
	LinksProposed       *prometheus.CounterVec
	InsufficientResults *prometheus.CounterVec
	SnapshotsComputed   *prometheus.CounterVec
	ComputeDuration     prometheus.Histogram
	Retractions         prometheus.Counter
	RecomputePending    prometheus.Gauge
	RecomputeFailures   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReviewTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "review",
			Name:      "transitions_total",
			Help:      "Review state transitions by target status and actor kind.",
		}, []string{"to", "actor_kind"}),
		ReviewConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "review",
			Name:      "conflicts_total",
			Help:      "Review transitions rejected by compare-and-swap.",
		}),
		LinksProposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "evidence",
			Name:      "links_proposed_total",
			Help:      "Candidate links by outcome (discarded, needs_review, persisted).",
		}, []string{"outcome"}),
		InsufficientResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "insufficient_total",
			Help:      "Insufficient category or overall scores by term and reason.",
		}, []string{"term", "reason"}),
		SnapshotsComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "snapshots_computed_total",
			Help:      "Snapshots written by preset.",
		}, []string{"preset"}),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "compute_duration_seconds",
			Help:      "Time to read evidence and compute one index.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Retractions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "evidence",
			Name:      "retractions_total",
			Help:      "Events retracted (replays not counted).",
		}),
		RecomputePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "recompute",
			Name:      "pending",
			Help:      "Unprocessed recompute requests seen by the last runner pass.",
		}),
		RecomputeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "recompute",
			Name:      "failures_total",
			Help:      "Recompute requests that failed and stay queued.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ReviewTransitions,
			m.ReviewConflicts,
			m.LinksProposed,
			m.InsufficientResults,
			m.SnapshotsComputed,
			m.ComputeDuration,
			m.Retractions,
			m.RecomputePending,
			m.RecomputeFailures,
		)
	}
	return m
}

func (m *Metrics) transition(to ReviewStatus, actor string) {
	if m == nil {
		return
	}
	kind := "human"
	if isSystemActor(actor) {
		kind = "system"
	}
	m.ReviewTransitions.WithLabelValues(string(to), kind).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.ReviewConflicts.Inc()
}

func (m *Metrics) proposed(outcome string) {
	if m == nil {
		return
	}
	m.LinksProposed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) insufficient(term string, reason Reason) {
	if m == nil {
		return
	}
	m.InsufficientResults.WithLabelValues(term, string(reason)).Inc()
}

func (m *Metrics) snapshot(preset string) {
	if m == nil {
		return
	}
	m.SnapshotsComputed.WithLabelValues(preset).Inc()
}

func (m *Metrics) observeCompute(seconds float64) {
	if m == nil {
		return
	}
	m.ComputeDuration.Observe(seconds)
}

func (m *Metrics) retraction() {
	if m == nil {
		return
	}
	m.Retractions.Inc()
}

func (m *Metrics) pending(n int) {
	if m == nil {
		return
	}
	m.RecomputePending.Set(float64(n))
}

func (m *Metrics) recomputeFailed() {
	if m == nil {
		return
	}
	m.RecomputeFailures.Inc()
}
