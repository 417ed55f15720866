// Package metrics holds the Prometheus collectors of a notedb process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notedb"

// Metrics is a set of collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Writes counts ProposeUpdate outcomes.
	// Labels: result (applied, noop, busy, error)
	Writes *prometheus.CounterVec

	// WriteAttempts is the number of compare-and-swap attempts per write.
	WriteAttempts prometheus.Histogram

	// Conflicts counts lost compare-and-swap races.
	Conflicts prometheus.Counter

	// Materializations counts entity materializations.
	// Labels: cache (hit, partial, miss)
	Materializations *prometheus.CounterVec

	// FoldedRevisions counts revisions folded during materialization.
	FoldedRevisions prometheus.Counter

	// IndexOps counts index document updates.
	// Labels: op (upsert, delete)
	IndexOps *prometheus.CounterVec

	// StaleRepairs counts index documents found stale and repaired.
	StaleRepairs prometheus.Counter

	// IndexQueue is the number of queued indexing notifications.
	IndexQueue prometheus.Gauge

	// MigrationSteps counts completed schema migration steps.
	MigrationSteps prometheus.Counter

	// GCDeleted counts objects removed by garbage collection.
	GCDeleted prometheus.Counter
}

// New creates a Metrics and registers its collectors with reg.
// If reg is nil the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repo",
			Name:      "writes_total",
			Help:      "Proposed entity updates by result",
		}, []string{"result"}),
		WriteAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "repo",
			Name:      "write_attempts",
			Help:      "Compare-and-swap attempts per proposed update",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repo",
			Name:      "conflicts_total",
			Help:      "Lost compare-and-swap races",
		}),
		Materializations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "materializations_total",
			Help:      "Entity materializations by cache outcome",
		}, []string{"cache"}),
		FoldedRevisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "folded_revisions_total",
			Help:      "Revisions folded during materialization",
		}),
		IndexOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "ops_total",
			Help:      "Index document updates by operation",
		}, []string{"op"}),
		StaleRepairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "stale_repairs_total",
			Help:      "Stale index documents repaired",
		}),
		IndexQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "queue_length",
			Help:      "Queued indexing notifications",
		}),
		MigrationSteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "migration_steps_total",
			Help:      "Completed schema migration steps",
		}),
		GCDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "deleted_total",
			Help:      "Objects removed by garbage collection",
		}),
	}
}

// Write records the outcome of a proposed update.
func (m *Metrics) Write(result string, attempts int) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(result).Inc()
	if attempts > 0 {
		m.WriteAttempts.Observe(float64(attempts))
	}
}

// Conflict records a lost compare-and-swap race.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// Materialized records a materialization and the number of revisions it folded.
func (m *Metrics) Materialized(cache string, folded int) {
	if m == nil {
		return
	}
	m.Materializations.WithLabelValues(cache).Inc()
	m.FoldedRevisions.Add(float64(folded))
}

// Indexed records an index document update.
func (m *Metrics) Indexed(op string) {
	if m == nil {
		return
	}
	m.IndexOps.WithLabelValues(op).Inc()
}

// Repaired records a stale-document repair.
func (m *Metrics) Repaired() {
	if m == nil {
		return
	}
	m.StaleRepairs.Inc()
}

// QueueDelta adjusts the indexing queue gauge.
func (m *Metrics) QueueDelta(d int) {
	if m == nil {
		return
	}
	m.IndexQueue.Add(float64(d))
}

// MigrationStep records a completed migration step.
func (m *Metrics) MigrationStep() {
	if m == nil {
		return
	}
	m.MigrationSteps.Inc()
}

// Collected records objects removed by garbage collection.
func (m *Metrics) Collected(n int) {
	if m == nil {
		return
	}
	m.GCDeleted.Add(float64(n))
}
