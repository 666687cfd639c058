// Package metrics exposes Prometheus instrumentation for the GC engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics holds counters and gauges describing GC activity.
type GCMetrics struct {
	// Runs counts completed GC passes, including passes that found nothing.
	Runs prometheus.Counter

	// Scanned counts catalog records examined across all passes.
	Scanned prometheus.Counter

	// Tombstoned counts soft-deletions.
	Tombstoned prometheus.Counter

	// Deleted counts destroyed payloads.
	Deleted prometheus.Counter

	// Quarantined counts records moved to quarantine.
	Quarantined prometheus.Counter

	// DeleteFailed counts failed payload deletions.
	DeleteFailed prometheus.Counter

	// InactiveSignals counts INACTIVE_ELIGIBLE events.
	InactiveSignals prometheus.Counter

	// PendingDeletes tracks all tombstoned records not yet deleted,
	// including those already eligible.
	PendingDeletes prometheus.Gauge

	// EligibleDeletes tracks tombstoned records deletable right now.
	EligibleDeletes prometheus.Gauge

	// QuarantinedRecords tracks records currently in quarantine.
	QuarantinedRecords prometheus.Gauge
}

// NewGCMetrics creates and registers GC metrics with the default registry.
func NewGCMetrics() *GCMetrics {
	return newGCMetrics(func(opts prometheus.CounterOpts) prometheus.Counter {
		return promauto.NewCounter(opts)
	}, func(opts prometheus.GaugeOpts) prometheus.Gauge {
		return promauto.NewGauge(opts)
	})
}

// NewGCMetricsWithRegistry creates GC metrics registered with a custom
// registry. Useful for testing to avoid conflicts with the default registry.
func NewGCMetricsWithRegistry(reg prometheus.Registerer) *GCMetrics {
	return newGCMetrics(func(opts prometheus.CounterOpts) prometheus.Counter {
		c := prometheus.NewCounter(opts)
		reg.MustRegister(c)
		return c
	}, func(opts prometheus.GaugeOpts) prometheus.Gauge {
		g := prometheus.NewGauge(opts)
		reg.MustRegister(g)
		return g
	})
}

func newGCMetrics(
	counter func(prometheus.CounterOpts) prometheus.Counter,
	gauge func(prometheus.GaugeOpts) prometheus.Gauge,
) *GCMetrics {
	return &GCMetrics{
		Runs: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Number of completed GC passes.",
		}),
		Scanned: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "records_scanned_total",
			Help:      "Number of catalog records examined by GC passes.",
		}),
		Tombstoned: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "tombstoned_total",
			Help:      "Number of snapshots soft-deleted by GC.",
		}),
		Deleted: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "deleted_total",
			Help:      "Number of snapshot payloads destroyed by GC.",
		}),
		Quarantined: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "quarantined_total",
			Help:      "Number of snapshots quarantined after repeated delete failures.",
		}),
		DeleteFailed: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "delete_failures_total",
			Help:      "Number of failed snapshot payload deletions.",
		}),
		InactiveSignals: counter(prometheus.CounterOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "inactive_signals_total",
			Help:      "Number of inactive-but-active snapshot signals emitted.",
		}),
		PendingDeletes: gauge(prometheus.GaugeOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "pending_deletes",
			Help:      "Tombstoned snapshots not yet deleted, eligible or not.",
		}),
		EligibleDeletes: gauge(prometheus.GaugeOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "eligible_deletes",
			Help:      "Tombstoned snapshots eligible for immediate deletion.",
		}),
		QuarantinedRecords: gauge(prometheus.GaugeOpts{
			Namespace: "snapgc",
			Subsystem: "gc",
			Name:      "quarantined_records",
			Help:      "Snapshots currently in quarantine.",
		}),
	}
}

// RecordRun adds one pass's counters.
func (m *GCMetrics) RecordRun(scanned, tombstoned, deleted, quarantined, deleteFailed, inactiveSignals int) {
	m.Runs.Inc()
	m.Scanned.Add(float64(scanned))
	m.Tombstoned.Add(float64(tombstoned))
	m.Deleted.Add(float64(deleted))
	m.Quarantined.Add(float64(quarantined))
	m.DeleteFailed.Add(float64(deleteFailed))
	m.InactiveSignals.Add(float64(inactiveSignals))
}

// RecordBacklog updates the backlog gauges from a post-pass catalog view.
func (m *GCMetrics) RecordBacklog(pending, eligible, quarantined int) {
	m.PendingDeletes.Set(float64(pending))
	m.EligibleDeletes.Set(float64(eligible))
	m.QuarantinedRecords.Set(float64(quarantined))
}
