// Package metrics exposes Prometheus instrumentation for spaces, runs, and
// the operations flowing through them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Space lifecycle metrics
	SpacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alcove_spaces_active",
			Help: "Number of spaces currently holding a live sandbox",
		},
	)

	SpacesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alcove_spaces_created_total",
			Help: "Total number of spaces created",
		},
	)

	SpacesDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alcove_spaces_destroyed_total",
			Help: "Total number of spaces destroyed by trigger",
		},
		[]string{"trigger"}, // api, ttl
	)

	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alcove_runs_total",
			Help: "Total number of runs by terminal status",
		},
		[]string{"status"},
	)

	RunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alcove_run_duration_seconds",
			Help:    "Wall-clock duration of a run from submission to terminal status",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// Operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alcove_operations_total",
			Help: "Total operations processed by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: success, failed, denied, approval_required
	)

	ShellDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alcove_shell_duration_seconds",
			Help:    "Duration of shell executions inside sandboxes",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 300},
		},
	)

	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alcove_approvals_pending",
			Help: "Number of approvals currently awaiting a decision",
		},
	)
)

// Operation outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeFailed           = "failed"
	OutcomeDenied           = "denied"
	OutcomeApprovalRequired = "approval_required"
)

// RecordSpaceCreated tracks a successful space creation.
func RecordSpaceCreated() {
	SpacesCreatedTotal.Inc()
	SpacesActive.Inc()
}

// RecordSpaceDestroyed tracks a teardown. The trigger is "api" for explicit
// destroys and "ttl" for reaper teardowns.
func RecordSpaceDestroyed(trigger string) {
	SpacesDestroyedTotal.WithLabelValues(trigger).Inc()
	SpacesActive.Dec()
}

// RecordRunFinished tracks one executor pass reaching a persisted status.
func RecordRunFinished(status string, started time.Time) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDurationSeconds.Observe(time.Since(started).Seconds())
}

// RecordOperation tracks one processed operation.
func RecordOperation(opType, outcome string) {
	OperationsTotal.WithLabelValues(opType, outcome).Inc()
}
