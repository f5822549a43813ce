package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchesCommittedTotal tracks batches whose cursor commit was applied.
var BatchesCommittedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_batches_committed_total",
		Help: "Total batches committed",
	},
	[]string{"backfill", "partition"},
)

// RunBatchFailuresTotal tracks failed RunBatch calls, including transport errors.
var RunBatchFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_run_batch_failures_total",
		Help: "Total failed RunBatch calls",
	},
	[]string{"backfill", "partition"},
)

// RecordsScannedTotal tracks records scanned by committed batches.
var RecordsScannedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_records_scanned_total",
		Help: "Total records scanned",
	},
	[]string{"backfill", "partition"},
)

// RecordsMatchingTotal tracks matching records in committed batches.
var RecordsMatchingTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_records_matching_total",
		Help: "Total matching records",
	},
	[]string{"backfill", "partition"},
)

// LeasesAcquiredTotal tracks partition leases won by this process.
var LeasesAcquiredTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_leases_acquired_total",
		Help: "Total partition leases acquired",
	},
)

// LeaseRacesLostTotal tracks lease attempts lost to another process.
var LeaseRacesLostTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_lease_races_lost_total",
		Help: "Total lease acquisitions lost to a concurrent writer",
	},
)

// RunsCompletedTotal tracks runs moved to COMPLETE by this process.
var RunsCompletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backfill_orchestrator_runs_completed_total",
		Help: "Total runs completed",
	},
	[]string{"backfill"},
)

// ActiveRunners tracks the partition runners currently executing in this process.
var ActiveRunners = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "backfill_orchestrator_active_runners",
		Help: "Current active partition runners",
	},
)

// BackoffSeconds tracks the delay imposed on a partition as of its last RunBatch outcome.
// It drops back to zero once a call succeeds with no hint or extra sleep pending.
var BackoffSeconds = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "backfill_orchestrator_backoff_seconds",
		Help: "Seconds the partition holds off before its next call, as of the last RunBatch outcome",
	},
	[]string{"backfill", "partition"},
)

// CursorCommitLag tracks RunBatch calls already started but queued behind the call whose
// result is committed next. Calls commit in start order, so these are uncommitted work.
var CursorCommitLag = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "backfill_orchestrator_cursor_commit_lag",
		Help: "RunBatch calls started and waiting behind the next cursor commit",
	},
	[]string{"backfill", "partition"},
)

// RunBatchDuration tracks RunBatch latency.
var RunBatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "backfill_orchestrator_run_batch_duration_seconds",
		Help:    "RunBatch latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"backfill", "partition"},
)
