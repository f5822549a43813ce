package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector_CreatesCollectorWithLabels(t *testing.T) {
	collector := NewCollector("users", "shard-0")

	assert.NotNil(t, collector)
	assert.Equal(t, "users", collector.backfill)
	assert.Equal(t, "shard-0", collector.partition)
}

func TestCollector_IncBatchesCommitted(t *testing.T) {
	collector := NewCollector("coll", "p1")

	before := testutil.ToFloat64(BatchesCommittedTotal.WithLabelValues("coll", "p1"))
	collector.IncBatchesCommitted()
	after := testutil.ToFloat64(BatchesCommittedTotal.WithLabelValues("coll", "p1"))

	assert.Equal(t, before+1, after)
}

func TestCollector_IncRunBatchFailures(t *testing.T) {
	collector := NewCollector("coll", "p2")

	before := testutil.ToFloat64(RunBatchFailuresTotal.WithLabelValues("coll", "p2"))
	collector.IncRunBatchFailures()
	after := testutil.ToFloat64(RunBatchFailuresTotal.WithLabelValues("coll", "p2"))

	assert.Equal(t, before+1, after)
}

func TestCollector_AddRecords(t *testing.T) {
	collector := NewCollector("coll", "p3")

	scanned := testutil.ToFloat64(RecordsScannedTotal.WithLabelValues("coll", "p3"))
	matching := testutil.ToFloat64(RecordsMatchingTotal.WithLabelValues("coll", "p3"))
	collector.AddRecords(15, 10)

	assert.Equal(t, scanned+15, testutil.ToFloat64(RecordsScannedTotal.WithLabelValues("coll", "p3")))
	assert.Equal(t, matching+10, testutil.ToFloat64(RecordsMatchingTotal.WithLabelValues("coll", "p3")))
}

func TestCollector_IncRunsCompleted(t *testing.T) {
	collector := NewCollector("coll-runs", "p4")

	before := testutil.ToFloat64(RunsCompletedTotal.WithLabelValues("coll-runs"))
	collector.IncRunsCompleted()
	after := testutil.ToFloat64(RunsCompletedTotal.WithLabelValues("coll-runs"))

	assert.Equal(t, before+1, after)
}

func TestCollector_Gauges(t *testing.T) {
	collector := NewCollector("coll", "p5")

	collector.SetBackoff(2.5)
	collector.SetCursorCommitLag(3)

	assert.Equal(t, 2.5, testutil.ToFloat64(BackoffSeconds.WithLabelValues("coll", "p5")))
	assert.Equal(t, float64(3), testutil.ToFloat64(CursorCommitLag.WithLabelValues("coll", "p5")))
}

func TestCollector_ObserveRunBatchDuration(t *testing.T) {
	collector := NewCollector("coll", "p6")

	collector.ObserveRunBatchDuration(0.25)

	assert.Greater(t, testutil.CollectAndCount(RunBatchDuration), 0)
}
