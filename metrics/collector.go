package metrics

// Collector wraps metrics and provides helper methods with pre-filled labels
// for one partition of one backfill.
type Collector struct {
	backfill  string
	partition string
}

// NewCollector creates a new Collector for the given backfill partition.
func NewCollector(backfill, partition string) *Collector {
	return &Collector{backfill: backfill, partition: partition}
}

// IncBatchesCommitted increments the committed batches counter.
func (c *Collector) IncBatchesCommitted() {
	BatchesCommittedTotal.WithLabelValues(c.backfill, c.partition).Inc()
}

// IncRunBatchFailures increments the RunBatch failures counter.
func (c *Collector) IncRunBatchFailures() {
	RunBatchFailuresTotal.WithLabelValues(c.backfill, c.partition).Inc()
}

// AddRecords adds scanned and matching record counts.
func (c *Collector) AddRecords(scanned, matching int64) {
	RecordsScannedTotal.WithLabelValues(c.backfill, c.partition).Add(float64(scanned))
	RecordsMatchingTotal.WithLabelValues(c.backfill, c.partition).Add(float64(matching))
}

// IncRunsCompleted increments the completed runs counter for the backfill.
func (c *Collector) IncRunsCompleted() {
	RunsCompletedTotal.WithLabelValues(c.backfill).Inc()
}

// SetBackoff records the delay currently imposed on the partition.
func (c *Collector) SetBackoff(seconds float64) {
	BackoffSeconds.WithLabelValues(c.backfill, c.partition).Set(seconds)
}

// SetCursorCommitLag sets the number of started calls queued behind the next commit.
func (c *Collector) SetCursorCommitLag(n int) {
	CursorCommitLag.WithLabelValues(c.backfill, c.partition).Set(float64(n))
}

// ObserveRunBatchDuration records a RunBatch duration observation.
func (c *Collector) ObserveRunBatchDuration(seconds float64) {
	RunBatchDuration.WithLabelValues(c.backfill, c.partition).Observe(seconds)
}

// IncLeasesAcquired increments the leases acquired counter.
func IncLeasesAcquired() {
	LeasesAcquiredTotal.Inc()
}

// IncLeaseRacesLost increments the lost lease races counter.
func IncLeaseRacesLost() {
	LeaseRacesLostTotal.Inc()
}

// RunnerStarted increments the active runners gauge.
func RunnerStarted() {
	ActiveRunners.Inc()
}

// RunnerStopped decrements the active runners gauge.
func RunnerStopped() {
	ActiveRunners.Dec()
}
