package backfill

import (
	"bytes"
	"time"
)

// RunState is the aggregate state of a backfill run. Partitions mirror the state of their run.
type RunState string

const (
	// RunStateRunning indicates the run is eligible for lease hunting and batch execution.
	RunStateRunning RunState = "RUNNING"

	// RunStatePaused indicates the run was paused by an operator.
	// Partitions keep their cursors and resume from them when the run is started again.
	RunStatePaused RunState = "PAUSED"

	// RunStateComplete indicates every partition of the run has finished. This state is terminal.
	RunStateComplete RunState = "COMPLETE"
)

// CanTransitionTo reports whether a run in state s may move to next.
func (s RunState) CanTransitionTo(next RunState) bool {
	switch s {
	case RunStateRunning:
		return next == RunStatePaused || next == RunStateComplete
	case RunStatePaused:
		return next == RunStateRunning
	default:
		return false
	}
}

// Valid reports whether s is one of the known run states.
func (s RunState) Valid() bool {
	return s == RunStateRunning || s == RunStatePaused || s == RunStateComplete
}

// KeyRange is a contiguous range of opaque primary keys. A nil bound is open.
// Both bounds are nil when the remote side found nothing to backfill.
type KeyRange struct {
	// Start is the first key of the range, inclusive.
	Start []byte `json:"start,omitempty"`

	// End is the last key of the range, inclusive.
	End []byte `json:"end,omitempty"`
}

// IsEmpty reports whether the range has neither bound.
func (r KeyRange) IsEmpty() bool {
	return r.Start == nil && r.End == nil
}

// BackfillRun is one requested execution of a backfill. Runs are never deleted.
type BackfillRun struct {
	// ID is the unique identifier for this run (UUID).
	ID string

	// ServiceName identifies the client service that owns the backfill.
	ServiceName string

	// BackfillName identifies the backfill definition on the client service.
	BackfillName string

	// Parameters are passed verbatim to every remote call.
	Parameters map[string]string

	// DryRun asks the client service not to mutate data.
	DryRun bool

	// BatchSize is the number of matching records per batch.
	BatchSize int64

	// ScanSize is the number of records the client may scan per compute call.
	ScanSize int64

	// ThreadsPerPartition caps the number of outstanding run-batch calls per partition.
	ThreadsPerPartition int

	// BackoffSchedule is an optional comma separated list of millisecond delays used after
	// consecutive failures. Empty means exponential backoff.
	BackoffSchedule string

	// ExtraSleepMs is a fixed delay applied after every successful batch.
	ExtraSleepMs int64

	// State is the aggregate state of the run.
	State RunState

	// Version is incremented on every write and guards concurrent state changes.
	Version int64

	// CreatedAt is when the run was created.
	CreatedAt time.Time

	// UpdatedAt is when the run was last written.
	UpdatedAt time.Time

	// CompletedAt is set once all partitions are complete.
	CompletedAt *time.Time
}

// RunPartition is one independently cursored slice of a run, such as a shard.
type RunPartition struct {
	// ID is the unique identifier for this partition (UUID).
	ID string

	// RunID identifies the parent run.
	RunID string

	// PartitionName is the name the client service gave the partition.
	PartitionName string

	// BackfillRange bounds the keys of the partition.
	BackfillRange KeyRange

	// PkeyCursor is the end key of the last committed batch, nil before the first commit.
	PkeyCursor []byte

	// RunState mirrors the state of the parent run, except that a finished
	// partition is COMPLETE while its run may still be RUNNING.
	RunState RunState

	// LeaseToken identifies the current lease holder. Empty if the partition was never leased.
	LeaseToken string

	// LeaseExpiresAt is when the current lease lapses.
	LeaseExpiresAt time.Time

	// PrecomputingPkeyCursor is the end key of the last precomputed batch.
	PrecomputingPkeyCursor []byte

	// PrecomputingDone is set once the precomputer reached the end of the range.
	PrecomputingDone bool

	BackfilledScannedRecordCount  int64
	BackfilledMatchingRecordCount int64
	ComputedScannedRecordCount    int64
	ComputedMatchingRecordCount   int64

	// ScannedRecordsPerMinute is the last projected scan rate.
	ScannedRecordsPerMinute int64

	// MatchingRecordsPerMinute is the last projected match rate.
	MatchingRecordsPerMinute int64

	// Version is incremented on every write and guards lease acquisition.
	Version int64

	// CompletedAt is set when the partition transitions to COMPLETE.
	CompletedAt *time.Time
}

// LeaseHeld reports whether the partition is leased by token at now.
func (p RunPartition) LeaseHeld(token string, now time.Time) bool {
	return token != "" && p.LeaseToken == token && now.Before(p.LeaseExpiresAt)
}

// Batch is one contiguous key range plus its scan and match counts. Batches are not persisted.
type Batch struct {
	// BatchRange is the key range the batch covers.
	BatchRange KeyRange `json:"batch_range"`

	// ScannedRecordCount is the number of records in the range.
	ScannedRecordCount int64 `json:"scanned_record_count"`

	// MatchingRecordCount is the number of records in the range the backfill acts on.
	MatchingRecordCount int64 `json:"matching_record_count"`
}

// BatchProgress is what gets committed for a partition after a batch succeeds.
type BatchProgress struct {
	// Cursor is the end key of the batch and becomes the partition's pkey_cursor.
	Cursor []byte

	ScannedDelta  int64
	MatchingDelta int64

	ScannedPerMinute  int64
	MatchingPerMinute int64
}

// PrecomputeProgress is what the precomputer commits after each compute call.
type PrecomputeProgress struct {
	// Cursor is the end key of the last counted batch.
	Cursor []byte

	ScannedDelta  int64
	MatchingDelta int64

	// Done marks the precomputation as finished.
	Done bool
}

// CursorAdvances reports whether next lies strictly after current.
// A nil current cursor means nothing was committed yet.
func CursorAdvances(current, next []byte) bool {
	if current == nil {
		return true
	}
	return bytes.Compare(current, next) < 0
}
