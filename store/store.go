package store

import (
	"context"
	"time"

	"github.com/getpup/backfill-orchestrator"
)

// Store provides persistence for backfill runs and their partitions.
// Implementations must be safe for concurrent access from multiple processes.
type Store interface {
	// CreateRun persists a new run and its partitions in one transaction.
	// IDs, versions and timestamps are assigned by the store. Partitions inherit the run state.
	// Returns the stored run.
	CreateRun(ctx context.Context, run backfill.BackfillRun, partitions []backfill.RunPartition) (backfill.BackfillRun, error)

	// GetRun returns a run by ID.
	// Returns backfill.ErrRunNotFound if the run does not exist.
	GetRun(ctx context.Context, runID string) (backfill.BackfillRun, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]backfill.BackfillRun, error)

	// GetPartition returns a partition by ID.
	// Returns backfill.ErrPartitionNotFound if the partition does not exist.
	GetPartition(ctx context.Context, partitionID string) (backfill.RunPartition, error)

	// ListPartitions returns the partitions of a run ordered by partition name.
	// Returns an empty slice if the run has no partitions.
	ListPartitions(ctx context.Context, runID string) ([]backfill.RunPartition, error)

	// SetRunState moves a run to state and mirrors the state onto every partition that is not COMPLETE.
	// Returns backfill.ErrRunNotFound if the run does not exist and
	// backfill.ErrInvalidStateTransition if the run cannot move to state.
	SetRunState(ctx context.Context, runID string, state backfill.RunState) (backfill.BackfillRun, error)

	// FindExpiredLeases returns up to limit RUNNING partitions whose lease expired before now.
	FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]backfill.RunPartition, error)

	// AcquireLease writes a new lease token and expiry if the partition is still at expectedVersion.
	// Returns ErrVersionConflict if another writer got there first.
	AcquireLease(ctx context.Context, partitionID string, expectedVersion int64, token string, expiresAt time.Time) (backfill.RunPartition, error)

	// CommitBatch advances the partition cursor to progress.Cursor, adds the counts and stores the rates.
	// Nothing is written if the stored cursor is already at or past progress.Cursor, which makes
	// redelivered and stale commits harmless. Reports whether the commit was applied.
	// Returns backfill.ErrPartitionNotFound if the partition does not exist.
	CommitBatch(ctx context.Context, partitionID string, progress backfill.BatchProgress) (bool, error)

	// UpdateRates stores the projected scan and match rates of a partition.
	// Returns backfill.ErrPartitionNotFound if the partition does not exist.
	UpdateRates(ctx context.Context, partitionID string, scannedPerMinute, matchingPerMinute int64) error

	// CommitPrecompute advances the precomputing cursor and adds the computed counts.
	// Counts are only added when the cursor advances; the done flag is always applied.
	// Returns backfill.ErrPartitionNotFound if the partition does not exist.
	CommitPrecompute(ctx context.Context, partitionID string, progress backfill.PrecomputeProgress) (bool, error)

	// CompletePartition marks a RUNNING partition COMPLETE. In the same transaction the run is
	// marked COMPLETE if it is RUNNING and every partition of it is now COMPLETE, so a run can
	// never be left RUNNING behind its last partition. Each flag is true only for the call that
	// made that transition. A PAUSED partition is left alone and completes once resumed.
	// Returns backfill.ErrPartitionNotFound if the partition does not exist.
	CompletePartition(ctx context.Context, partitionID string) (Completion, error)
}

// Completion reports which transitions a CompletePartition call made.
type Completion struct {
	Partition bool
	Run       bool
}
