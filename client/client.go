// Package client defines the contract of the remote client service that computes and runs
// backfill batches against the actual datastore.
package client

import (
	"context"

	"github.com/getpup/backfill-orchestrator"
)

// Client is implemented by client services and by transports that reach them.
// Implementations must be safe for concurrent use.
type Client interface {
	// PrepareBackfill validates the parameters and returns the partitions of a new run.
	// It is called once per run, outside the batch loop.
	PrepareBackfill(ctx context.Context, req PrepareBackfillRequest) (PrepareBackfillResponse, error)

	// GetNextBatchRange computes the batches following PreviousEndKey.
	// An empty Batches slice means the partition has no more work.
	GetNextBatchRange(ctx context.Context, req GetNextBatchRangeRequest) (GetNextBatchRangeResponse, error)

	// RunBatch executes one batch. A non-empty ExceptionStackTrace in the response reports
	// that the backfill code failed even though the call itself succeeded.
	RunBatch(ctx context.Context, req RunBatchRequest) (RunBatchResponse, error)
}

// PrepareBackfillRequest asks the client service to plan a run.
type PrepareBackfillRequest struct {
	BackfillName string            `json:"backfill_name"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	DryRun       bool              `json:"dry_run"`
}

// PrepareBackfillPartition describes one partition of a planned run.
type PrepareBackfillPartition struct {
	PartitionName string            `json:"partition_name"`
	BackfillRange backfill.KeyRange `json:"backfill_range"`
}

// PrepareBackfillResponse lists the partitions of a planned run. Parameters, when set,
// replace the requested parameters for the run.
type PrepareBackfillResponse struct {
	Partitions []PrepareBackfillPartition `json:"partitions"`
	Parameters map[string]string          `json:"parameters,omitempty"`
}

// GetNextBatchRangeRequest asks for the batches following a cursor.
type GetNextBatchRangeRequest struct {
	BackfillID     string            `json:"backfill_id"`
	BackfillName   string            `json:"backfill_name"`
	PartitionName  string            `json:"partition_name"`
	BatchSize      int64             `json:"batch_size"`
	ScanSize       int64             `json:"scan_size"`
	PreviousEndKey []byte            `json:"previous_end_key,omitempty"`
	BackfillRange  backfill.KeyRange `json:"backfill_range"`
	Parameters     map[string]string `json:"parameters,omitempty"`

	// ComputeTimeLimitMs is the server-side compute budget. It is kept below the transport
	// timeout so the client returns partial work instead of timing out.
	ComputeTimeLimitMs int64 `json:"compute_time_limit_ms"`

	// ComputeCountLimit caps the number of batches returned.
	ComputeCountLimit int64 `json:"compute_count_limit"`

	DryRun       bool `json:"dry_run"`
	Precomputing bool `json:"precomputing"`
}

// GetNextBatchRangeResponse carries the computed batches in key order.
type GetNextBatchRangeResponse struct {
	Batches []backfill.Batch `json:"batches"`
}

// RunBatchRequest asks the client service to execute one batch.
type RunBatchRequest struct {
	BackfillID    string            `json:"backfill_id"`
	BackfillName  string            `json:"backfill_name"`
	PartitionName string            `json:"partition_name"`
	BatchRange    backfill.KeyRange `json:"batch_range"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	DryRun        bool              `json:"dry_run"`
}

// RunBatchResponse reports the outcome of a batch.
type RunBatchResponse struct {
	// ExceptionStackTrace is set when the backfill code raised while running the batch.
	ExceptionStackTrace string `json:"exception_stack_trace,omitempty"`

	// BackoffMs asks the orchestrator to wait before starting the next batch.
	BackoffMs int64 `json:"backoff_ms,omitempty"`
}
