// Package lifecycle creates backfill runs and moves them between RUNNING and PAUSED.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/backoff"
	"github.com/getpup/backfill-orchestrator/client"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
)

// ErrInvalidRequest indicates a create request with missing or out of range settings.
var ErrInvalidRequest = errors.New("invalid create request")

// Config holds configuration for the lifecycle Manager.
type Config struct {
	// Store persists runs and partitions (required).
	Store store.Store

	// Client plans new runs (required for Create).
	Client client.Client

	// Logger is for observability (optional).
	Logger es.Logger
}

// CreateRequest describes a new run.
type CreateRequest struct {
	ServiceName     string
	BackfillName    string
	Parameters      map[string]string
	DryRun          bool
	BatchSize       int64
	ScanSize        int64
	Threads         int
	BackoffSchedule string
	ExtraSleepMs    int64

	// Start creates the run RUNNING instead of PAUSED.
	Start bool
}

// Defaults applied by Create when a size is left at zero.
const (
	DefaultBatchSize = 100
	DefaultScanSize  = 10000
	DefaultThreads   = 1
)

// Manager drives operator actions on runs.
type Manager struct {
	config Config
}

// New creates a new lifecycle Manager with the given configuration.
func New(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// Create asks the client service for the partitions of a new run and stores the run with them.
// The run is PAUSED unless req.Start is set.
// Returns backfill.ErrNoPartitions if the client service planned no partitions.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (backfill.BackfillRun, error) {
	if err := normalize(&req); err != nil {
		return backfill.BackfillRun{}, err
	}

	prepared, err := m.config.Client.PrepareBackfill(ctx, client.PrepareBackfillRequest{
		BackfillName: req.BackfillName,
		Parameters:   req.Parameters,
		DryRun:       req.DryRun,
	})
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to prepare backfill %s: %w", req.BackfillName, err)
	}
	if len(prepared.Partitions) == 0 {
		return backfill.BackfillRun{}, fmt.Errorf("backfill %s: %w", req.BackfillName, backfill.ErrNoPartitions)
	}

	params := req.Parameters
	if prepared.Parameters != nil {
		params = prepared.Parameters
	}

	state := backfill.RunStatePaused
	if req.Start {
		state = backfill.RunStateRunning
	}

	partitions := make([]backfill.RunPartition, 0, len(prepared.Partitions))
	for _, p := range prepared.Partitions {
		partitions = append(partitions, backfill.RunPartition{
			PartitionName: p.PartitionName,
			BackfillRange: p.BackfillRange,
		})
	}

	run, err := m.config.Store.CreateRun(ctx, backfill.BackfillRun{
		ServiceName:         req.ServiceName,
		BackfillName:        req.BackfillName,
		Parameters:          params,
		DryRun:              req.DryRun,
		BatchSize:           req.BatchSize,
		ScanSize:            req.ScanSize,
		ThreadsPerPartition: req.Threads,
		BackoffSchedule:     req.BackoffSchedule,
		ExtraSleepMs:        req.ExtraSleepMs,
		State:               state,
	}, partitions)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to create run: %w", err)
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "run created",
			"runID", run.ID,
			"backfill", run.BackfillName,
			"partitions", len(partitions),
			"state", run.State,
			"dryRun", run.DryRun)
	}

	return run, nil
}

func normalize(req *CreateRequest) error {
	if req.BackfillName == "" {
		return fmt.Errorf("%w: backfill name is required", ErrInvalidRequest)
	}
	if req.BatchSize == 0 {
		req.BatchSize = DefaultBatchSize
	}
	if req.ScanSize == 0 {
		req.ScanSize = DefaultScanSize
	}
	if req.Threads == 0 {
		req.Threads = DefaultThreads
	}
	if req.BatchSize < 0 || req.ScanSize < 0 || req.Threads < 0 || req.ExtraSleepMs < 0 {
		return fmt.Errorf("%w: sizes, threads and extra sleep must not be negative", ErrInvalidRequest)
	}
	if _, err := backoff.ParseSchedule(req.BackoffSchedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Start moves a PAUSED run to RUNNING so its partitions become huntable.
func (m *Manager) Start(ctx context.Context, runID string) (backfill.BackfillRun, error) {
	return m.transition(ctx, runID, backfill.RunStateRunning)
}

// Pause moves a RUNNING run to PAUSED. Runners stop at their next settings refresh.
func (m *Manager) Pause(ctx context.Context, runID string) (backfill.BackfillRun, error) {
	return m.transition(ctx, runID, backfill.RunStatePaused)
}

func (m *Manager) transition(ctx context.Context, runID string, state backfill.RunState) (backfill.BackfillRun, error) {
	run, err := m.config.Store.SetRunState(ctx, runID, state)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to set run %s to %s: %w", runID, state, err)
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "run state updated", "runID", runID, "state", state)
	}

	return run, nil
}

// Status is a run together with its partitions.
type Status struct {
	Run        backfill.BackfillRun
	Partitions []backfill.RunPartition
}

// Status returns the run and its partitions ordered by partition name.
func (m *Manager) Status(ctx context.Context, runID string) (Status, error) {
	run, err := m.config.Store.GetRun(ctx, runID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	partitions, err := m.config.Store.ListPartitions(ctx, runID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list partitions of run %s: %w", runID, err)
	}

	return Status{Run: run, Partitions: partitions}, nil
}

// List returns every run, newest first.
func (m *Manager) List(ctx context.Context) ([]backfill.BackfillRun, error) {
	runs, err := m.config.Store.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Totals sums the counters of every partition.
func (s Status) Totals() (scanned, matching, computedScanned, computedMatching int64) {
	for _, p := range s.Partitions {
		scanned += p.BackfilledScannedRecordCount
		matching += p.BackfilledMatchingRecordCount
		computedScanned += p.ComputedScannedRecordCount
		computedMatching += p.ComputedMatchingRecordCount
	}
	return scanned, matching, computedScanned, computedMatching
}

// CompletedPartitions counts the partitions in state COMPLETE.
func (s Status) CompletedPartitions() int {
	n := 0
	for _, p := range s.Partitions {
		if p.RunState == backfill.RunStateComplete {
			n++
		}
	}
	return n
}
