package store

import (
	"context"
	"sync"
	"time"

	"github.com/getpup/backfill-orchestrator"
)

// MockStore is a configurable mock implementation of Store for use in tests. It allows setting
// up expected return values, tracking method calls, and injecting errors for testing error paths.
type MockStore struct {
	mu sync.RWMutex

	// CreateRunFunc is called by CreateRun if set.
	CreateRunFunc func(ctx context.Context, run backfill.BackfillRun, partitions []backfill.RunPartition) (backfill.BackfillRun, error)

	// GetRunFunc is called by GetRun if set.
	GetRunFunc func(ctx context.Context, runID string) (backfill.BackfillRun, error)

	// ListRunsFunc is called by ListRuns if set.
	ListRunsFunc func(ctx context.Context) ([]backfill.BackfillRun, error)

	// GetPartitionFunc is called by GetPartition if set.
	GetPartitionFunc func(ctx context.Context, partitionID string) (backfill.RunPartition, error)

	// ListPartitionsFunc is called by ListPartitions if set.
	ListPartitionsFunc func(ctx context.Context, runID string) ([]backfill.RunPartition, error)

	// SetRunStateFunc is called by SetRunState if set.
	SetRunStateFunc func(ctx context.Context, runID string, state backfill.RunState) (backfill.BackfillRun, error)

	// FindExpiredLeasesFunc is called by FindExpiredLeases if set.
	FindExpiredLeasesFunc func(ctx context.Context, now time.Time, limit int) ([]backfill.RunPartition, error)

	// AcquireLeaseFunc is called by AcquireLease if set.
	AcquireLeaseFunc func(ctx context.Context, partitionID string, expectedVersion int64, token string, expiresAt time.Time) (backfill.RunPartition, error)

	// CommitBatchFunc is called by CommitBatch if set.
	CommitBatchFunc func(ctx context.Context, partitionID string, progress backfill.BatchProgress) (bool, error)

	// UpdateRatesFunc is called by UpdateRates if set.
	UpdateRatesFunc func(ctx context.Context, partitionID string, scannedPerMinute, matchingPerMinute int64) error

	// CommitPrecomputeFunc is called by CommitPrecompute if set.
	CommitPrecomputeFunc func(ctx context.Context, partitionID string, progress backfill.PrecomputeProgress) (bool, error)

	// CompletePartitionFunc is called by CompletePartition if set.
	CompletePartitionFunc func(ctx context.Context, partitionID string) (Completion, error)

	// Call tracking
	CreateRunCalls         []CreateRunCall
	GetRunCalls            []string
	ListRunsCalls          int
	GetPartitionCalls      []string
	ListPartitionsCalls    []string
	SetRunStateCalls       []SetRunStateCall
	FindExpiredLeasesCalls []FindExpiredLeasesCall
	AcquireLeaseCalls      []AcquireLeaseCall
	CommitBatchCalls       []CommitBatchCall
	UpdateRatesCalls       []UpdateRatesCall
	CommitPrecomputeCalls  []CommitPrecomputeCall
	CompletePartitionCalls []string
}

// Call tracking structs
type CreateRunCall struct {
	Run        backfill.BackfillRun
	Partitions []backfill.RunPartition
}

type SetRunStateCall struct {
	RunID string
	State backfill.RunState
}

type FindExpiredLeasesCall struct {
	Now   time.Time
	Limit int
}

type AcquireLeaseCall struct {
	PartitionID     string
	ExpectedVersion int64
	Token           string
	ExpiresAt       time.Time
}

type CommitBatchCall struct {
	PartitionID string
	Progress    backfill.BatchProgress
}

type UpdateRatesCall struct {
	PartitionID       string
	ScannedPerMinute  int64
	MatchingPerMinute int64
}

type CommitPrecomputeCall struct {
	PartitionID string
	Progress    backfill.PrecomputeProgress
}

// NewMockStore creates a new mock store.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// CreateRun implements Store.
func (m *MockStore) CreateRun(ctx context.Context, run backfill.BackfillRun, partitions []backfill.RunPartition) (backfill.BackfillRun, error) {
	m.mu.Lock()
	m.CreateRunCalls = append(m.CreateRunCalls, CreateRunCall{Run: run, Partitions: partitions})
	m.mu.Unlock()

	if m.CreateRunFunc != nil {
		return m.CreateRunFunc(ctx, run, partitions)
	}

	return run, nil
}

// GetRun implements Store.
func (m *MockStore) GetRun(ctx context.Context, runID string) (backfill.BackfillRun, error) {
	m.mu.Lock()
	m.GetRunCalls = append(m.GetRunCalls, runID)
	m.mu.Unlock()

	if m.GetRunFunc != nil {
		return m.GetRunFunc(ctx, runID)
	}

	return backfill.BackfillRun{}, backfill.ErrRunNotFound
}

// ListRuns implements Store.
func (m *MockStore) ListRuns(ctx context.Context) ([]backfill.BackfillRun, error) {
	m.mu.Lock()
	m.ListRunsCalls++
	m.mu.Unlock()

	if m.ListRunsFunc != nil {
		return m.ListRunsFunc(ctx)
	}

	return []backfill.BackfillRun{}, nil
}

// GetPartition implements Store.
func (m *MockStore) GetPartition(ctx context.Context, partitionID string) (backfill.RunPartition, error) {
	m.mu.Lock()
	m.GetPartitionCalls = append(m.GetPartitionCalls, partitionID)
	m.mu.Unlock()

	if m.GetPartitionFunc != nil {
		return m.GetPartitionFunc(ctx, partitionID)
	}

	return backfill.RunPartition{}, backfill.ErrPartitionNotFound
}

// ListPartitions implements Store.
func (m *MockStore) ListPartitions(ctx context.Context, runID string) ([]backfill.RunPartition, error) {
	m.mu.Lock()
	m.ListPartitionsCalls = append(m.ListPartitionsCalls, runID)
	m.mu.Unlock()

	if m.ListPartitionsFunc != nil {
		return m.ListPartitionsFunc(ctx, runID)
	}

	return []backfill.RunPartition{}, nil
}

// SetRunState implements Store.
func (m *MockStore) SetRunState(ctx context.Context, runID string, state backfill.RunState) (backfill.BackfillRun, error) {
	m.mu.Lock()
	m.SetRunStateCalls = append(m.SetRunStateCalls, SetRunStateCall{RunID: runID, State: state})
	m.mu.Unlock()

	if m.SetRunStateFunc != nil {
		return m.SetRunStateFunc(ctx, runID, state)
	}

	return backfill.BackfillRun{ID: runID, State: state}, nil
}

// FindExpiredLeases implements Store.
func (m *MockStore) FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]backfill.RunPartition, error) {
	m.mu.Lock()
	m.FindExpiredLeasesCalls = append(m.FindExpiredLeasesCalls, FindExpiredLeasesCall{Now: now, Limit: limit})
	m.mu.Unlock()

	if m.FindExpiredLeasesFunc != nil {
		return m.FindExpiredLeasesFunc(ctx, now, limit)
	}

	return []backfill.RunPartition{}, nil
}

// AcquireLease implements Store.
func (m *MockStore) AcquireLease(ctx context.Context, partitionID string, expectedVersion int64, token string, expiresAt time.Time) (backfill.RunPartition, error) {
	m.mu.Lock()
	m.AcquireLeaseCalls = append(m.AcquireLeaseCalls, AcquireLeaseCall{
		PartitionID:     partitionID,
		ExpectedVersion: expectedVersion,
		Token:           token,
		ExpiresAt:       expiresAt,
	})
	m.mu.Unlock()

	if m.AcquireLeaseFunc != nil {
		return m.AcquireLeaseFunc(ctx, partitionID, expectedVersion, token, expiresAt)
	}

	return backfill.RunPartition{
		ID:             partitionID,
		LeaseToken:     token,
		LeaseExpiresAt: expiresAt,
		Version:        expectedVersion + 1,
	}, nil
}

// CommitBatch implements Store.
func (m *MockStore) CommitBatch(ctx context.Context, partitionID string, progress backfill.BatchProgress) (bool, error) {
	m.mu.Lock()
	m.CommitBatchCalls = append(m.CommitBatchCalls, CommitBatchCall{PartitionID: partitionID, Progress: progress})
	m.mu.Unlock()

	if m.CommitBatchFunc != nil {
		return m.CommitBatchFunc(ctx, partitionID, progress)
	}

	return true, nil
}

// UpdateRates implements Store.
func (m *MockStore) UpdateRates(ctx context.Context, partitionID string, scannedPerMinute, matchingPerMinute int64) error {
	m.mu.Lock()
	m.UpdateRatesCalls = append(m.UpdateRatesCalls, UpdateRatesCall{
		PartitionID:       partitionID,
		ScannedPerMinute:  scannedPerMinute,
		MatchingPerMinute: matchingPerMinute,
	})
	m.mu.Unlock()

	if m.UpdateRatesFunc != nil {
		return m.UpdateRatesFunc(ctx, partitionID, scannedPerMinute, matchingPerMinute)
	}

	return nil
}

// CommitPrecompute implements Store.
func (m *MockStore) CommitPrecompute(ctx context.Context, partitionID string, progress backfill.PrecomputeProgress) (bool, error) {
	m.mu.Lock()
	m.CommitPrecomputeCalls = append(m.CommitPrecomputeCalls, CommitPrecomputeCall{PartitionID: partitionID, Progress: progress})
	m.mu.Unlock()

	if m.CommitPrecomputeFunc != nil {
		return m.CommitPrecomputeFunc(ctx, partitionID, progress)
	}

	return true, nil
}

// CompletePartition implements Store.
func (m *MockStore) CompletePartition(ctx context.Context, partitionID string) (Completion, error) {
	m.mu.Lock()
	m.CompletePartitionCalls = append(m.CompletePartitionCalls, partitionID)
	m.mu.Unlock()

	if m.CompletePartitionFunc != nil {
		return m.CompletePartitionFunc(ctx, partitionID)
	}

	return Completion{Partition: true}, nil
}

// Reset clears all recorded calls.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateRunCalls = nil
	m.GetRunCalls = nil
	m.ListRunsCalls = 0
	m.GetPartitionCalls = nil
	m.ListPartitionsCalls = nil
	m.SetRunStateCalls = nil
	m.FindExpiredLeasesCalls = nil
	m.AcquireLeaseCalls = nil
	m.CommitBatchCalls = nil
	m.UpdateRatesCalls = nil
	m.CommitPrecomputeCalls = nil
	m.CompletePartitionCalls = nil
}

var _ Store = (*MockStore)(nil)
