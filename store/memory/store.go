package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of store.Store for tests and single-process use.
// It provides thread-safe access to runs and partitions using a sync.RWMutex.
type Store struct {
	mu         sync.RWMutex
	runs       map[string]backfill.BackfillRun  // runID -> run
	partitions map[string]backfill.RunPartition // partitionID -> partition
	byRun      map[string][]string              // runID -> partition IDs
}

// New creates a new in-memory store with initialized maps.
func New() *Store {
	return &Store{
		runs:       make(map[string]backfill.BackfillRun),
		partitions: make(map[string]backfill.RunPartition),
		byRun:      make(map[string][]string),
	}
}

// CreateRun persists a new run and its partitions.
func (s *Store) CreateRun(ctx context.Context, run backfill.BackfillRun, partitions []backfill.RunPartition) (backfill.BackfillRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	run.ID = uuid.New().String()
	if run.State == "" {
		run.State = backfill.RunStatePaused
	}
	run.Version = 1
	run.CreatedAt = now
	run.UpdatedAt = now
	run.CompletedAt = nil
	run.Parameters = cloneParams(run.Parameters)
	s.runs[run.ID] = run

	ids := make([]string, 0, len(partitions))
	for _, p := range partitions {
		p = clonePartition(p)
		p.ID = uuid.New().String()
		p.RunID = run.ID
		p.RunState = run.State
		p.Version = 1
		s.partitions[p.ID] = p
		ids = append(ids, p.ID)
	}
	s.byRun[run.ID] = ids

	return cloneRun(run), nil
}

// GetRun returns a run by ID.
// Returns backfill.ErrRunNotFound if the run does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (backfill.BackfillRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return backfill.BackfillRun{}, backfill.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]backfill.BackfillRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]backfill.BackfillRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// GetPartition returns a partition by ID.
// Returns backfill.ErrPartitionNotFound if the partition does not exist.
func (s *Store) GetPartition(ctx context.Context, partitionID string) (backfill.RunPartition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return backfill.RunPartition{}, backfill.ErrPartitionNotFound
	}
	return clonePartition(p), nil
}

// ListPartitions returns the partitions of a run ordered by partition name.
func (s *Store) ListPartitions(ctx context.Context, runID string) ([]backfill.RunPartition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRun[runID]
	out := make([]backfill.RunPartition, 0, len(ids))
	for _, id := range ids {
		out = append(out, clonePartition(s.partitions[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionName < out[j].PartitionName })
	return out, nil
}

// SetRunState moves a run to state and mirrors it onto partitions that are not COMPLETE.
func (s *Store) SetRunState(ctx context.Context, runID string, state backfill.RunState) (backfill.BackfillRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return backfill.BackfillRun{}, backfill.ErrRunNotFound
	}
	if !run.State.CanTransitionTo(state) {
		return backfill.BackfillRun{}, backfill.ErrInvalidStateTransition
	}

	now := time.Now()
	run.State = state
	run.Version++
	run.UpdatedAt = now
	if state == backfill.RunStateComplete {
		run.CompletedAt = &now
	}
	s.runs[runID] = run

	for _, id := range s.byRun[runID] {
		p := s.partitions[id]
		if p.RunState == backfill.RunStateComplete {
			continue
		}
		p.RunState = state
		p.Version++
		s.partitions[id] = p
	}

	return cloneRun(run), nil
}

// FindExpiredLeases returns up to limit RUNNING partitions whose lease expired before now.
func (s *Store) FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]backfill.RunPartition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []backfill.RunPartition{}
	for _, p := range s.partitions {
		if limit > 0 && len(out) >= limit {
			break
		}
		if p.RunState == backfill.RunStateRunning && p.LeaseExpiresAt.Before(now) {
			out = append(out, clonePartition(p))
		}
	}
	return out, nil
}

// AcquireLease writes a new lease if the partition is still at expectedVersion.
// Returns store.ErrVersionConflict if the partition changed since it was read.
func (s *Store) AcquireLease(ctx context.Context, partitionID string, expectedVersion int64, token string, expiresAt time.Time) (backfill.RunPartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return backfill.RunPartition{}, backfill.ErrPartitionNotFound
	}
	if p.Version != expectedVersion {
		return backfill.RunPartition{}, store.ErrVersionConflict
	}

	p.LeaseToken = token
	p.LeaseExpiresAt = expiresAt
	p.Version++
	s.partitions[partitionID] = p

	return clonePartition(p), nil
}

// CommitBatch advances the cursor and counters if progress.Cursor lies past the stored cursor.
func (s *Store) CommitBatch(ctx context.Context, partitionID string, progress backfill.BatchProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return false, backfill.ErrPartitionNotFound
	}
	if !backfill.CursorAdvances(p.PkeyCursor, progress.Cursor) {
		return false, nil
	}

	p.PkeyCursor = cloneBytes(progress.Cursor)
	p.BackfilledScannedRecordCount += progress.ScannedDelta
	p.BackfilledMatchingRecordCount += progress.MatchingDelta
	p.ScannedRecordsPerMinute = progress.ScannedPerMinute
	p.MatchingRecordsPerMinute = progress.MatchingPerMinute
	p.Version++
	s.partitions[partitionID] = p

	return true, nil
}

// UpdateRates stores the projected rates of a partition.
func (s *Store) UpdateRates(ctx context.Context, partitionID string, scannedPerMinute, matchingPerMinute int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return backfill.ErrPartitionNotFound
	}
	p.ScannedRecordsPerMinute = scannedPerMinute
	p.MatchingRecordsPerMinute = matchingPerMinute
	p.Version++
	s.partitions[partitionID] = p
	return nil
}

// CommitPrecompute advances the precomputing cursor and counters.
func (s *Store) CommitPrecompute(ctx context.Context, partitionID string, progress backfill.PrecomputeProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return false, backfill.ErrPartitionNotFound
	}

	applied := false
	if progress.Cursor != nil && backfill.CursorAdvances(p.PrecomputingPkeyCursor, progress.Cursor) {
		p.PrecomputingPkeyCursor = cloneBytes(progress.Cursor)
		p.ComputedScannedRecordCount += progress.ScannedDelta
		p.ComputedMatchingRecordCount += progress.MatchingDelta
		applied = true
	}
	if progress.Done && !p.PrecomputingDone {
		p.PrecomputingDone = true
		applied = true
	}
	if applied {
		p.Version++
		s.partitions[partitionID] = p
	}

	return applied, nil
}

// CompletePartition marks a RUNNING partition COMPLETE and, under the same lock,
// the run once every partition of it is COMPLETE.
func (s *Store) CompletePartition(ctx context.Context, partitionID string) (store.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return store.Completion{}, backfill.ErrPartitionNotFound
	}
	if p.RunState != backfill.RunStateRunning {
		return store.Completion{}, nil
	}

	now := time.Now()
	p.RunState = backfill.RunStateComplete
	p.CompletedAt = &now
	p.Version++
	s.partitions[partitionID] = p

	done := store.Completion{Partition: true}

	run, ok := s.runs[p.RunID]
	if !ok || run.State != backfill.RunStateRunning {
		return done, nil
	}
	for _, id := range s.byRun[p.RunID] {
		if s.partitions[id].RunState != backfill.RunStateComplete {
			return done, nil
		}
	}

	run.State = backfill.RunStateComplete
	run.CompletedAt = &now
	run.UpdatedAt = now
	run.Version++
	s.runs[p.RunID] = run

	done.Run = true
	return done, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func cloneRun(run backfill.BackfillRun) backfill.BackfillRun {
	run.Parameters = cloneParams(run.Parameters)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		run.CompletedAt = &t
	}
	return run
}

func clonePartition(p backfill.RunPartition) backfill.RunPartition {
	p.BackfillRange = backfill.KeyRange{Start: cloneBytes(p.BackfillRange.Start), End: cloneBytes(p.BackfillRange.End)}
	p.PkeyCursor = cloneBytes(p.PkeyCursor)
	p.PrecomputingPkeyCursor = cloneBytes(p.PrecomputingPkeyCursor)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	return p
}

var _ store.Store = (*Store)(nil)
