// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateRun", testCreateRun},
		{"GetRun_NotFound", testGetRunNotFound},
		{"SetRunState", testSetRunState},
		{"SetRunState_InvalidTransition", testSetRunStateInvalid},
		{"FindExpiredLeases", testFindExpiredLeases},
		{"AcquireLease_VersionCheck", testAcquireLease},
		{"AcquireLease_ConcurrentAtMostOne", testAcquireLeaseConcurrent},
		{"CommitBatch_MonotonicAndIdempotent", testCommitBatch},
		{"CommitBatch_NotFound", testCommitBatchNotFound},
		{"UpdateRates", testUpdateRates},
		{"CommitPrecompute", testCommitPrecompute},
		{"CompletePartition_Once", testCompletePartition},
		{"CompletePartition_CompletesRun", testCompletePartitionCompletesRun},
		{"CompletePartition_LeavesPausedRows", testCompletePartitionPaused},
		{"CompletePartition_ConcurrentSiblingsCompleteRunOnce", testCompletePartitionConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newRun(t *testing.T, s store.Store, state backfill.RunState, partitionNames ...string) (backfill.BackfillRun, []backfill.RunPartition) {
	t.Helper()
	ctx := context.Background()

	partitions := make([]backfill.RunPartition, 0, len(partitionNames))
	for _, name := range partitionNames {
		partitions = append(partitions, backfill.RunPartition{
			PartitionName: name,
			BackfillRange: backfill.KeyRange{Start: []byte("a"), End: []byte("z")},
		})
	}

	run, err := s.CreateRun(ctx, backfill.BackfillRun{
		ServiceName:         "svc",
		BackfillName:        "users",
		Parameters:          map[string]string{"k": "v"},
		BatchSize:           10,
		ScanSize:            100,
		ThreadsPerPartition: 2,
		BackoffSchedule:     "100,200",
		ExtraSleepMs:        5,
		State:               state,
	}, partitions)
	require.NoError(t, err)

	stored, err := s.ListPartitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, len(partitionNames))
	return run, stored
}

func testCreateRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, partitions := newRun(t, s, backfill.RunStatePaused, "p1", "p0")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, backfill.RunStatePaused, run.State)
	assert.False(t, run.CreatedAt.IsZero())

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "users", got.BackfillName)
	assert.Equal(t, map[string]string{"k": "v"}, got.Parameters)
	assert.Equal(t, int64(10), got.BatchSize)
	assert.Equal(t, int64(100), got.ScanSize)
	assert.Equal(t, 2, got.ThreadsPerPartition)
	assert.Equal(t, "100,200", got.BackoffSchedule)
	assert.Equal(t, int64(5), got.ExtraSleepMs)
	assert.Nil(t, got.CompletedAt)

	assert.Equal(t, "p0", partitions[0].PartitionName)
	assert.Equal(t, "p1", partitions[1].PartitionName)
	for _, p := range partitions {
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, run.ID, p.RunID)
		assert.Equal(t, backfill.RunStatePaused, p.RunState)
		assert.Equal(t, []byte("a"), p.BackfillRange.Start)
		assert.Equal(t, []byte("z"), p.BackfillRange.End)
		assert.Nil(t, p.PkeyCursor)
		assert.Empty(t, p.LeaseToken)
	}

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testGetRunNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetRun(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, backfill.ErrRunNotFound)

	_, err = s.GetPartition(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, backfill.ErrPartitionNotFound)
}

func testSetRunState(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, partitions := newRun(t, s, backfill.RunStateRunning, "p0", "p1")

	_, err := s.CompletePartition(ctx, partitions[0].ID)
	require.NoError(t, err)

	paused, err := s.SetRunState(ctx, run.ID, backfill.RunStatePaused)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStatePaused, paused.State)

	p1, err := s.GetPartition(ctx, partitions[1].ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStatePaused, p1.RunState)

	updated, err := s.SetRunState(ctx, run.ID, backfill.RunStateRunning)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateRunning, updated.State)
	assert.Greater(t, updated.Version, run.Version)

	p0, err := s.GetPartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateComplete, p0.RunState, "complete partitions keep their state")

	p1, err = s.GetPartition(ctx, partitions[1].ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateRunning, p1.RunState)

	_, err = s.SetRunState(ctx, "00000000-0000-0000-0000-000000000000", backfill.RunStateRunning)
	assert.ErrorIs(t, err, backfill.ErrRunNotFound)
}

func testSetRunStateInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, _ := newRun(t, s, backfill.RunStatePaused, "p0")

	_, err := s.SetRunState(ctx, run.ID, backfill.RunStatePaused)
	assert.ErrorIs(t, err, backfill.ErrInvalidStateTransition)

	_, err = s.SetRunState(ctx, run.ID, backfill.RunStateComplete)
	assert.ErrorIs(t, err, backfill.ErrInvalidStateTransition)
}

func testFindExpiredLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	_, _ = newRun(t, s, backfill.RunStatePaused, "paused")
	_, running := newRun(t, s, backfill.RunStateRunning, "free", "held")

	_, err := s.AcquireLease(ctx, running[1].ID, running[1].Version, "tok", now.Add(time.Minute))
	require.NoError(t, err)

	found, err := s.FindExpiredLeases(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "free", found[0].PartitionName)

	later, err := s.FindExpiredLeases(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, later, 2)

	limited, err := s.FindExpiredLeases(ctx, now.Add(2*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testAcquireLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, partitions := newRun(t, s, backfill.RunStateRunning, "p0")
	p := partitions[0]
	expires := time.Now().Add(5 * time.Minute).Truncate(time.Millisecond)

	leased, err := s.AcquireLease(ctx, p.ID, p.Version, "tok-1", expires)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", leased.LeaseToken)
	assert.True(t, expires.Equal(leased.LeaseExpiresAt))
	assert.Greater(t, leased.Version, p.Version)

	_, err = s.AcquireLease(ctx, p.ID, p.Version, "tok-2", expires)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	got, err := s.GetPartition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.LeaseToken)
	assert.True(t, expires.Equal(got.LeaseExpiresAt))
}

func testAcquireLeaseConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, partitions := newRun(t, s, backfill.RunStateRunning, "p0")
	p := partitions[0]

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AcquireLease(ctx, p.ID, p.Version, string(rune('a'+i)), time.Now().Add(time.Minute))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func testCommitBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, partitions := newRun(t, s, backfill.RunStateRunning, "p0")
	id := partitions[0].ID

	applied, err := s.CommitBatch(ctx, id, backfill.BatchProgress{
		Cursor: []byte("b"), ScannedDelta: 10, MatchingDelta: 8, ScannedPerMinute: 600, MatchingPerMinute: 480,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.CommitBatch(ctx, id, backfill.BatchProgress{Cursor: []byte("b"), ScannedDelta: 10, MatchingDelta: 8})
	require.NoError(t, err)
	assert.False(t, applied, "redelivered commit must not double count")

	applied, err = s.CommitBatch(ctx, id, backfill.BatchProgress{Cursor: []byte("a"), ScannedDelta: 1, MatchingDelta: 1})
	require.NoError(t, err)
	assert.False(t, applied, "cursor never moves backwards")

	applied, err = s.CommitBatch(ctx, id, backfill.BatchProgress{Cursor: []byte("c"), ScannedDelta: 5, MatchingDelta: 5})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetPartition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got.PkeyCursor)
	assert.Equal(t, int64(15), got.BackfilledScannedRecordCount)
	assert.Equal(t, int64(13), got.BackfilledMatchingRecordCount)
	assert.Equal(t, int64(0), got.ScannedRecordsPerMinute)
}

func testCommitBatchNotFound(t *testing.T, s store.Store) {
	_, err := s.CommitBatch(context.Background(), "00000000-0000-0000-0000-000000000000", backfill.BatchProgress{Cursor: []byte("a")})
	assert.ErrorIs(t, err, backfill.ErrPartitionNotFound)
}

func testUpdateRates(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, partitions := newRun(t, s, backfill.RunStateRunning, "p0")

	require.NoError(t, s.UpdateRates(ctx, partitions[0].ID, 120, 60))

	got, err := s.GetPartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), got.ScannedRecordsPerMinute)
	assert.Equal(t, int64(60), got.MatchingRecordsPerMinute)

	err = s.UpdateRates(ctx, "00000000-0000-0000-0000-000000000000", 1, 1)
	assert.ErrorIs(t, err, backfill.ErrPartitionNotFound)
}

func testCommitPrecompute(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, partitions := newRun(t, s, backfill.RunStateRunning, "p0")
	id := partitions[0].ID

	applied, err := s.CommitPrecompute(ctx, id, backfill.PrecomputeProgress{Cursor: []byte("m"), ScannedDelta: 50, MatchingDelta: 20})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.CommitPrecompute(ctx, id, backfill.PrecomputeProgress{Cursor: []byte("m"), ScannedDelta: 50, MatchingDelta: 20})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.CommitPrecompute(ctx, id, backfill.PrecomputeProgress{Done: true})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetPartition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), got.PrecomputingPkeyCursor)
	assert.Equal(t, int64(50), got.ComputedScannedRecordCount)
	assert.Equal(t, int64(20), got.ComputedMatchingRecordCount)
	assert.True(t, got.PrecomputingDone)
	assert.Nil(t, got.PkeyCursor, "precompute never touches the backfill cursor")
}

func testCompletePartition(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, partitions := newRun(t, s, backfill.RunStateRunning, "p0")

	first, err := s.CompletePartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.True(t, first.Partition)

	second, err := s.CompletePartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.Completion{}, second)

	got, err := s.GetPartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateComplete, got.RunState)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.CompletePartition(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, backfill.ErrPartitionNotFound)
}

func testCompletePartitionCompletesRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, partitions := newRun(t, s, backfill.RunStateRunning, "p0", "p1")

	first, err := s.CompletePartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.Completion{Partition: true}, first, "a sibling is still running")

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateRunning, got.State)

	last, err := s.CompletePartition(ctx, partitions[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.Completion{Partition: true, Run: true}, last)

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateComplete, got.State)
	assert.NotNil(t, got.CompletedAt)
	assert.Greater(t, got.Version, run.Version)

	again, err := s.CompletePartition(ctx, partitions[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.Completion{}, again)
}

func testCompletePartitionPaused(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, partitions := newRun(t, s, backfill.RunStateRunning, "p0")

	_, err := s.SetRunState(ctx, run.ID, backfill.RunStatePaused)
	require.NoError(t, err)

	// The last batch of a paused partition finished.
	done, err := s.CompletePartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.Completion{}, done)

	p0, err := s.GetPartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStatePaused, p0.RunState)
	assert.Nil(t, p0.CompletedAt)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStatePaused, got.State)

	_, err = s.SetRunState(ctx, run.ID, backfill.RunStateRunning)
	require.NoError(t, err)

	done, err = s.CompletePartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.Completion{Partition: true, Run: true}, done)
}

func testCompletePartitionConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, partitions := newRun(t, s, backfill.RunStateRunning, "p0", "p1", "p2", "p3")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, p := range partitions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			done, err := s.CompletePartition(ctx, id)
			assert.NoError(t, err)
			assert.True(t, done.Partition)
			if done.Run {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(p.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateComplete, got.State)
}
