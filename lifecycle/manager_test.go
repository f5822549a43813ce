package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/client"
	clientmemory "github.com/getpup/backfill-orchestrator/client/memory"
	"github.com/getpup/backfill-orchestrator/logging"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/backfill-orchestrator/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoShardBackend() *clientmemory.Backend {
	b := clientmemory.New()
	b.Register("users", map[string][]clientmemory.Record{
		"shard-a": {{Key: []byte("a1"), Matches: true}, {Key: []byte("a9"), Matches: true}},
		"shard-b": nil,
	})
	return b
}

func TestCreate_StoresPausedRunWithPartitions(t *testing.T) {
	s := memory.New()
	logger := logging.NewRecorder()
	manager := New(Config{Store: s, Client: twoShardBackend(), Logger: logger})

	run, err := manager.Create(context.Background(), CreateRequest{
		ServiceName:  "accounts",
		BackfillName: "users",
		Parameters:   map[string]string{"region": "eu"},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, backfill.RunStatePaused, run.State)
	assert.Equal(t, int64(DefaultBatchSize), run.BatchSize)
	assert.Equal(t, int64(DefaultScanSize), run.ScanSize)
	assert.Equal(t, DefaultThreads, run.ThreadsPerPartition)
	assert.Equal(t, "eu", run.Parameters["region"])
	assert.True(t, logger.Has("info", "run created"))

	status, err := manager.Status(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, status.Partitions, 2)
	assert.Equal(t, "shard-a", status.Partitions[0].PartitionName)
	assert.Equal(t, []byte("a1"), status.Partitions[0].BackfillRange.Start)
	assert.Equal(t, []byte("a9"), status.Partitions[0].BackfillRange.End)
	assert.True(t, status.Partitions[1].BackfillRange.IsEmpty())
	for _, p := range status.Partitions {
		assert.Equal(t, backfill.RunStatePaused, p.RunState)
	}
}

func TestCreate_StartCreatesRunningRun(t *testing.T) {
	manager := New(Config{Store: memory.New(), Client: twoShardBackend()})

	run, err := manager.Create(context.Background(), CreateRequest{BackfillName: "users", Start: true})

	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateRunning, run.State)
}

func TestCreate_PreparedParametersReplaceRequested(t *testing.T) {
	mockClient := client.NewMockClient()
	mockClient.PrepareBackfillFunc = func(_ context.Context, req client.PrepareBackfillRequest) (client.PrepareBackfillResponse, error) {
		return client.PrepareBackfillResponse{
			Partitions: []client.PrepareBackfillPartition{{PartitionName: "only"}},
			Parameters: map[string]string{"region": "eu", "cutoff": "2026-01-01"},
		}, nil
	}
	mockStore := store.NewMockStore()
	manager := New(Config{Store: mockStore, Client: mockClient})

	_, err := manager.Create(context.Background(), CreateRequest{
		BackfillName: "users",
		Parameters:   map[string]string{"region": "eu"},
		DryRun:       true,
	})

	require.NoError(t, err)
	require.Len(t, mockClient.PrepareBackfillCalls, 1)
	assert.True(t, mockClient.PrepareBackfillCalls[0].DryRun)
	require.Len(t, mockStore.CreateRunCalls, 1)
	assert.Equal(t, "2026-01-01", mockStore.CreateRunCalls[0].Run.Parameters["cutoff"])
	assert.True(t, mockStore.CreateRunCalls[0].Run.DryRun)
	assert.Len(t, mockStore.CreateRunCalls[0].Partitions, 1)
}

func TestCreate_Errors(t *testing.T) {
	t.Run("missing backfill name", func(t *testing.T) {
		mockClient := client.NewMockClient()
		manager := New(Config{Store: store.NewMockStore(), Client: mockClient})

		_, err := manager.Create(context.Background(), CreateRequest{})

		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.Empty(t, mockClient.PrepareBackfillCalls)
	})

	t.Run("negative sizes", func(t *testing.T) {
		manager := New(Config{Store: store.NewMockStore(), Client: client.NewMockClient()})

		_, err := manager.Create(context.Background(), CreateRequest{BackfillName: "users", Threads: -1})

		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("bad backoff schedule", func(t *testing.T) {
		manager := New(Config{Store: store.NewMockStore(), Client: client.NewMockClient()})

		_, err := manager.Create(context.Background(), CreateRequest{BackfillName: "users", BackoffSchedule: "1000,later"})

		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("no partitions", func(t *testing.T) {
		mockStore := store.NewMockStore()
		manager := New(Config{Store: mockStore, Client: client.NewMockClient()})

		_, err := manager.Create(context.Background(), CreateRequest{BackfillName: "users"})

		require.ErrorIs(t, err, backfill.ErrNoPartitions)
		assert.Empty(t, mockStore.CreateRunCalls)
	})

	t.Run("prepare fails", func(t *testing.T) {
		manager := New(Config{Store: store.NewMockStore(), Client: twoShardBackend()})

		_, err := manager.Create(context.Background(), CreateRequest{BackfillName: "orders"})

		require.ErrorIs(t, err, clientmemory.ErrUnknownBackfill)
	})

	t.Run("store fails", func(t *testing.T) {
		mockStore := store.NewMockStore()
		dbErr := errors.New("disk full")
		mockStore.CreateRunFunc = func(context.Context, backfill.BackfillRun, []backfill.RunPartition) (backfill.BackfillRun, error) {
			return backfill.BackfillRun{}, dbErr
		}
		manager := New(Config{Store: mockStore, Client: twoShardBackend()})

		_, err := manager.Create(context.Background(), CreateRequest{BackfillName: "users"})

		require.ErrorIs(t, err, dbErr)
	})
}

func TestStartAndPause(t *testing.T) {
	s := memory.New()
	manager := New(Config{Store: s, Client: twoShardBackend()})
	ctx := context.Background()

	run, err := manager.Create(ctx, CreateRequest{BackfillName: "users"})
	require.NoError(t, err)

	started, err := manager.Start(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStateRunning, started.State)

	status, err := manager.Status(ctx, run.ID)
	require.NoError(t, err)
	for _, p := range status.Partitions {
		assert.Equal(t, backfill.RunStateRunning, p.RunState)
	}

	paused, err := manager.Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.RunStatePaused, paused.State)

	_, err = manager.Pause(ctx, run.ID)
	require.ErrorIs(t, err, backfill.ErrInvalidStateTransition)
}

func TestStart_UnknownRun(t *testing.T) {
	manager := New(Config{Store: memory.New()})

	_, err := manager.Start(context.Background(), "missing")

	require.ErrorIs(t, err, backfill.ErrRunNotFound)
}

func TestStatus_UnknownRun(t *testing.T) {
	manager := New(Config{Store: memory.New()})

	_, err := manager.Status(context.Background(), "missing")

	require.ErrorIs(t, err, backfill.ErrRunNotFound)
}

func TestStatus_Totals(t *testing.T) {
	status := Status{Partitions: []backfill.RunPartition{
		{
			RunState:                      backfill.RunStateComplete,
			BackfilledScannedRecordCount:  10,
			BackfilledMatchingRecordCount: 4,
			ComputedScannedRecordCount:    10,
			ComputedMatchingRecordCount:   4,
		},
		{
			RunState:                      backfill.RunStateRunning,
			BackfilledScannedRecordCount:  5,
			BackfilledMatchingRecordCount: 1,
			ComputedScannedRecordCount:    20,
			ComputedMatchingRecordCount:   8,
		},
	}}

	scanned, matching, computedScanned, computedMatching := status.Totals()

	assert.Equal(t, int64(15), scanned)
	assert.Equal(t, int64(5), matching)
	assert.Equal(t, int64(30), computedScanned)
	assert.Equal(t, int64(12), computedMatching)
	assert.Equal(t, 1, status.CompletedPartitions())
}

func TestList_NewestFirst(t *testing.T) {
	mockStore := store.NewMockStore()
	mockStore.ListRunsFunc = func(context.Context) ([]backfill.BackfillRun, error) {
		return []backfill.BackfillRun{{ID: "r2"}, {ID: "r1"}}, nil
	}
	manager := New(Config{Store: mockStore})

	runs, err := manager.List(context.Background())

	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
}
