package memory

import (
	"context"
	"testing"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/backfill-orchestrator/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestCreateRun_DefaultsToPaused(t *testing.T) {
	s := New()

	run, err := s.CreateRun(context.Background(), backfill.BackfillRun{BackfillName: "users"}, nil)

	require.NoError(t, err)
	assert.Equal(t, backfill.RunStatePaused, run.State)
	assert.Equal(t, int64(1), run.Version)
}

func TestGetPartition_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, backfill.BackfillRun{BackfillName: "users", State: backfill.RunStateRunning},
		[]backfill.RunPartition{{PartitionName: "p0"}})
	require.NoError(t, err)

	partitions, err := s.ListPartitions(ctx, run.ID)
	require.NoError(t, err)
	_, err = s.CommitBatch(ctx, partitions[0].ID, backfill.BatchProgress{Cursor: []byte("abc")})
	require.NoError(t, err)

	got, err := s.GetPartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	got.PkeyCursor[0] = 'z'

	again, err := s.GetPartition(ctx, partitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.PkeyCursor)
}
