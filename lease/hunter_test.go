package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/logging"
	"github.com/getpup/backfill-orchestrator/metrics"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/backfill-orchestrator/store/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningPartition(t *testing.T, s store.Store, names ...string) []backfill.RunPartition {
	t.Helper()
	partitions := make([]backfill.RunPartition, 0, len(names))
	for _, name := range names {
		partitions = append(partitions, backfill.RunPartition{PartitionName: name})
	}
	run, err := s.CreateRun(context.Background(), backfill.BackfillRun{
		BackfillName: "users",
		State:        backfill.RunStateRunning,
	}, partitions)
	require.NoError(t, err)

	stored, err := s.ListPartitions(context.Background(), run.ID)
	require.NoError(t, err)
	return stored
}

func TestNew_AppliesDefaults(t *testing.T) {
	h := New(Config{Store: store.NewMockStore()})

	assert.Equal(t, 5*time.Minute, h.LeaseDuration())
	assert.Equal(t, 100, h.config.CandidateLimit)
	assert.NotNil(t, h.config.Clock)
}

func TestHunt(t *testing.T) {
	t.Run("no candidates", func(t *testing.T) {
		mockStore := store.NewMockStore()
		h := New(Config{Store: mockStore})

		_, ok, err := h.Hunt(context.Background())

		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, mockStore.AcquireLeaseCalls)
	})

	t.Run("acquires expired partition", func(t *testing.T) {
		s := memory.New()
		partitions := newRunningPartition(t, s, "p0")
		clk := clock.NewMock()
		clk.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

		h := New(Config{Store: s, Clock: clk, LeaseDuration: time.Minute})
		before := testutil.ToFloat64(metrics.LeasesAcquiredTotal)

		leased, ok, err := h.Hunt(context.Background())

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, partitions[0].ID, leased.ID)
		assert.NotEmpty(t, leased.LeaseToken)
		assert.Equal(t, clk.Now().Add(time.Minute), leased.LeaseExpiresAt)
		assert.True(t, leased.LeaseHeld(leased.LeaseToken, clk.Now()))
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.LeasesAcquiredTotal))
	})

	t.Run("leased partition is not hunted until expiry", func(t *testing.T) {
		s := memory.New()
		newRunningPartition(t, s, "p0")
		clk := clock.NewMock()
		clk.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
		h := New(Config{Store: s, Clock: clk, LeaseDuration: time.Minute})

		_, ok, err := h.Hunt(context.Background())
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = h.Hunt(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)

		clk.Add(time.Minute + time.Second)
		_, ok, err = h.Hunt(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("paused partitions are not hunted", func(t *testing.T) {
		s := memory.New()
		run, err := s.CreateRun(context.Background(), backfill.BackfillRun{BackfillName: "users"},
			[]backfill.RunPartition{{PartitionName: "p0"}})
		require.NoError(t, err)
		require.Equal(t, backfill.RunStatePaused, run.State)

		_, ok, err := New(Config{Store: s}).Hunt(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("lost race is not an error", func(t *testing.T) {
		mockStore := store.NewMockStore()
		mockStore.FindExpiredLeasesFunc = func(context.Context, time.Time, int) ([]backfill.RunPartition, error) {
			return []backfill.RunPartition{{ID: "p-1", Version: 3}}, nil
		}
		mockStore.AcquireLeaseFunc = func(context.Context, string, int64, string, time.Time) (backfill.RunPartition, error) {
			return backfill.RunPartition{}, store.ErrVersionConflict
		}
		logger := logging.NewRecorder()
		h := New(Config{Store: mockStore, Logger: logger})
		before := testutil.ToFloat64(metrics.LeaseRacesLostTotal)

		_, ok, err := h.Hunt(context.Background())

		require.NoError(t, err)
		assert.False(t, ok)
		require.Len(t, mockStore.AcquireLeaseCalls, 1)
		assert.Equal(t, int64(3), mockStore.AcquireLeaseCalls[0].ExpectedVersion)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.LeaseRacesLostTotal))
		assert.True(t, logger.Has("debug", "lost lease race"))
	})

	t.Run("store errors are returned", func(t *testing.T) {
		mockStore := store.NewMockStore()
		dbErr := errors.New("connection reset")
		mockStore.FindExpiredLeasesFunc = func(context.Context, time.Time, int) ([]backfill.RunPartition, error) {
			return nil, dbErr
		}

		_, ok, err := New(Config{Store: mockStore}).Hunt(context.Background())

		require.ErrorIs(t, err, dbErr)
		assert.False(t, ok)
	})

	t.Run("acquire errors are returned", func(t *testing.T) {
		mockStore := store.NewMockStore()
		mockStore.FindExpiredLeasesFunc = func(context.Context, time.Time, int) ([]backfill.RunPartition, error) {
			return []backfill.RunPartition{{ID: "p-1"}}, nil
		}
		mockStore.AcquireLeaseFunc = func(context.Context, string, int64, string, time.Time) (backfill.RunPartition, error) {
			return backfill.RunPartition{}, backfill.ErrPartitionNotFound
		}

		_, _, err := New(Config{Store: mockStore}).Hunt(context.Background())

		require.ErrorIs(t, err, backfill.ErrPartitionNotFound)
	})

	t.Run("picks among candidates", func(t *testing.T) {
		mockStore := store.NewMockStore()
		mockStore.FindExpiredLeasesFunc = func(context.Context, time.Time, int) ([]backfill.RunPartition, error) {
			return []backfill.RunPartition{{ID: "a"}, {ID: "b"}, {ID: "c"}}, nil
		}
		h := New(Config{Store: mockStore, CandidateLimit: 7})
		h.pick = func(n int) int { return n - 1 }

		leased, ok, err := h.Hunt(context.Background())

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "c", leased.ID)
		assert.Equal(t, 7, mockStore.FindExpiredLeasesCalls[0].Limit)
	})
}

func TestHunt_ConcurrentHuntersAcquireOnce(t *testing.T) {
	s := memory.New()
	newRunningPartition(t, s, "p0")

	const hunters = 8
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < hunters; i++ {
		h := New(Config{Store: s})
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := h.Hunt(context.Background())
			assert.NoError(t, err)
			if ok {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}
