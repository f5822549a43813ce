package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/client"
	clientmemory "github.com/getpup/backfill-orchestrator/client/memory"
	"github.com/getpup/backfill-orchestrator/lease"
	"github.com/getpup/backfill-orchestrator/logging"
	"github.com/getpup/backfill-orchestrator/runner"
	"github.com/getpup/backfill-orchestrator/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHunter hands out partitions from next until it reports false.
type fakeHunter struct {
	calls atomic.Int32
	next  func(n int) (backfill.RunPartition, bool, error)
}

func (h *fakeHunter) Hunt(context.Context) (backfill.RunPartition, bool, error) {
	return h.next(int(h.calls.Add(1)))
}

func uniquePartitions() *fakeHunter {
	return &fakeHunter{next: func(n int) (backfill.RunPartition, bool, error) {
		return backfill.RunPartition{ID: fmt.Sprintf("p-%d", n)}, true, nil
	}}
}

// blockingTask runs until its ctx is cancelled, or until release is closed when set.
type blockingTask struct {
	started *atomic.Int32
	stopped *atomic.Int32
	release <-chan struct{}
}

func (t blockingTask) Run(ctx context.Context) error {
	t.started.Add(1)
	defer t.stopped.Add(1)
	if t.release != nil {
		<-t.release
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

type taskFunc func(ctx context.Context) error

func (f taskFunc) Run(ctx context.Context) error { return f(ctx) }

func fastConfig(h Hunter) Config {
	return Config{
		Hunter:          h,
		PollInterval:    time.Millisecond,
		PollJitter:      time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func runInBackground(ctx context.Context, s *Scheduler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
		return nil
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Config{Hunter: &fakeHunter{}})

	assert.Equal(t, 40, s.config.PoolSize)
	assert.Equal(t, time.Second, s.config.PollInterval)
	assert.Zero(t, s.config.PollJitter, "jitter is opt-in")
	assert.Equal(t, 30*time.Second, s.config.ShutdownTimeout)
	assert.NotNil(t, s.config.NewTask)
	assert.NotNil(t, s.config.Clock)
}

func TestPauseDuration(t *testing.T) {
	t.Run("zero jitter waits exactly the poll interval", func(t *testing.T) {
		s := New(Config{Hunter: &fakeHunter{}, PollInterval: 250 * time.Millisecond})

		for i := 0; i < 100; i++ {
			assert.Equal(t, 250*time.Millisecond, s.pauseDuration())
		}
	})

	t.Run("jitter stays below the configured bound", func(t *testing.T) {
		s := New(Config{Hunter: &fakeHunter{}, PollInterval: 250 * time.Millisecond, PollJitter: 10 * time.Millisecond})

		for i := 0; i < 100; i++ {
			d := s.pauseDuration()
			assert.GreaterOrEqual(t, d, 250*time.Millisecond)
			assert.Less(t, d, 260*time.Millisecond)
		}
	})
}

func TestRun_StartsTaskPerLeasedPartition(t *testing.T) {
	var started, stopped atomic.Int32
	h := &fakeHunter{next: func(n int) (backfill.RunPartition, bool, error) {
		if n > 3 {
			return backfill.RunPartition{}, false, nil
		}
		return backfill.RunPartition{ID: fmt.Sprintf("p-%d", n)}, true, nil
	}}
	cfg := fastConfig(h)
	cfg.NewTask = func(backfill.RunPartition) Task { return blockingTask{started: &started, stopped: &stopped} }
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(ctx, s)

	require.Eventually(t, func() bool { return len(s.Running()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"p-1", "p-2", "p-3"}, s.Running())

	cancel()
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, int32(3), started.Load())
	assert.Equal(t, int32(3), stopped.Load())
	assert.Empty(t, s.Running())
}

func TestRun_PoolSizeBoundsRunningTasks(t *testing.T) {
	var started, stopped atomic.Int32
	h := uniquePartitions()
	cfg := fastConfig(h)
	cfg.PoolSize = 2
	cfg.NewTask = func(backfill.RunPartition) Task { return blockingTask{started: &started, stopped: &stopped} }
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(ctx, s)

	require.Eventually(t, func() bool { return started.Load() == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), started.Load())
	assert.Equal(t, int32(2), h.calls.Load())

	cancel()
	require.NoError(t, waitResult(t, done))
}

func TestRun_SkipsPartitionAlreadyRunning(t *testing.T) {
	var started, stopped atomic.Int32
	h := &fakeHunter{next: func(int) (backfill.RunPartition, bool, error) {
		return backfill.RunPartition{ID: "p-1"}, true, nil
	}}
	logger := logging.NewRecorder()
	cfg := fastConfig(h)
	cfg.Logger = logger
	cfg.NewTask = func(backfill.RunPartition) Task { return blockingTask{started: &started, stopped: &stopped} }
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(ctx, s)

	require.Eventually(t, func() bool { return h.calls.Load() >= 5 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitResult(t, done))

	assert.Equal(t, int32(1), started.Load())
	assert.True(t, logger.Has("debug", "partition already running locally"))
}

func TestRun_FailedTaskFreesItsSlot(t *testing.T) {
	var runs atomic.Int32
	logger := logging.NewRecorder()
	cfg := fastConfig(uniquePartitions())
	cfg.PoolSize = 1
	cfg.Logger = logger
	cfg.NewTask = func(backfill.RunPartition) Task {
		return taskFunc(func(context.Context) error {
			runs.Add(1)
			return errors.New("storage unavailable")
		})
	}
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(ctx, s)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitResult(t, done))
	assert.True(t, logger.Has("error", "partition runner failed"))
}

func TestRun_HuntErrorIsFatal(t *testing.T) {
	var started, stopped atomic.Int32
	huntErr := errors.New("database is gone")
	h := &fakeHunter{next: func(n int) (backfill.RunPartition, bool, error) {
		if n == 1 {
			return backfill.RunPartition{ID: "p-1"}, true, nil
		}
		return backfill.RunPartition{}, false, huntErr
	}}
	cfg := fastConfig(h)
	cfg.NewTask = func(backfill.RunPartition) Task { return blockingTask{started: &started, stopped: &stopped} }

	err := waitResult(t, runInBackground(context.Background(), New(cfg)))

	require.ErrorIs(t, err, huntErr)
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRun_ShutdownTimeout(t *testing.T) {
	var started, stopped atomic.Int32
	release := make(chan struct{})
	defer close(release)

	h := &fakeHunter{next: func(n int) (backfill.RunPartition, bool, error) {
		return backfill.RunPartition{ID: "stuck"}, n == 1, nil
	}}
	cfg := fastConfig(h)
	cfg.ShutdownTimeout = 50 * time.Millisecond
	cfg.NewTask = func(backfill.RunPartition) Task {
		return blockingTask{started: &started, stopped: &stopped, release: release}
	}
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(ctx, s)
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	err := waitResult(t, done)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, []string{"stuck"}, s.Running())
}

func TestRun_CompletesBackfillEndToEnd(t *testing.T) {
	st := memory.New()
	backend := clientmemory.New()

	shards := map[string][]clientmemory.Record{}
	for shard := 0; shard < 3; shard++ {
		var records []clientmemory.Record
		for i := 0; i < 40; i++ {
			records = append(records, clientmemory.Record{Key: []byte(fmt.Sprintf("k%04d", i)), Matches: i%4 != 0})
		}
		shards[fmt.Sprintf("shard-%d", shard)] = records
	}
	backend.Register("orders", shards)

	prepared, err := backend.PrepareBackfill(context.Background(), client.PrepareBackfillRequest{BackfillName: "orders"})
	require.NoError(t, err)
	partitions := make([]backfill.RunPartition, 0, len(prepared.Partitions))
	for _, p := range prepared.Partitions {
		partitions = append(partitions, backfill.RunPartition{PartitionName: p.PartitionName, BackfillRange: p.BackfillRange})
	}
	run, err := st.CreateRun(context.Background(), backfill.BackfillRun{
		BackfillName:        "orders",
		BatchSize:           7,
		ScanSize:            50,
		ThreadsPerPartition: 2,
		State:               backfill.RunStateRunning,
	}, partitions)
	require.NoError(t, err)

	var notified atomic.Int32
	cfg := fastConfig(lease.New(lease.Config{Store: st}))
	cfg.Runner = runner.Config{
		Store:           st,
		Client:          backend,
		RefreshInterval: 10 * time.Millisecond,
		Notifier: runner.NotifierFunc(func(context.Context, backfill.BackfillRun) {
			notified.Add(1)
		}),
	}
	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(ctx, s)

	require.Eventually(t, func() bool {
		r, err := st.GetRun(context.Background(), run.ID)
		return err == nil && r.State == backfill.RunStateComplete
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitResult(t, done))

	stored, err := st.ListPartitions(context.Background(), run.ID)
	require.NoError(t, err)
	for _, p := range stored {
		assert.Equal(t, backfill.RunStateComplete, p.RunState, p.PartitionName)
		assert.Equal(t, int64(40), p.BackfilledScannedRecordCount, p.PartitionName)
		assert.Equal(t, int64(30), p.BackfilledMatchingRecordCount, p.PartitionName)
	}
	assert.Equal(t, int32(1), notified.Load())
	assert.Len(t, backend.Processed("orders"), 30)
}
