// Package scheduler hunts for leasable partitions and runs each one it acquires on a bounded pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/runner"
	"github.com/getpup/pupsourcing/es"
)

// ErrShutdownTimeout indicates running partitions did not stop within ShutdownTimeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Hunter leases one runnable partition per call.
type Hunter interface {
	Hunt(ctx context.Context) (backfill.RunPartition, bool, error)
}

// Task executes one leased partition.
type Task interface {
	Run(ctx context.Context) error
}

// Config holds configuration for the Scheduler.
type Config struct {
	// Hunter acquires leases (required).
	Hunter Hunter

	// Runner configures the runners started for leased partitions.
	Runner runner.Config

	// NewTask builds the task for a leased partition (default: a runner.Runner built from Runner).
	NewTask func(leased backfill.RunPartition) Task

	// Clock is the time source (default: wall clock).
	Clock clock.Clock

	// PoolSize is the maximum number of partitions run at once (default: 40).
	PoolSize int

	// PollInterval is the pause between hunts (default: 1s).
	PollInterval time.Duration

	// PollJitter adds a random delay in [0, PollJitter) to every pause. Zero disables jitter.
	PollJitter time.Duration

	// ShutdownTimeout bounds how long Run waits for partitions to stop (default: 30s).
	ShutdownTimeout time.Duration

	// Logger is for observability (optional).
	Logger es.Logger
}

// Scheduler keeps the pool busy with leased partitions.
type Scheduler struct {
	config Config

	mu   sync.Mutex
	live map[string]struct{}
}

// New creates a new Scheduler with the given configuration.
// Applies default values for pool size, intervals and timeouts if not set.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 40
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.NewTask == nil {
		rc := cfg.Runner
		if rc.Logger == nil {
			rc.Logger = cfg.Logger
		}
		cfg.NewTask = func(leased backfill.RunPartition) Task {
			return runner.New(rc, leased)
		}
	}

	return &Scheduler{
		config: cfg,
		live:   make(map[string]struct{}),
	}
}

// Run hunts until ctx is cancelled or a hunt fails. Either way every running partition is
// cancelled and awaited before Run returns. A failed hunt is returned; a cancelled ctx is not.
// Returns ErrShutdownTimeout if partitions are still running after ShutdownTimeout.
func (s *Scheduler) Run(ctx context.Context) error {
	// Tasks are cancelled explicitly so they stop only after hunting has stopped.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	var wg sync.WaitGroup
	slots := make(chan struct{}, s.config.PoolSize)

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "scheduler started", "poolSize", s.config.PoolSize)
	}

	err := s.hunt(ctx, taskCtx, &wg, slots)

	cancelTasks()
	if waitErr := s.wait(&wg); waitErr != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "partitions did not stop in time", "running", s.Running(), "timeout", s.config.ShutdownTimeout)
		}
		err = errors.Join(err, waitErr)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "scheduler stopped")
	}
	return err
}

func (s *Scheduler) hunt(ctx, taskCtx context.Context, wg *sync.WaitGroup, slots chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		leased, ok, err := s.config.Hunter.Hunt(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "lease hunt failed", "error", err)
			}
			return fmt.Errorf("failed to hunt for leases: %w", err)
		}

		if ok && s.add(leased.ID) {
			wg.Add(1)
			go s.execute(taskCtx, wg, slots, leased)
		} else {
			<-slots
			if ok && s.config.Logger != nil {
				s.config.Logger.Debug(ctx, "partition already running locally", "partitionID", leased.ID)
			}
		}

		if err := s.pause(ctx); err != nil {
			return nil
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, wg *sync.WaitGroup, slots chan struct{}, leased backfill.RunPartition) {
	defer wg.Done()
	defer func() { <-slots }()
	defer s.remove(leased.ID)

	err := s.config.NewTask(leased).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && s.config.Logger != nil {
		s.config.Logger.Error(ctx, "partition runner failed",
			"partitionID", leased.ID, "partition", leased.PartitionName, "error", err)
	}
}

// pause sleeps PollInterval plus jitter.
func (s *Scheduler) pause(ctx context.Context) error {
	timer := s.config.Clock.Timer(s.pauseDuration())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) pauseDuration() time.Duration {
	d := s.config.PollInterval
	if s.config.PollJitter > 0 {
		d += time.Duration(rand.Int64N(int64(s.config.PollJitter)))
	}
	return d
}

func (s *Scheduler) wait(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := s.config.Clock.Timer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

func (s *Scheduler) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; ok {
		return false
	}
	s.live[id] = struct{}{}
	return true
}

func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

// Running returns the IDs of the partitions currently executing, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
