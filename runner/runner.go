// Package runner drives one leased partition of a backfill run to completion.
//
// A Runner executes four pipeline stages plus a settings refresher under one errgroup:
//
//	queuer -> varchan -> batch runner -> varchan -> awaiter
//	precomputer (independent, counts the remaining work)
//	refresher (reloads live settings, persists rates, stops the runner when the lease is gone)
//
// Remote failures never leave the runner; they feed the partition's backoff trackers and the
// failed call is repeated. Run returns only context errors or storage errors that outlived retries.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/backoff"
	"github.com/getpup/backfill-orchestrator/client"
	"github.com/getpup/backfill-orchestrator/metrics"
	"github.com/getpup/backfill-orchestrator/ratecounter"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/backfill-orchestrator/varchan"
	"github.com/getpup/pupsourcing/es"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Config configures a Runner.
type Config struct {
	// Store persists run and partition state.
	Store store.Store

	// Client reaches the client service that computes and runs batches.
	Client client.Client

	// Notifier is told once when the run completes (optional).
	Notifier Notifier

	// Clock drives backoff and rate windows. Defaults to the wall clock.
	Clock clock.Clock

	// RPCTimeout bounds every remote call. The compute budget sent with
	// GetNextBatchRange is half of it. Default: 30s
	RPCTimeout time.Duration

	// RefreshInterval is how often live settings and lease ownership are re-read. Default: 5s
	RefreshInterval time.Duration

	// PrecomputeCountLimit is the ComputeCountLimit used while precomputing. Default: 1000
	PrecomputeCountLimit int64

	// Backoff configures exponential delays when the run has no explicit schedule.
	Backoff backoff.PolicyConfig

	// CommitRetryInterval is the first delay between retries of a failed storage write. Default: 100ms
	CommitRetryInterval time.Duration

	// Logger is for observability (optional).
	Logger es.Logger
}

// Settings are the run settings read fresh on every refresh.
type Settings struct {
	BatchSize       int64
	ScanSize        int64
	Threads         int
	BackoffSchedule []time.Duration
	ExtraSleep      time.Duration
	Parameters      map[string]string
	DryRun          bool
}

// settingsFromRun derives live settings from a run. An unparsable schedule falls back to exponential delays.
func settingsFromRun(run backfill.BackfillRun) Settings {
	schedule, err := backoff.ParseSchedule(run.BackoffSchedule)
	if err != nil {
		schedule = nil
	}
	threads := run.ThreadsPerPartition
	if threads < 1 {
		threads = 1
	}
	return Settings{
		BatchSize:       run.BatchSize,
		ScanSize:        run.ScanSize,
		Threads:         threads,
		BackoffSchedule: schedule,
		ExtraSleep:      time.Duration(run.ExtraSleepMs) * time.Millisecond,
		Parameters:      run.Parameters,
		DryRun:          run.DryRun,
	}
}

// Runner executes one leased partition.
type Runner struct {
	config    Config
	clock     clock.Clock
	leased    backfill.RunPartition
	run       backfill.BackfillRun
	partition backfill.RunPartition
	settings  atomic.Pointer[Settings]

	// global applies to every remote call of the partition; runBatch only to RunBatch starts.
	global   *backoff.Tracker
	runBatch *backoff.Tracker
	policy   *backoff.Policy

	scanned  *ratecounter.Counter
	matching *ratecounter.Counter

	collector *metrics.Collector

	inFlight atomic.Int64
	wake     chan struct{}
	stop     context.CancelFunc
}

// New creates a Runner for a partition whose lease was just acquired.
// The partition's LeaseToken identifies this runner's ownership.
func New(config Config, leased backfill.RunPartition) *Runner {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.RPCTimeout == 0 {
		config.RPCTimeout = 30 * time.Second
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = 5 * time.Second
	}
	if config.PrecomputeCountLimit == 0 {
		config.PrecomputeCountLimit = 1000
	}
	if config.Backoff.InitialInterval == 0 {
		config.Backoff = backoff.DefaultPolicyConfig()
	}
	if config.CommitRetryInterval == 0 {
		config.CommitRetryInterval = 100 * time.Millisecond
	}

	global := backoff.NewTracker(config.Clock)
	return &Runner{
		config:   config,
		clock:    config.Clock,
		leased:   leased,
		global:   global,
		runBatch: backoff.NewTracker(config.Clock),
		policy:   backoff.NewPolicy(global, config.Backoff),
		scanned:  ratecounter.New(config.Clock, ratecounter.DefaultWindow),
		matching: ratecounter.New(config.Clock, ratecounter.DefaultWindow),
		wake:     make(chan struct{}, 1),
	}
}

// PartitionID returns the ID of the partition this runner executes.
func (r *Runner) PartitionID() string {
	return r.leased.ID
}

// Run executes the partition until it completes, the run stops being RUNNING, the lease is
// lost, or ctx is cancelled. A runner that stops itself returns nil.
func (r *Runner) Run(ctx context.Context) (err error) {
	ctx, span := otel.Tracer("github.com/getpup/backfill-orchestrator/runner").Start(ctx, "backfill.partition")
	span.SetAttributes(
		attribute.String("backfill.partition_id", r.leased.ID),
		attribute.String("backfill.run_id", r.leased.RunID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	run, partition, ok, err := r.load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.run = run
	r.partition = partition
	r.collector = metrics.NewCollector(run.BackfillName, partition.PartitionName)
	r.publish(settingsFromRun(run))

	metrics.RunnerStarted()
	defer metrics.RunnerStopped()

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "partition runner started",
			"runID", run.ID, "backfill", run.BackfillName, "partition", partition.PartitionName)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	r.stop = stop

	g, gctx := errgroup.WithContext(runCtx)

	batches := varchan.New[backfill.Batch](gctx, 2*r.currentSettings().Threads)
	calls := varchan.New[*call](gctx, r.currentSettings().Threads)

	g.Go(func() error { return r.queue(gctx, batches) })
	g.Go(func() error { return r.runBatches(gctx, batches.Out(), calls) })
	g.Go(func() error { return r.await(gctx, calls) })
	g.Go(func() error { return r.precompute(gctx) })
	g.Go(func() error { return r.refreshLoop(gctx, batches, calls) })

	err = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		// The runner stopped itself.
		err = nil
	}
	if err != nil && r.config.Logger != nil {
		r.config.Logger.Error(ctx, "partition runner failed", "partition", partition.PartitionName, "error", err)
	}
	if err == nil && r.config.Logger != nil {
		r.config.Logger.Info(ctx, "partition runner stopped", "partition", partition.PartitionName)
	}
	return err
}

// load reads the run and partition and reports whether this runner may execute them.
func (r *Runner) load(ctx context.Context) (backfill.BackfillRun, backfill.RunPartition, bool, error) {
	partition, err := r.config.Store.GetPartition(ctx, r.leased.ID)
	if err != nil {
		return backfill.BackfillRun{}, backfill.RunPartition{}, false, fmt.Errorf("failed to load partition: %w", err)
	}
	run, err := r.config.Store.GetRun(ctx, partition.RunID)
	if err != nil {
		return backfill.BackfillRun{}, backfill.RunPartition{}, false, fmt.Errorf("failed to load run: %w", err)
	}
	return run, partition, r.runnable(run, partition), nil
}

func (r *Runner) runnable(run backfill.BackfillRun, partition backfill.RunPartition) bool {
	return run.State == backfill.RunStateRunning &&
		partition.RunState == backfill.RunStateRunning &&
		partition.LeaseHeld(r.leased.LeaseToken, r.clock.Now())
}

func (r *Runner) publish(s Settings) {
	r.settings.Store(&s)
	r.policy.SetSchedule(s.BackoffSchedule)
	r.signal()
}

func (r *Runner) currentSettings() Settings {
	return *r.settings.Load()
}

// signal wakes the batch runner if it waits for a free slot.
func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// refreshLoop reloads settings every RefreshInterval, persists the projected rates and stops
// the runner once it no longer owns a RUNNING partition.
func (r *Runner) refreshLoop(ctx context.Context, batches *varchan.Channel[backfill.Batch], calls *varchan.Channel[*call]) error {
	ticker := r.clock.Ticker(r.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		run, partition, ok, err := r.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if r.config.Logger != nil {
				r.config.Logger.Error(ctx, "failed to refresh partition", "partitionID", r.leased.ID, "error", err)
			}
			continue
		}
		if !ok {
			if r.config.Logger != nil {
				r.config.Logger.Info(ctx, "partition no longer runnable, stopping",
					"partition", partition.PartitionName, "runState", run.State, "partitionState", partition.RunState)
			}
			r.stop()
			return nil
		}

		s := settingsFromRun(run)
		r.publish(s)
		batches.SetCapacity(2 * s.Threads)
		calls.SetCapacity(s.Threads)

		if err := r.config.Store.UpdateRates(ctx, r.leased.ID, r.scanned.ProjectedRate(), r.matching.ProjectedRate()); err != nil && r.config.Logger != nil {
			r.config.Logger.Error(ctx, "failed to update rates", "partitionID", r.leased.ID, "error", err)
		}
	}
}

// rpcContext bounds a remote call by RPCTimeout.
func (r *Runner) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.config.RPCTimeout)
}

// failure records a failed remote call against the global backoff.
func (r *Runner) failure(ctx context.Context, what string, err error) {
	d := r.policy.Failure()
	r.reportBackoff()
	if r.config.Logger != nil {
		r.config.Logger.Error(ctx, what+" failed",
			"partition", r.partition.PartitionName,
			"error", err,
			"failures", r.policy.Failures(),
			"backoff", d.String())
	}
}

// reportBackoff publishes the longest delay currently imposed on the partition, whether it
// comes from failures, a client hint or the run's extra sleep.
func (r *Runner) reportBackoff() {
	d := r.global.Remaining()
	if rb := r.runBatch.Remaining(); rb > d {
		d = rb
	}
	r.collector.SetBackoff(d.Seconds())
}
