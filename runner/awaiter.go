package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/backfill-orchestrator/varchan"
)

// await resolves calls in the order they were started, so commits follow batch order.
// When the batch runner closes the stream, the partition is completed and the runner stops.
func (r *Runner) await(ctx context.Context, calls *varchan.Channel[*call]) error {
	for {
		var (
			c  *call
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok = <-calls.Out():
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := r.complete(ctx); err != nil {
				return err
			}
			r.stop()
			return nil
		}

		r.collector.SetCursorCommitLag(calls.Len())
		if err := r.resolve(ctx, c); err != nil {
			return err
		}
	}
}

// resolve waits for c and repeats it for the same range until it succeeds.
func (r *Runner) resolve(ctx context.Context, c *call) error {
	for {
		var res callResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-c.result:
		}

		if !c.synthetic {
			r.collector.ObserveRunBatchDuration(r.clock.Since(c.startedAt).Seconds())
		}

		err := res.err
		if err == nil && res.resp.ExceptionStackTrace != "" {
			err = fmt.Errorf("batch raised: %s", res.resp.ExceptionStackTrace)
		}
		if err == nil {
			return r.succeeded(ctx, c, res)
		}

		r.collector.IncRunBatchFailures()
		r.failure(ctx, "RunBatch", err)
		if err := r.global.Wait(ctx); err != nil {
			return err
		}
		c = r.start(ctx, c.batch)
	}
}

func (r *Runner) succeeded(ctx context.Context, c *call, res callResult) error {
	defer r.release()

	r.scanned.Add(c.batch.ScannedRecordCount)
	r.matching.Add(c.batch.MatchingRecordCount)

	progress := backfill.BatchProgress{
		Cursor:            c.batch.BatchRange.End,
		ScannedDelta:      c.batch.ScannedRecordCount,
		MatchingDelta:     c.batch.MatchingRecordCount,
		ScannedPerMinute:  r.scanned.ProjectedRate(),
		MatchingPerMinute: r.matching.ProjectedRate(),
	}
	applied, err := retryStorage(ctx, r, "commit batch", func() (bool, error) {
		return r.config.Store.CommitBatch(ctx, r.leased.ID, progress)
	})
	if err != nil {
		return err
	}
	if applied {
		r.collector.IncBatchesCommitted()
		r.collector.AddRecords(c.batch.ScannedRecordCount, c.batch.MatchingRecordCount)
	} else if r.config.Logger != nil {
		r.config.Logger.Debug(ctx, "batch already committed", "partition", r.partition.PartitionName)
	}

	if !c.synthetic {
		r.policy.Success()
	}

	if !r.runBatch.BackingOff() {
		if res.resp.BackoffMs > 0 {
			r.runBatch.Add(time.Duration(res.resp.BackoffMs) * time.Millisecond)
		} else if s := r.currentSettings(); s.ExtraSleep > 0 {
			r.runBatch.Add(s.ExtraSleep)
		}
	}
	r.reportBackoff()
	return nil
}

// completionTimeout bounds the completion write once the runner is being stopped.
const completionTimeout = 30 * time.Second

// complete marks the partition COMPLETE and, if it was the last one, the run.
// The write outlives cancellation of the runner: the refresher stops the runner as soon as it
// reads the COMPLETE partition, and an abandoned retry would leave the run RUNNING.
// Only the caller that flipped the run notifies.
func (r *Runner) complete(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	done, err := retryStorage(wctx, r, "complete partition", func() (store.Completion, error) {
		return r.config.Store.CompletePartition(wctx, r.leased.ID)
	})
	if err != nil {
		return err
	}
	if !done.Partition {
		return nil
	}
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "partition complete", "runID", r.run.ID, "partition", r.partition.PartitionName)
	}
	if !done.Run {
		return nil
	}

	r.collector.IncRunsCompleted()
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "run complete", "runID", r.run.ID, "backfill", r.run.BackfillName)
	}
	if r.config.Notifier != nil {
		run, err := r.config.Store.GetRun(wctx, r.run.ID)
		if err != nil {
			run = r.run
			run.State = backfill.RunStateComplete
		}
		r.config.Notifier.RunCompleted(wctx, run)
	}
	return nil
}

// retryStorage retries op with exponential backoff until it succeeds or ctx ends.
// Missing rows are permanent.
func retryStorage[T any](ctx context.Context, r *Runner, what string, op func() (T, error)) (T, error) {
	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = r.config.CommitRetryInterval
	exp.MaxInterval = 10 * time.Second
	exp.MaxElapsedTime = 0

	var out T
	err := cbackoff.RetryNotify(func() error {
		v, err := op()
		if errors.Is(err, backfill.ErrPartitionNotFound) || errors.Is(err, backfill.ErrRunNotFound) {
			return cbackoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	}, cbackoff.WithContext(exp, ctx), func(err error, d time.Duration) {
		if r.config.Logger != nil {
			r.config.Logger.Error(ctx, "storage write failed, retrying", "op", what, "error", err, "retryIn", d.String())
		}
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to %s: %w", what, err)
	}
	return out, nil
}
