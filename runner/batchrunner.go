package runner

import (
	"context"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/backoff"
	"github.com/getpup/backfill-orchestrator/client"
	"github.com/getpup/backfill-orchestrator/varchan"
)

// call is one started RunBatch attempt for a batch.
type call struct {
	batch     backfill.Batch
	result    <-chan callResult
	startedAt time.Time

	// synthetic calls were resolved without a remote call because nothing in the batch matched.
	synthetic bool
}

type callResult struct {
	resp client.RunBatchResponse
	err  error
}

// runBatches starts a RunBatch call per batch and hands it to the awaiter, keeping at most
// Threads calls outstanding.
func (r *Runner) runBatches(ctx context.Context, batches <-chan backfill.Batch, calls *varchan.Channel[*call]) error {
	for {
		var (
			batch backfill.Batch
			ok    bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok = <-batches:
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			close(calls.In())
			return nil
		}

		if err := r.acquireSlot(ctx); err != nil {
			return err
		}
		// Backoff is checked after the slot so a hint from the call that freed it applies.
		if err := backoff.WaitAll(ctx, r.global, r.runBatch); err != nil {
			return err
		}

		c := r.start(ctx, batch)
		select {
		case calls.In() <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acquireSlot blocks while the number of unresolved calls is at the live thread count.
func (r *Runner) acquireSlot(ctx context.Context) error {
	for {
		if r.inFlight.Load() < int64(r.currentSettings().Threads) {
			r.inFlight.Add(1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		}
	}
}

// release frees the slot of a resolved call.
func (r *Runner) release() {
	r.inFlight.Add(-1)
	r.signal()
}

// start begins a RunBatch call without waiting for it. The call runs on a context detached
// from cancellation so shutdown never aborts a batch halfway; RPCTimeout still bounds it.
func (r *Runner) start(ctx context.Context, batch backfill.Batch) *call {
	result := make(chan callResult, 1)
	c := &call{batch: batch, result: result, startedAt: r.clock.Now()}

	if batch.MatchingRecordCount == 0 {
		c.synthetic = true
		result <- callResult{}
		return c
	}

	s := r.currentSettings()
	req := client.RunBatchRequest{
		BackfillID:    r.run.ID,
		BackfillName:  r.run.BackfillName,
		PartitionName: r.partition.PartitionName,
		BatchRange:    batch.BatchRange,
		Parameters:    s.Parameters,
		DryRun:        s.DryRun,
	}

	go func() {
		callCtx, cancel := r.rpcContext(context.WithoutCancel(ctx))
		defer cancel()
		resp, err := r.config.Client.RunBatch(callCtx, req)
		result <- callResult{resp: resp, err: err}
	}()

	return c
}
