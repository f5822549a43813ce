package runner

import (
	"context"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/client"
	"github.com/getpup/backfill-orchestrator/varchan"
)

// queue keeps the batch buffer full. The local cursor runs ahead of the committed one.
// It closes the buffer once the client service returns no more batches.
func (r *Runner) queue(ctx context.Context, batches *varchan.Channel[backfill.Batch]) error {
	cursor := r.partition.PkeyCursor

	for {
		if err := r.global.Wait(ctx); err != nil {
			return err
		}

		s := r.currentSettings()
		capacity := 2 * s.Threads
		batches.SetCapacity(capacity)

		req := client.GetNextBatchRangeRequest{
			BackfillID:         r.run.ID,
			BackfillName:       r.run.BackfillName,
			PartitionName:      r.partition.PartitionName,
			BatchSize:          s.BatchSize,
			ScanSize:           s.ScanSize,
			PreviousEndKey:     cursor,
			BackfillRange:      r.partition.BackfillRange,
			Parameters:         s.Parameters,
			ComputeTimeLimitMs: (r.config.RPCTimeout / 2).Milliseconds(),
			ComputeCountLimit:  int64(capacity),
			DryRun:             s.DryRun,
		}

		callCtx, cancel := r.rpcContext(ctx)
		resp, err := r.config.Client.GetNextBatchRange(callCtx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.failure(ctx, "GetNextBatchRange", err)
			continue
		}
		r.policy.Success()

		if len(resp.Batches) == 0 {
			if r.config.Logger != nil {
				r.config.Logger.Debug(ctx, "no more batches", "partition", r.partition.PartitionName)
			}
			close(batches.In())
			return nil
		}

		for _, batch := range resp.Batches {
			select {
			case batches.In() <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
			cursor = batch.BatchRange.End
		}
	}
}
