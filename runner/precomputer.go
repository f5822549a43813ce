package runner

import (
	"context"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/client"
)

// precompute counts the work left in the partition on its own cursor. It shares the global
// backoff with the main pipeline so a struggling client service throttles both.
func (r *Runner) precompute(ctx context.Context) error {
	if r.partition.PrecomputingDone {
		return nil
	}

	cursor := r.partition.PrecomputingPkeyCursor
	for {
		if err := r.global.Wait(ctx); err != nil {
			return err
		}

		s := r.currentSettings()
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
			ComputeCountLimit:  r.config.PrecomputeCountLimit,
			DryRun:             s.DryRun,
			Precomputing:       true,
		}

		callCtx, cancel := r.rpcContext(ctx)
		resp, err := r.config.Client.GetNextBatchRange(callCtx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.failure(ctx, "precompute GetNextBatchRange", err)
			continue
		}
		r.policy.Success()

		progress := backfill.PrecomputeProgress{Done: len(resp.Batches) == 0}
		for _, b := range resp.Batches {
			progress.ScannedDelta += b.ScannedRecordCount
			progress.MatchingDelta += b.MatchingRecordCount
			progress.Cursor = b.BatchRange.End
		}

		if _, err := retryStorage(ctx, r, "commit precompute", func() (bool, error) {
			return r.config.Store.CommitPrecompute(ctx, r.leased.ID, progress)
		}); err != nil {
			return err
		}

		if progress.Done {
			if r.config.Logger != nil {
				r.config.Logger.Debug(ctx, "precomputing done", "partition", r.partition.PartitionName)
			}
			return nil
		}
		cursor = progress.Cursor
	}
}
