package runner

import (
	"context"

	"github.com/getpup/backfill-orchestrator"
)

// Notifier is told when a run completes. It is called once per run, by the runner whose
// partition completion flipped the run to COMPLETE.
type Notifier interface {
	RunCompleted(ctx context.Context, run backfill.BackfillRun)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, run backfill.BackfillRun)

// RunCompleted implements Notifier.
func (f NotifierFunc) RunCompleted(ctx context.Context, run backfill.BackfillRun) {
	f(ctx, run)
}
