// Package memory implements the client contract over in-memory key lists.
// It computes batches the way a keyed datastore backend would and is used by tests,
// the example program and local demos.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/client"
)

// ErrUnknownBackfill indicates no dataset is registered under the requested backfill name.
var ErrUnknownBackfill = errors.New("unknown backfill")

// ErrUnknownPartition indicates the backfill has no shard with the requested partition name.
var ErrUnknownPartition = errors.New("unknown partition")

// Record is one row of a shard. Matches marks rows the backfill acts on.
type Record struct {
	Key     []byte
	Matches bool
}

// RunBatchHook can replace the outcome of a RunBatch call. Returning handled=false lets the
// backend run the batch normally.
type RunBatchHook func(ctx context.Context, req client.RunBatchRequest) (resp client.RunBatchResponse, handled bool, err error)

// Backend is an in-memory client service. It is safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	datasets  map[string]map[string][]Record
	processed map[string]map[string]int
	hook      RunBatchHook
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		datasets:  make(map[string]map[string][]Record),
		processed: make(map[string]map[string]int),
	}
}

// Register installs the shards of a backfill. Each shard becomes one partition, and records
// are sorted by key.
func (b *Backend) Register(backfillName string, shards map[string][]Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := make(map[string][]Record, len(shards))
	for name, records := range shards {
		rs := append([]Record(nil), records...)
		sort.Slice(rs, func(i, j int) bool { return bytes.Compare(rs[i].Key, rs[j].Key) < 0 })
		sorted[name] = rs
	}
	b.datasets[backfillName] = sorted
	b.processed[backfillName] = make(map[string]int)
}

// SetRunBatchHook installs a hook consulted before every RunBatch.
func (b *Backend) SetRunBatchHook(hook RunBatchHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Processed returns how many times each matching key was run, keyed by string(key).
func (b *Backend) Processed(backfillName string) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int, len(b.processed[backfillName]))
	for k, v := range b.processed[backfillName] {
		out[k] = v
	}
	return out
}

// PrepareBackfill returns one partition per shard, bounded by the shard's first and last key.
// An empty shard yields a partition with an empty range.
func (b *Backend) PrepareBackfill(_ context.Context, req client.PrepareBackfillRequest) (client.PrepareBackfillResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	shards, ok := b.datasets[req.BackfillName]
	if !ok {
		return client.PrepareBackfillResponse{}, fmt.Errorf("%w: %s", ErrUnknownBackfill, req.BackfillName)
	}

	names := make([]string, 0, len(shards))
	for name := range shards {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := client.PrepareBackfillResponse{Parameters: req.Parameters}
	for _, name := range names {
		var r backfill.KeyRange
		if records := shards[name]; len(records) > 0 {
			r.Start = records[0].Key
			r.End = records[len(records)-1].Key
		}
		resp.Partitions = append(resp.Partitions, client.PrepareBackfillPartition{
			PartitionName: name,
			BackfillRange: r,
		})
	}
	return resp, nil
}

// GetNextBatchRange scans records after PreviousEndKey, closing a batch each time BatchSize
// matching records were seen. It stops after ScanSize scanned records or ComputeCountLimit
// batches, and emits the open batch when the scan stops.
func (b *Backend) GetNextBatchRange(_ context.Context, req client.GetNextBatchRangeRequest) (client.GetNextBatchRangeResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.shardLocked(req.BackfillName, req.PartitionName)
	if err != nil {
		return client.GetNextBatchRangeResponse{}, err
	}
	if req.BackfillRange.IsEmpty() {
		return client.GetNextBatchRangeResponse{}, nil
	}

	countLimit := req.ComputeCountLimit
	if countLimit <= 0 {
		countLimit = 1
	}

	var (
		batches []backfill.Batch
		current *backfill.Batch
		scanned int64
	)

	for _, rec := range records {
		if !inRange(rec.Key, req.BackfillRange) {
			continue
		}
		if req.PreviousEndKey != nil && bytes.Compare(rec.Key, req.PreviousEndKey) <= 0 {
			continue
		}
		if int64(len(batches)) >= countLimit {
			break
		}
		if req.ScanSize > 0 && scanned >= req.ScanSize {
			break
		}

		scanned++
		if current == nil {
			current = &backfill.Batch{BatchRange: backfill.KeyRange{Start: rec.Key}}
		}
		current.BatchRange.End = rec.Key
		current.ScannedRecordCount++
		if rec.Matches {
			current.MatchingRecordCount++
		}

		if req.BatchSize > 0 && current.MatchingRecordCount >= req.BatchSize {
			batches = append(batches, *current)
			current = nil
		}
	}
	if current != nil {
		batches = append(batches, *current)
	}

	return client.GetNextBatchRangeResponse{Batches: batches}, nil
}

// RunBatch marks every matching record of the batch range as processed unless the run is a dry run.
func (b *Backend) RunBatch(ctx context.Context, req client.RunBatchRequest) (client.RunBatchResponse, error) {
	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		resp, handled, err := hook(ctx, req)
		if handled || err != nil {
			return resp, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.shardLocked(req.BackfillName, req.PartitionName)
	if err != nil {
		return client.RunBatchResponse{}, err
	}
	if req.DryRun {
		return client.RunBatchResponse{}, nil
	}

	processed := b.processed[req.BackfillName]
	for _, rec := range records {
		if rec.Matches && inRange(rec.Key, req.BatchRange) {
			processed[string(rec.Key)]++
		}
	}
	return client.RunBatchResponse{}, nil
}

func (b *Backend) shardLocked(backfillName, partitionName string) ([]Record, error) {
	shards, ok := b.datasets[backfillName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackfill, backfillName)
	}
	records, ok := shards[partitionName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPartition, backfillName, partitionName)
	}
	return records, nil
}

func inRange(key []byte, r backfill.KeyRange) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(key, r.End) > 0 {
		return false
	}
	return true
}

var _ client.Client = (*Backend)(nil)
