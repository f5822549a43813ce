package backfill

import "errors"

var (
	// ErrRunNotFound indicates the run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrPartitionNotFound indicates the partition does not exist.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrInvalidStateTransition indicates a run cannot move from its current state to the requested one.
	// COMPLETE is terminal, and only RUNNING and PAUSED may be swapped by an operator.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNoPartitions indicates the client service returned no partitions for a new run.
	ErrNoPartitions = errors.New("no partitions")
)
