package store

import "errors"

var (
	// ErrVersionConflict indicates an optimistic write lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTooManyConflicts indicates a version-checked write kept conflicting and was abandoned.
	ErrTooManyConflicts = errors.New("too many version conflicts")
)

// MaxConflictRetries bounds how often a store retries a version-checked read-then-write.
const MaxConflictRetries = 10
