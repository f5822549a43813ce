// Package lease finds partitions whose lease lapsed and takes them over.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/metrics"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/getpup/pupsourcing/es"
	"github.com/google/uuid"
)

// Config holds configuration for the Hunter.
type Config struct {
	// Store is the run store (required).
	Store store.Store

	// Clock is the time source (default: wall clock).
	Clock clock.Clock

	// LeaseDuration is how long an acquired lease is valid (default: 5m).
	LeaseDuration time.Duration

	// CandidateLimit caps how many expired partitions are read per hunt (default: 100).
	CandidateLimit int

	// Logger is for observability (optional).
	Logger es.Logger
}

// Hunter acquires leases on runnable partitions.
type Hunter struct {
	config Config

	// pick returns an index in [0, n).
	pick func(n int) int
}

// New creates a new Hunter with the given configuration.
// Applies default values for LeaseDuration and CandidateLimit if not set.
func New(cfg Config) *Hunter {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.CandidateLimit == 0 {
		cfg.CandidateLimit = 100
	}

	return &Hunter{
		config: cfg,
		pick:   rand.IntN,
	}
}

// Hunt leases one RUNNING partition whose lease has expired, chosen at random among the candidates.
// Returns false when there is nothing to lease or another process won the race for the chosen
// partition. Losing a race is not an error.
func (h *Hunter) Hunt(ctx context.Context) (backfill.RunPartition, bool, error) {
	now := h.config.Clock.Now()

	candidates, err := h.config.Store.FindExpiredLeases(ctx, now, h.config.CandidateLimit)
	if err != nil {
		return backfill.RunPartition{}, false, fmt.Errorf("failed to find expired leases: %w", err)
	}
	if len(candidates) == 0 {
		return backfill.RunPartition{}, false, nil
	}

	candidate := candidates[h.pick(len(candidates))]
	token := uuid.New().String()

	leased, err := h.config.Store.AcquireLease(ctx, candidate.ID, candidate.Version, token, now.Add(h.config.LeaseDuration))
	if errors.Is(err, store.ErrVersionConflict) {
		metrics.IncLeaseRacesLost()
		if h.config.Logger != nil {
			h.config.Logger.Debug(ctx, "lost lease race", "partitionID", candidate.ID, "partition", candidate.PartitionName)
		}
		return backfill.RunPartition{}, false, nil
	}
	if err != nil {
		return backfill.RunPartition{}, false, fmt.Errorf("failed to acquire lease on partition %s: %w", candidate.ID, err)
	}

	metrics.IncLeasesAcquired()
	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "acquired lease",
			"partitionID", leased.ID,
			"partition", leased.PartitionName,
			"runID", leased.RunID,
			"expiresAt", leased.LeaseExpiresAt)
	}

	return leased, true, nil
}

// LeaseDuration returns the configured lease duration.
func (h *Hunter) LeaseDuration() time.Duration {
	return h.config.LeaseDuration
}
