// Package backoff tracks how long a partition's pipeline must pause before its next remote call.
package backoff

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cbackoff "github.com/cenkalti/backoff/v4"
)

// Tracker holds the instant until which callers should hold off. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	clock clock.Clock
	until time.Time
}

// NewTracker creates a Tracker. A nil clock uses the wall clock.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{clock: clk}
}

// Add extends the backoff so it lasts at least d from now. A shorter request never
// shortens an existing backoff.
func (t *Tracker) Add(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	until := t.clock.Now().Add(d)
	if until.After(t.until) {
		t.until = until
	}
}

// Remaining returns how long callers still have to wait, or zero.
func (t *Tracker) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.until.Sub(t.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// BackingOff reports whether callers currently have to wait.
func (t *Tracker) BackingOff() bool {
	return t.Remaining() > 0
}

// Wait blocks until the tracker stops backing off or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	return WaitAll(ctx, t)
}

// WaitAll blocks until none of the trackers is backing off. A tracker extended while
// waiting is waited on again.
func WaitAll(ctx context.Context, trackers ...*Tracker) error {
	for {
		var longest time.Duration
		var clk clock.Clock
		for _, t := range trackers {
			if d := t.Remaining(); d > longest {
				longest = d
				clk = t.clock
			}
		}
		if longest == 0 {
			return ctx.Err()
		}

		timer := clk.Timer(longest)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// PolicyConfig configures the exponential delays used when no explicit schedule is set.
type PolicyConfig struct {
	// InitialInterval is the delay after the first failure.
	InitialInterval time.Duration

	// MaxInterval caps the delay.
	MaxInterval time.Duration

	// Multiplier grows the delay after each further failure.
	Multiplier float64

	// RandomizationFactor spreads delays by up to this fraction in either direction.
	RandomizationFactor float64
}

// DefaultPolicyConfig returns the delays used in production.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		InitialInterval:     time.Second,
		MaxInterval:         2 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// Policy counts consecutive remote-call failures and feeds the resulting delay into a Tracker.
// Delays come from the explicit schedule when one is set, otherwise from exponential backoff.
type Policy struct {
	mu       sync.Mutex
	tracker  *Tracker
	exp      *cbackoff.ExponentialBackOff
	schedule []time.Duration
	failures int
}

// NewPolicy creates a Policy writing into tracker.
func NewPolicy(tracker *Tracker, cfg PolicyConfig) *Policy {
	if cfg.InitialInterval <= 0 {
		cfg = DefaultPolicyConfig()
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = cfg.RandomizationFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Policy{tracker: tracker, exp: exp}
}

// SetSchedule replaces the explicit delay schedule. An empty schedule restores exponential backoff.
func (p *Policy) SetSchedule(schedule []time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedule = schedule
}

// Failure records a failure and extends the tracker by the next delay, which it returns.
func (p *Policy) Failure() time.Duration {
	p.mu.Lock()
	p.failures++

	var d time.Duration
	if len(p.schedule) > 0 {
		i := p.failures - 1
		if i >= len(p.schedule) {
			i = len(p.schedule) - 1
		}
		d = p.schedule[i]
	} else {
		d = p.exp.NextBackOff()
		if d == cbackoff.Stop {
			d = p.exp.MaxInterval
		}
	}
	p.mu.Unlock()

	p.tracker.Add(d)
	return d
}

// Success resets the failure count. A backoff already in progress runs its course.
func (p *Policy) Success() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.exp.Reset()
}

// Failures returns the number of consecutive failures since the last success.
func (p *Policy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// ParseSchedule parses a comma separated list of millisecond delays such as "1000,5000,30000".
// An empty string yields an empty schedule.
func ParseSchedule(s string) ([]time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		ms, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff schedule entry %q: %w", part, err)
		}
		if ms < 0 {
			return nil, fmt.Errorf("invalid backoff schedule entry %q: negative delay", part)
		}
		schedule = append(schedule, time.Duration(ms)*time.Millisecond)
	}
	return schedule, nil
}
