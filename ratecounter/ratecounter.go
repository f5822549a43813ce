// Package ratecounter estimates per-minute rates over a trailing window of per-second buckets.
package ratecounter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWindow is the trailing window used when none is given.
const DefaultWindow = 60 * time.Second

// Counter sums values added within a trailing window. It is safe for concurrent use.
type Counter struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  int64 // seconds
	buckets []bucket
	first   time.Time
	started bool
}

type bucket struct {
	second int64
	sum    int64
}

// New creates a Counter over window, rounded down to whole seconds.
// A nil clock uses the wall clock. A window below one second uses DefaultWindow.
func New(clk clock.Clock, window time.Duration) *Counter {
	if clk == nil {
		clk = clock.New()
	}
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = int64(DefaultWindow / time.Second)
	}
	return &Counter{
		clock:   clk,
		window:  seconds,
		buckets: make([]bucket, seconds),
	}
}

// Add records n at the current second.
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !c.started {
		c.first = now
		c.started = true
	}

	sec := now.Unix()
	b := &c.buckets[sec%c.window]
	if b.second != sec {
		b.second = sec
		b.sum = 0
	}
	b.sum += n
}

// Sum returns the total added within the window.
func (c *Counter) Sum() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sumLocked(c.clock.Now().Unix())
}

func (c *Counter) sumLocked(now int64) int64 {
	var total int64
	for _, b := range c.buckets {
		if b.second > now-c.window && b.second <= now {
			total += b.sum
		}
	}
	return total
}

// ProjectedRate returns the rate per minute. Until a full window has elapsed since the first
// sample, the windowed sum is extrapolated linearly from the elapsed time so the estimate is
// usable within seconds of starting.
func (c *Counter) ProjectedRate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return 0
	}

	now := c.clock.Now()
	sum := c.sumLocked(now.Unix())
	window := time.Duration(c.window) * time.Second

	span := now.Sub(c.first)
	if span < time.Second {
		span = time.Second
	}
	if span > window {
		span = window
	}

	return int64(float64(sum) * float64(time.Minute) / float64(span))
}
