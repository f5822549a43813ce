// Package varchan provides a single-producer single-consumer channel whose capacity
// can be changed while items are buffered.
package varchan

import (
	"context"
	"sync"
)

// Channel proxies items from an unbuffered upstream channel to an unbuffered downstream
// channel through an internal buffer bounded by a resizable capacity.
//
// The proxy goroutine accepts from upstream only while the buffer holds fewer items than the
// current capacity, and offers the oldest item downstream whenever the buffer is non-empty.
// Both operations share one select, so neither side starves the other. Shrinking the capacity
// below the buffered count never drops items; intake resumes once the buffer has drained.
//
// Closing the upstream handle drains the buffer downstream and then closes the downstream
// handle. Cancelling the context stops the proxy without closing downstream, so consumers
// must watch the same context.
type Channel[T any] struct {
	in   chan T
	out  chan T
	wake chan struct{}
	done chan struct{}

	mu       sync.Mutex
	capacity int
	buffered int
}

// New creates a Channel with the given capacity and starts its proxy goroutine.
// The goroutine exits when upstream is closed and drained, or when ctx is cancelled.
func New[T any](ctx context.Context, capacity int) *Channel[T] {
	c := &Channel[T]{
		in:       make(chan T),
		out:      make(chan T),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		capacity: clamp(capacity),
	}
	go c.run(ctx)
	return c
}

// In returns the producer handle. The producer closes it when it has nothing more to send.
func (c *Channel[T]) In() chan<- T {
	return c.in
}

// Out returns the consumer handle. It is closed after upstream closes and every buffered item was delivered.
func (c *Channel[T]) Out() <-chan T {
	return c.out
}

// Done is closed when the proxy goroutine has exited.
func (c *Channel[T]) Done() <-chan struct{} {
	return c.done
}

// SetCapacity changes the buffer bound. Values below one are treated as one.
func (c *Channel[T]) SetCapacity(n int) {
	c.mu.Lock()
	c.capacity = clamp(n)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Capacity returns the current buffer bound.
func (c *Channel[T]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Len returns the number of buffered items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Channel[T]) run(ctx context.Context) {
	defer close(c.done)

	var (
		buf    []T
		closed bool
	)

	for {
		capacity := c.Capacity()

		var in <-chan T
		if !closed && len(buf) < capacity {
			in = c.in
		}

		var (
			out  chan<- T
			next T
		)
		if len(buf) > 0 {
			out = c.out
			next = buf[0]
		}

		if closed && len(buf) == 0 {
			close(c.out)
			return
		}

		select {
		case item, ok := <-in:
			if !ok {
				closed = true
				continue
			}
			buf = append(buf, item)
		case out <- next:
			var zero T
			buf[0] = zero
			buf = buf[1:]
		case <-c.wake:
		case <-ctx.Done():
			return
		}

		c.mu.Lock()
		c.buffered = len(buf)
		c.mu.Unlock()
	}
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
