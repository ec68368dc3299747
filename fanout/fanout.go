// Package fanout implements a single-producer, multi-consumer broadcast channel
// backed by a ring buffer.
//
// Senders never block. Every Receiver keeps its own cursor into the ring; a Receiver
// that falls behind by more than the capacity loses the overwritten items and is told
// so by a *LagError on its next Recv.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of items retained for lagging receivers.
const DefaultCapacity = 1024

// ErrClosed is returned by Recv once the Channel is closed and the receiver has drained it.
var ErrClosed = errors.New("fanout: channel closed")

// LagError reports how many items a Receiver missed because it fell behind.
// The Receiver continues from the oldest retained item.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("fanout: receiver lagged behind, %d items skipped", e.Skipped)
}

// Channel broadcasts every sent item to all Receivers subscribed at the time of sending.
type Channel[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   uint64 // sequence number of the next item to be written
	closed bool
	// notify is closed and replaced on every Send to wake up waiting receivers
	notify chan struct{}
}

// New instantiates a Channel retaining up to capacity items.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel[T]{
		ring:   make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Send broadcasts the item. It never blocks and reports false if the Channel is closed.
func (c *Channel[T]) Send(item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	c.ring[c.head%uint64(len(c.ring))] = item
	c.head++

	close(c.notify)
	c.notify = make(chan struct{})
	return true
}

// Subscribe creates a new Receiver observing items sent from now on.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Receiver[T]{ch: c, next: c.head}
}

// Close closes the Channel. Receivers still get the retained items they have not read yet.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

// Receiver is an independent read cursor over a Channel.
// It is not safe for concurrent use by multiple goroutines.
type Receiver[T any] struct {
	ch   *Channel[T]
	next uint64
}

// Recv returns the next item, blocking until one is sent, the context is done or the
// Channel is closed and drained.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		item, wait, err := r.poll()
		if err != nil || wait == nil {
			return item, err
		}

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRecv returns the next item without blocking. It reports false if there is none.
func (r *Receiver[T]) TryRecv() (T, bool, error) {
	item, wait, err := r.poll()
	if err != nil {
		return item, false, err
	}
	return item, wait == nil, nil
}

// poll reads the item at the cursor. If there is nothing to read it returns the channel
// to wait on.
func (r *Receiver[T]) poll() (item T, wait <-chan struct{}, err error) {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	capacity := uint64(len(c.ring))
	if c.head-r.next > capacity {
		oldest := c.head - capacity
		skipped := oldest - r.next
		r.next = oldest
		return item, nil, &LagError{Skipped: skipped}
	}

	if r.next < c.head {
		item = c.ring[r.next%capacity]
		r.next++
		return item, nil, nil
	}

	if c.closed {
		return item, nil, ErrClosed
	}
	return item, c.notify, nil
}
