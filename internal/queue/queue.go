package queue

import (
	"context"
	"errors"
	"sync"
)

// Errors
var (
	ErrClosed = errors.New("queue closed")
)

// Policy selects the overflow behavior of a full queue.
type Policy int

const (
	// DropOldest evicts the oldest entry and counts the eviction. Push never
	// blocks the producer.
	DropOldest Policy = iota

	// BlockProducer suspends Push until a consumer frees space.
	BlockProducer
)

// DefaultCapacity bounds a queue when the caller does not choose one.
const DefaultCapacity = 1000

// Queue is a fixed-capacity ring buffer with blocking, multi-consumer Pull.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	count    int
	capacity int
	policy   Policy
	closed   bool

	// ready is closed when an item arrives or the queue closes; space is
	// closed when a slot frees up. Both are replaced after each broadcast.
	ready chan struct{}
	space chan struct{}

	// Stats
	overflow    uint64
	totalPushed int64
	totalPulled int64
}

// New creates a queue with the given capacity and overflow policy.
// Non-positive capacities fall back to DefaultCapacity.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}),
		space:    make(chan struct{}),
	}
}

// Push enqueues an item. Under DropOldest it never blocks; at capacity it
// evicts the oldest entry and increments the overflow counter. Under
// BlockProducer it waits for space, the context, or Close.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.count < q.capacity {
			break
		}
		if q.policy == DropOldest {
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % q.capacity
			q.count--
			q.overflow++
			break
		}
		space := q.space
		q.mu.Unlock()
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	q.buf[(q.head+q.count)%q.capacity] = item
	q.count++
	q.totalPushed++
	q.broadcastLocked(&q.ready)
	q.mu.Unlock()
	return nil
}

// Pull dequeues the oldest item, waiting until one is available, the queue
// closes, or the context is done. Safe for concurrent consumers.
func (q *Queue[T]) Pull(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.count > 0 {
			item := q.takeLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryPull dequeues without blocking.
func (q *Queue[T]) TryPull() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.takeLocked(), true
}

// Close marks the queue closed. Pending Pull calls drain remaining items and
// then observe ErrClosed; Push returns ErrClosed immediately.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked(&q.ready)
	q.broadcastLocked(&q.space)
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Overflow returns the number of evicted entries.
func (q *Queue[T]) Overflow() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// Stats returns a snapshot of queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:         q.count,
		Capacity:    q.capacity,
		Overflow:    q.overflow,
		TotalPushed: q.totalPushed,
		TotalPulled: q.totalPulled,
	}
}

// Stats contains queue counters.
type Stats struct {
	Len         int
	Capacity    int
	Overflow    uint64
	TotalPushed int64
	TotalPulled int64
}

// takeLocked removes the head item. Must be called with the lock held and
// count > 0.
func (q *Queue[T]) takeLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // release reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalPulled++
	q.broadcastLocked(&q.space)
	return item
}

// broadcastLocked wakes every waiter on the given signal channel and arms a
// fresh one. Must be called with the lock held.
func (q *Queue[T]) broadcastLocked(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
