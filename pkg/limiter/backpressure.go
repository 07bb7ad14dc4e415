package limiter

import (
	"context"
	"sync"
	"time"
)

// Queue is a bounded FIFO for a single slow consumer. Enqueue never blocks:
// when the queue is full the item is rejected and the caller decides what to
// do about the consumer (typically drop the message and count it). Dequeue
// blocks up to a timeout so consumer loops can interleave keepalives.
type Queue[T any] struct {
	ch     chan T
	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue holding at most maxSize items. maxSize <= 0
// defaults to 1.
func NewQueue[T any](maxSize int) *Queue[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Queue[T]{ch: make(chan T, maxSize)}
}

// Enqueue offers item to the queue and reports whether it was accepted.
// Returns false when the queue is full or closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Dequeue waits up to timeout for an item. The second result is false on
// timeout, on context cancellation, or when the queue is closed and drained.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return item, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Depth returns the number of queued items.
func (q *Queue[T]) Depth() int {
	return len(q.ch)
}

// Close marks the queue closed. Pending items remain readable via Dequeue
// until drained; further Enqueue calls are rejected.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
