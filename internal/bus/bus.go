// Package bus provides the in-memory hand-off queues between workers.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Latest is a single-slot hand-off with latest-wins overwrite. The
// producer never blocks; when the consumer lags, older values are
// replaced and counted as drops. Intended for one producer and one
// consumer.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	filled bool
	closed bool
	signal chan struct{}
	drops  atomic.Uint64
}

// NewLatest allocates an empty slot.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{signal: make(chan struct{}, 1)}
}

// Publish stores v, overwriting any unconsumed value. Publishing after
// Close is a no-op.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.filled {
		l.drops.Add(1)
	}
	l.value = v
	l.filled = true

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Take removes and returns the stored value, if any.
func (l *Latest[T]) Take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if !l.filled {
		return zero, false
	}
	v := l.value
	l.value = zero
	l.filled = false
	return v, true
}

// Wait blocks until a value is published, the context is done, or the
// slot is closed.
func (l *Latest[T]) Wait(ctx context.Context) (T, bool) {
	for {
		if v, ok := l.Take(); ok {
			return v, true
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case _, open := <-l.signal:
			if !open {
				var zero T
				return zero, false
			}
		}
	}
}

// Drops returns the number of overwritten values.
func (l *Latest[T]) Drops() uint64 { return l.drops.Load() }

// Close wakes any blocked consumer and rejects further publishes. The
// signal channel is closed under the same lock Publish sends under, so
// a racing producer can never hit a closed channel.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

// Queue is a bounded non-blocking queue with drop-newest overflow,
// used for order events.
type Queue[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
	drops  atomic.Uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPublish enqueues without blocking; the newest value is dropped on
// overflow.
func (q *Queue[T]) TryPublish(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		q.drops.Add(1)
		return ErrQueueFull
	}
}

// Drops returns the number of dropped values.
func (q *Queue[T]) Drops() uint64 { return q.drops.Load() }

// Close stops the queue from accepting new values. Publishers hold the
// read lock across their send, so Close cannot race them onto a closed
// channel.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Run consumes values until the context is done or the queue is closed.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			handler(v)
		}
	}
}
