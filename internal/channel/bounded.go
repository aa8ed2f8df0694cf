// Package channel provides bounded channel primitives for
// non-blocking fan-in.
package channel

import "sync/atomic"

// Bounded wraps a fixed-capacity buffered channel with non-blocking
// send and receive. Rejected sends are counted, never blocked on, so
// producers on a failure path cannot stall behind a slow consumer.
type Bounded[T any] struct {
	ch       chan T
	sends    atomic.Int64
	receives atomic.Int64
	rejects  atomic.Int64
}

// NewBounded creates a channel holding at most capacity items.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded[T]{ch: make(chan T, capacity)}
}

// TrySend enqueues v if there is room, reporting whether it did.
func (b *Bounded[T]) TrySend(v T) bool {
	select {
	case b.ch <- v:
		b.sends.Add(1)
		return true
	default:
		b.rejects.Add(1)
		return false
	}
}

// TryReceive dequeues the oldest item if one is buffered.
func (b *Bounded[T]) TryReceive() (T, bool) {
	select {
	case v := <-b.ch:
		b.receives.Add(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Chan exposes the receive side for select statements.
func (b *Bounded[T]) Chan() <-chan T {
	return b.ch
}

// Len returns the number of buffered items.
func (b *Bounded[T]) Len() int {
	return len(b.ch)
}

// Cap returns the channel capacity.
func (b *Bounded[T]) Cap() int {
	return cap(b.ch)
}

// Rejected reports how many sends found the buffer full.
func (b *Bounded[T]) Rejected() int64 {
	return b.rejects.Load()
}
