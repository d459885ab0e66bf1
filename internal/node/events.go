package node

import (
	"context"
	"sync"
	"time"
)

// AsyncEvent fires exactly once with a value and releases every waiter.
// Fire after the first is a no-op.
type AsyncEvent[T any] struct {
	once sync.Once
	ch   chan struct{}
	val  T
}

func NewAsyncEvent[T any]() *AsyncEvent[T] {
	return &AsyncEvent[T]{ch: make(chan struct{})}
}

// Fire publishes the value and wakes all waiters.
func (e *AsyncEvent[T]) Fire(val T) {
	e.once.Do(func() {
		e.val = val
		close(e.ch)
	})
}

// Fired reports whether the event has fired.
func (e *AsyncEvent[T]) Fired() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the event fires or the context ends.
func (e *AsyncEvent[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-e.ch:
		return e.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks up to d; ok is false when the deadline passed first.
func (e *AsyncEvent[T]) WaitTimeout(ctx context.Context, d time.Duration) (val T, ok bool, err error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.ch:
		return e.val, true, nil
	case <-timer.C:
		var zero T
		return zero, false, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Value returns the fired value; zero before firing.
func (e *AsyncEvent[T]) Value() T {
	return e.val
}
