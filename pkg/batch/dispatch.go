package batch

import (
	"context"
	"sync"
)

// Dispatcher runs completion callbacks on the execution context the
// consumer requires.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

// Dispatch calls f(fn).
func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// GoDispatcher runs each callback on a new goroutine.
type GoDispatcher struct{}

// Dispatch runs fn asynchronously.
func (GoDispatcher) Dispatch(fn func()) {
	go fn()
}

// Queue is a serial completion context. Callbacks are queued by Dispatch
// and executed one at a time by whoever drives Run or Drain, in the order
// they were dispatched.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Dispatch enqueues fn. It never blocks.
func (q *Queue) Dispatch(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued callbacks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain runs every queued callback on the calling goroutine and returns how
// many ran. It does not wait for new callbacks.
func (q *Queue) Drain() int {
	q.mu.Lock()
	fns := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Run executes queued callbacks on the calling goroutine until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.Drain()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}

// Notify returns a channel that receives a value after Dispatch queued work.
// Consumers that own an event loop can select on it and call Drain.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
