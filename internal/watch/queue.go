package watch

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO that forwards pushed values to a receive-only
// channel in order. Push never blocks, so producers holding locks can use it
// safely. The output channel is closed once the queue is closed and drained,
// or as soon as the context is cancelled.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	wake    chan struct{}
	out     chan T
	stopped chan struct{}
}

// NewQueue starts the forwarding goroutine, which exits with ctx.
func NewQueue[T any](ctx context.Context) *Queue[T] {
	q := &Queue[T]{
		wake:    make(chan struct{}, 1),
		out:     make(chan T),
		stopped: make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

// C returns the delivery channel.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Push appends v. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Close stops accepting values. Already queued values are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed when the forwarding goroutine has exited.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.stopped
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run(ctx context.Context) {
	defer close(q.stopped)
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				q.Close()
				return
			}
		}
		next := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-ctx.Done():
			q.Close()
			return
		}
	}
}
