package watch

import (
	"context"
	"sync"
)

// Value holds a piece of state and fans every change out to subscribers.
// Each subscriber first receives the current value, then every later Set in
// order.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	nextID int
	subs   map[int]*Queue[T]
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]*Queue[T])}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = next
	for _, q := range v.subs {
		q.Push(next)
	}
}

// Update applies fn to the current value under the lock and publishes the
// result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = fn(v.cur)
	for _, q := range v.subs {
		q.Push(v.cur)
	}
	return v.cur
}

// Subscribe returns a stream of values that ends when ctx is cancelled.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	q := NewQueue[T](ctx)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = q
	q.Push(v.cur)
	v.mu.Unlock()

	go func() {
		<-q.Done()
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}()

	return q.C()
}
