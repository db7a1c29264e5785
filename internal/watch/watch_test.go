package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue[int](ctx)
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	q.Close()

	var got []int
	for v := range q.C() {
		got = append(got, v)
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue[string](ctx)
	cancel()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("queue did not stop after cancel")
	}
	q.Push("ignored")
}

func TestValueSubscribeReplaysCurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := NewValue(false)
	ch := v.Subscribe(ctx)
	assert.False(t, <-ch)

	v.Set(true)
	v.Set(false)
	assert.True(t, <-ch)
	assert.False(t, <-ch)
	assert.False(t, v.Get())
}

func TestValueUpdate(t *testing.T) {
	v := NewValue(1)
	got := v.Update(func(n int) int { return n + 41 })
	assert.Equal(t, 42, got)
	assert.Equal(t, 42, v.Get())
}
