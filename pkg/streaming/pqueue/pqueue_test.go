package pqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDequeueReturnsHighestPriorityFirst(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Low, "low"))
	require.NoError(t, q.Enqueue(ctx, Critical, "critical"))
	require.NoError(t, q.Enqueue(ctx, Normal, "normal"))

	p, item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, Critical, p)
	require.Equal(t, "critical", item)

	p, item, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, Normal, p)
	require.Equal(t, "normal", item)

	p, item, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, Low, p)
	require.Equal(t, "low", item)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, High, "first"))
	require.NoError(t, q.Enqueue(ctx, High, "second"))

	_, item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", item)

	_, item, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", item)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	result := make(chan any, 1)
	go func() {
		_, item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		result <- item
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Bulk, "late"))

	select {
	case item := <-result:
		require.Equal(t, "late", item)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestEnqueueBlocksAtCapacity(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Normal, "first"))

	enqueued := make(chan struct{})
	go func() {
		require.NoError(t, q.Enqueue(ctx, Normal, "second"))
		close(enqueued)
	}()

	select {
	case <-enqueued:
		t.Fatal("enqueue should have blocked at capacity")
	case <-time.After(30 * time.Millisecond):
	}

	_, _, err := q.Dequeue(ctx)
	require.NoError(t, err)

	select {
	case <-enqueued:
	case <-time.After(time.Second):
		t.Fatal("enqueue never unblocked after capacity freed")
	}
}

func TestDequeueCtxCancel(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := q.Dequeue(ctx)
	require.Error(t, err)
}
