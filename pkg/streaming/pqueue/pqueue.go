// Package pqueue implements the priority queue of spec.md §4.H.3: a
// set of FIFO queues keyed by priority level, dequeued in strict
// priority order and bounded by total item count.
package pqueue

import (
	"context"
	"sync"

	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Priority is a scheduling level, highest first in Levels.
type Priority string

const (
	Critical Priority = "critical"
	High     Priority = "high"
	Normal   Priority = "normal"
	Low      Priority = "low"
	Bulk     Priority = "bulk"
)

// Levels lists every priority in dequeue precedence order.
var Levels = []Priority{Critical, High, Normal, Low, Bulk}

// Queue is a set of FIFO queues keyed by priority level. Dequeue
// always returns the highest-priority non-empty queue's head; Enqueue
// blocks while the queue is at MaxSize capacity.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[Priority][]any
	total   int
	maxSize int
	closed  bool
}

// New constructs a Queue bounded by maxSize total items (0 = unbounded).
func New(maxSize int) *Queue {
	q := &Queue{buckets: make(map[Priority][]any), maxSize: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds item under priority p, blocking while the queue is at
// capacity. Returns an error if the queue is closed or ctx is
// cancelled first.
func (q *Queue) Enqueue(ctx context.Context, p Priority, item any) error {
	if err := q.waitFor(ctx, func() bool {
		return q.closed || q.maxSize <= 0 || q.total < q.maxSize
	}); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return moderr.New(moderr.KindInvalidConfig, "priority queue is closed")
	}
	q.buckets[p] = append(q.buckets[p], item)
	q.total++
	q.cond.Broadcast()
	return nil
}

// Dequeue returns the head item of the highest-priority non-empty
// bucket, blocking until one is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Priority, any, error) {
	if err := q.waitFor(ctx, func() bool {
		return q.closed || q.nonEmptyLocked()
	}); err != nil {
		return "", nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range Levels {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		item := bucket[0]
		q.buckets[p] = bucket[1:]
		q.total--
		q.cond.Broadcast()
		return p, item, nil
	}
	return "", nil, moderr.New(moderr.KindInvalidConfig, "priority queue is closed and empty")
}

// Len reports the total number of items across every priority bucket.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

func (q *Queue) nonEmptyLocked() bool {
	for _, p := range Levels {
		if len(q.buckets[p]) > 0 {
			return true
		}
	}
	return false
}

// waitFor blocks on q.cond until ready() holds or ctx is cancelled. A
// cancelled ctx leaves one helper goroutine parked in cond.Wait until
// the next Broadcast (Enqueue, Dequeue, or Close); acceptable given a
// module process's bounded lifetime.
func (q *Queue) waitFor(ctx context.Context, ready func() bool) error {
	q.mu.Lock()
	if ready() {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	woke := make(chan struct{})
	go func() {
		q.mu.Lock()
		for !ready() {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(woke)
	}()

	select {
	case <-woke:
		return nil
	case <-ctx.Done():
		return moderr.Wrap(moderr.KindConnectionTO, "priority queue wait cancelled", ctx.Err())
	}
}

// Close marks the queue closed; blocked or future Enqueue calls fail,
// and Dequeue calls fail once every bucket has drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
