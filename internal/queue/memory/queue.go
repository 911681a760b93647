// Package memory provides the in-process FIFO queue feeding capture workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan capture.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

var _ capture.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan capture.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue, blocking while it is full.
func (q *Queue) Enqueue(ctx context.Context, item capture.QueueItem) error {
	select {
	case <-q.done:
		return capture.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return capture.ErrQueueClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the oldest job, respecting context cancellation. It returns
// capture.ErrQueueClosed once the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (capture.QueueItem, error) {
	select {
	case <-q.done:
		return capture.QueueItem{}, capture.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return capture.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return capture.QueueItem{}, capture.ErrQueueClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Waiting items remain available through Drain.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Drain removes and returns every waiting item.
func (q *Queue) Drain() []capture.QueueItem {
	var items []capture.QueueItem
	for {
		select {
		case item := <-q.ch:
			items = append(items, item)
		default:
			return items
		}
	}
}
