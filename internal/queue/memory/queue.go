// Package memory provides the bounded in-process task queue feeding a cycle's workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch     chan ingest.Task
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan ingest.Task, capacity),
	}
}

// Enqueue pushes a task into the queue, blocking while it is full, or returns
// if the context ends. Enqueue and Close must not race.
func (q *Queue) Enqueue(ctx context.Context, task ingest.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ingest.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation. Once the queue
// is closed and drained it returns ingest.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (ingest.Task, error) {
	select {
	case <-ctx.Done():
		return ingest.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return ingest.Task{}, ingest.ErrQueueClosed
		}
		return task, nil
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks; queued tasks remain available to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
