// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

// Processor handles a single task and reports how it ended.
type Processor interface {
	Process(ctx context.Context, task ingest.Task) ingest.Outcome
}

// Dispatcher fans out queue work to a bounded pool of workers.
type Dispatcher struct {
	queue     ingest.Queue
	processor Processor
	workers   int
	logger    *zap.Logger
}

// New creates a Dispatcher running the given number of workers (at least one).
func New(queue ingest.Queue, processor Processor, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		workers:   workers,
		logger:    logger,
	}
}

// Run starts all workers and blocks until the queue is closed and drained or
// the context finishes. It returns the outcome of every processed task.
func (d *Dispatcher) Run(ctx context.Context) ingest.Tally {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		tally = ingest.Tally{}
	)
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				task, err := d.queue.Dequeue(ctx)
				if err != nil {
					if !errors.Is(err, ingest.ErrQueueClosed) {
						d.logger.Debug("Worker stopping", zap.Int("worker", id), zap.Error(err))
					}
					return
				}
				outcome := d.processor.Process(ctx, task)
				mu.Lock()
				tally[outcome]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return tally
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task ingest.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
