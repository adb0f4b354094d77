// Package memory provides the bounded in-memory batch queue that couples the
// producer to the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

// Queue is a bounded in-memory queue of batches with context-aware
// operations. Enqueue blocks while the queue is full.
type Queue struct {
	ch      chan harvest.Batch
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan harvest.Batch, capacity),
	}
}

// Enqueue pushes a batch into the queue or returns if the context ends.
// Enqueueing after Close is an error. The queue has a single writer, which
// is also the one that closes it.
func (q *Queue) Enqueue(ctx context.Context, batch harvest.Batch) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return fmt.Errorf("enqueue: %w", harvest.ErrQueueClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- batch:
		return nil
	}
}

// Dequeue pops the next batch, respecting context cancellation. Batches
// queued before Close are still delivered; afterwards it returns
// harvest.ErrQueueClosed. A done ctx wins over a ready batch.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dequeue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case batch, ok := <-q.ch:
		if !ok {
			return nil, harvest.ErrQueueClosed
		}
		return batch, nil
	}
}

// Len reports the number of batches currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close signals that no more batches will arrive. It is safe to call more
// than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
