// Package queue hands admitted deployment ids from the admission path to the
// lifecycle workers.
package queue

import (
	"context"
	"errors"
	"sync"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrQueueUnavailable is returned when an id cannot be accepted.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// =============================================================================
// Interfaces
// =============================================================================

// Producer accepts deployment ids for processing. Implementations must be safe
// for concurrent use.
type Producer interface {
	Enqueue(ctx context.Context, deploymentID string) error
}

// Source yields queued ids in FIFO order. Dequeue never blocks.
type Source interface {
	Dequeue() (deploymentID string, ok bool)
}

// ProcessFunc handles one dequeued deployment id.
type ProcessFunc func(ctx context.Context, deploymentID string) error

// =============================================================================
// MemoryQueue
// =============================================================================

// MemoryQueue is an in-process FIFO. Entries do not survive a restart; the
// startup recovery sweep re-enqueues queued deployments from the store.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []string
	capacity int
	closed   bool
}

// NewMemoryQueue creates a queue. A capacity of zero means unbounded.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 0 {
		capacity = 0
	}
	return &MemoryQueue{capacity: capacity}
}

// Enqueue appends deploymentID to the tail. The append never blocks, so ctx
// is not consulted.
func (q *MemoryQueue) Enqueue(_ context.Context, deploymentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.Join(ErrQueueUnavailable, errors.New("queue closed"))
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return errors.Join(ErrQueueUnavailable, errors.New("queue full"))
	}
	q.items = append(q.items, deploymentID)
	return nil
}

// Dequeue removes and returns the head of the queue.
func (q *MemoryQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return id, true
}

// Len returns the number of waiting ids.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues. Ids already queued can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
