// Package dispatch fans accepted signals out to traders and feeds the
// bounded execution queue.
//
// The queue is partitioned by (trader, symbol). At most one worker owns a
// partition at a time and tasks within it run strictly FIFO, so a CLOSE
// enqueued before a reverse OPEN can never execute after it. Across
// partitions workers run freely in parallel.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"copytrader/pkg/types"
)

// ErrQueueFull is returned when the queue is at capacity. The task is
// dropped; there is no blocking enqueue on the webhook path.
var ErrQueueFull = errors.New("execution queue full")

// ErrQueueClosed is returned on enqueue after shutdown began.
var ErrQueueClosed = errors.New("execution queue closed")

// Queue is the bounded, partitioned FIFO execution queue.
type Queue struct {
	mu       sync.Mutex
	parts    map[string][]*types.ExecutionTask
	busy     map[string]bool
	ready    chan string
	capacity int
	size     int
	closed   bool
	empty    *sync.Cond
}

// NewQueue creates a queue bounded at capacity tasks in total.
func NewQueue(capacity int) *Queue {
	q := &Queue{
		parts:    make(map[string][]*types.ExecutionTask),
		busy:     make(map[string]bool),
		ready:    make(chan string, capacity),
		capacity: capacity,
	}
	q.empty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a task to its partition. A partition with no owning
// worker is announced on the ready channel.
func (q *Queue) Enqueue(task *types.ExecutionTask) error {
	key := task.PartitionKey()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.size >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	idle := len(q.parts[key]) == 0 && !q.busy[key]
	q.parts[key] = append(q.parts[key], task)
	q.size++
	q.mu.Unlock()

	if idle {
		q.ready <- key
	}
	return nil
}

// Dequeue blocks until a partition is ready, then hands its head task to
// the caller together with a completion callback. The caller MUST invoke
// done() after executing the task; until then no other worker sees the
// partition. ok is false when the queue shut down.
func (q *Queue) Dequeue(ctx context.Context) (task *types.ExecutionTask, done func(), ok bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil, false
		case key, open := <-q.ready:
			if !open {
				return nil, nil, false
			}

			q.mu.Lock()
			part := q.parts[key]
			if len(part) == 0 {
				q.mu.Unlock()
				continue
			}
			task = part[0]
			q.parts[key] = part[1:]
			q.busy[key] = true
			q.mu.Unlock()

			return task, func() { q.release(key) }, true
		}
	}
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	q.busy[key] = false
	q.size--
	more := len(q.parts[key]) > 0
	if !more {
		delete(q.parts, key)
	}
	if q.size == 0 {
		q.empty.Broadcast()
	}
	q.mu.Unlock()

	// Re-announce even after Close so a drain can finish the backlog.
	if more {
		q.ready <- key
	}
}

// Depth returns the number of queued or in-flight tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close rejects further enqueues. Queued tasks remain dequeueable so a
// drain can finish them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain blocks until every queued task completed or ctx expires. Call
// Close first so no new work arrives.
func (q *Queue) Drain(ctx context.Context) error {
	doneCh := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.size > 0 {
			q.empty.Wait()
		}
		q.mu.Unlock()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
		return nil
	}
}
