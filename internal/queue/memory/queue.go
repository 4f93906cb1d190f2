// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations. Tasks
// with a non-empty ID are deduplicated until Complete is called for them.
type Queue struct {
	ch   chan crawler.Task
	done chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:      make(chan crawler.Task, capacity),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	if err := q.claim(task.ID); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		q.release(task.ID)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		q.release(task.ID)
		return crawler.ErrQueueClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	select {
	case <-ctx.Done():
		return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	case <-q.done:
		select {
		case task := <-q.ch:
			return task, nil
		default:
			return crawler.Task{}, crawler.ErrQueueClosed
		}
	}
}

// Complete releases the task's ID so it can be enqueued again.
func (q *Queue) Complete(_ context.Context, task crawler.Task) error {
	q.release(task.ID)
	return nil
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue; buffered tasks can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}

func (q *Queue) claim(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	if id == "" {
		return nil
	}
	if _, ok := q.pending[id]; ok {
		return fmt.Errorf("task %s: %w", id, crawler.ErrDuplicateTask)
	}
	q.pending[id] = struct{}{}
	return nil
}

func (q *Queue) release(id string) {
	if id == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
