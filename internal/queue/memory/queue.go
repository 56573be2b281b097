// Package memory provides a task queue implementation for local development
// and testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ragline/ragline/internal/ingest"
)

// Queue is a bounded in-memory task queue with context-aware operations and
// delayed delivery.
type Queue struct {
	ch      chan ingest.Task
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan ingest.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
// Tasks with a Delay are delivered after the delay elapses.
func (q *Queue) Enqueue(ctx context.Context, task ingest.Task) error {
	task.Submitted = time.Now().UnixMilli()
	if task.Delay <= 0 {
		return q.push(ctx, task)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(task.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			_ = q.push(ctx, task)
		}
	}()
	return nil
}

func (q *Queue) push(ctx context.Context, task ingest.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (ingest.Task, error) {
	select {
	case <-ctx.Done():
		return ingest.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return ingest.Task{}, errors.New("queue closed")
		}
		return task, nil
	}
}

// Len reports the number of tasks ready for delivery (test helper).
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close waits for delayed deliveries and closes the underlying channel.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.wg.Wait()
	close(q.ch)
	q.closed = true
}
