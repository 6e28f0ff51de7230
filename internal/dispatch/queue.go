// Package dispatch runs callbacks on a single goroutine in submission order.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/TheMichaelB/syncsession/internal/events"
)

// Queue is an unbounded FIFO of tasks drained by one goroutine. Push never
// blocks. A panicking task is logged and does not stop the queue.
type Queue struct {
	logger *events.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a queue.
func New(logger *events.Logger) *Queue {
	q := &Queue{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues task. It reports false once the queue is closed.
func (q *Queue) Push(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	q.signal()
	return true
}

// Len returns the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Flush waits until every task pushed before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !q.Push(func() { close(marker) }) {
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run. Close does
// not wait, so it is safe to call from inside a task.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed after the last task has run following Close.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		batch := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		for _, task := range batch {
			q.invoke(task)
		}
	}
}

func (q *Queue) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", fmt.Sprint(r)).Error("Callback panicked")
		}
	}()
	task()
}
