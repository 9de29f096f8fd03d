package session

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("task queue closed")

// taskQueue runs functions one at a time, in push order, on its own
// goroutine. Push never blocks, so it is safe to call from a task or from a
// change listener fired by a task.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push schedules fn. It reports false if the queue is closed.
func (q *taskQueue) Push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the queue and waits for its result. If ctx ends first, Do
// returns ctx.Err() and fn may still run.
func (q *taskQueue) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !q.Push(func() { result <- fn() }) {
		return errQueueClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		// The task may have run just before the worker exited.
		select {
		case err := <-result:
			return err
		default:
			return errQueueClosed
		}
	}
}

// Close drops pending tasks and stops the worker after the running task.
// It does not wait, so a task may close its own queue.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tasks = nil
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the worker has exited.
func (q *taskQueue) Done() <-chan struct{} {
	return q.done
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
