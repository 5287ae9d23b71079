// ABOUTME: Serial FIFO task queue with a single on-demand worker goroutine
// ABOUTME: Isolates task failures so one failing task never blocks the rest

package taskq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is one unit of queued work. The context is the queue's base context;
// it is never cancelled per-task.
type Task func(ctx context.Context) error

type queuedTask struct {
	name string
	fn   Task
}

// Queue runs tasks one at a time in strict enqueue order. The zero states
// are idle (no worker) and processing (worker draining); the worker goroutine
// is started by the first enqueue and exits once the queue is empty.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []queuedTask
	running bool
	logger  *slog.Logger
}

// New creates an empty idle queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger: logger.With("component", "taskq"),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a task and returns immediately. If the queue is idle a
// worker goroutine is started to drain it.
func (q *Queue) Enqueue(name string, fn Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, queuedTask{name: name, fn: fn})
	if !q.running {
		q.running = true
		go q.drain()
	}
}

// Len returns the number of tasks waiting to run (excluding the one
// currently running, if any).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait blocks until the queue is idle: no task running and none pending.
// Intended for tests and shutdown.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running {
		q.cond.Wait()
	}
}

// drain runs tasks until the queue is empty, then exits.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(t)
	}
}

// run executes one task, converting panics into logged failures so the
// worker keeps draining.
func (q *Queue) run(t queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()

	if err := t.fn(context.Background()); err != nil {
		q.logger.Error("task failed", "task", t.name, "error", err)
	}
}
