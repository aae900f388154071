package engine

import (
	"sync"

	"github.com/roach88/reactor/internal/rule"
)

// trigger is one stimulus awaiting (or undergoing) rule matching.
// Exactly one payload field is set, per kind. correlationID and
// causationID carry chain provenance onto whatever the matched rules
// produce.
type trigger struct {
	kind  rule.TriggerKind
	fact  *rule.Fact
	prev  *rule.Fact
	event *rule.Event
	timer *rule.Timer

	correlationID string
	causationID   string
}

// task is one unit of work for the run loop: a trigger to process, or a
// barrier to acknowledge. Barriers let callers wait until everything
// enqueued before them has fully finished, including chained triggers.
type task struct {
	trig    *trigger
	barrier chan struct{}
}

// taskQueue is an unbounded FIFO with a level-triggered wakeup channel.
// Enqueue never blocks; the run loop drains with TryDequeue and parks
// on Wait when empty.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a task and nudges the run loop. Returns false once
// the queue is closed.
func (q *taskQueue) Enqueue(t task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the head task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return task{}, false
	}
	head := q.tasks[0]
	q.tasks[0] = task{} // release for GC
	q.tasks = q.tasks[1:]
	return head, true
}

// Len reports the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait returns the wakeup channel. The channel carries at most one
// pending signal; after waking, drain with TryDequeue until empty.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close rejects further enqueues and wakes the run loop so it can
// observe the closure. Queued tasks remain drainable.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
