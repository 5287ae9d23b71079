// Package taskq provides an in-memory single-worker FIFO task queue.
//
// The queue serializes operations that need check-then-create semantics on
// shared keyed state, most importantly thread creation: two DMs from the
// same user arriving within the room-creation latency window both enqueue
// here and resolve to the same thread.
//
// Tasks run one at a time, in enqueue order, on a worker goroutine that is
// started on demand and exits when the queue drains. A task that returns an
// error or panics is logged and discarded; later tasks are unaffected.
//
// There is no cancellation and no per-task timeout: a stalled external call
// inside a task stalls the whole queue. This is a known limitation of the
// design, accepted in exchange for its simplicity.
package taskq
