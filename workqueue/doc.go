// Package workqueue provides a priority task queue with exactly one
// worker goroutine.
//
// The queue exists to bridge two incompatible execution models: callers
// that must never block (they receive a Pending handle immediately and
// resolve it at their leisure), and a resource that is only safe to
// touch from a single goroutine in strict serial order (a SQLite
// connection, in practice).
//
// Ordering model:
//
//  1. Tasks execute strictly one at a time on the worker goroutine.
//  2. Lower priority values run sooner ("niceness", as in UNIX nice).
//  3. Ties are broken by submission order (FIFO within a priority).
//  4. DoNext runs ahead of all pending work; DoLast runs behind it.
//
// A task's failure (returned error or panic) is captured and delivered
// through its Pending handle. It never crashes the worker and never
// affects unrelated queued tasks.
//
// Shutdown drains the remaining tasks by default, or fails them when
// the queue was built with FailPendingOnShutdown. Submitting after
// Shutdown fails fast with ErrQueueShutdown rather than queuing
// forever.
package workqueue
