// Package broker coordinates asynchronous access to a SQLite database
// through a single serialized worker.
//
// A Broker owns one dedicated connection and one workqueue.Queue (both
// possibly shared with other brokers built from the same Registry and
// DSN). Every database operation is submitted to the queue and
// executed on the queue's worker goroutine, so the connection only
// ever sees calls in strict serial order. Callers never block: each
// operation returns a workqueue.Pending handle immediately.
//
// Lifecycle:
//
//	constructed -> starting -> running -> shutting down -> shut down
//
// Startup is lazy. The first Transact, Execute or Connect call
// acquires the startup gate, opens the connection, runs the optional
// startup hook (schema and table setup), runs the designated first
// transaction, and only then releases regular transactions that were
// transparently queued behind the gate. A failed startup is terminal:
// the broker never reports running and every queued or later call
// fails with a SETUP_FAILED error. A broker that has shut down cannot
// be reused.
//
// Transactions wrap a caller function in begin/commit-or-rollback on
// the worker. The context passed to that function carries the open
// transaction; calling a transactional method again with that context
// runs the inner function inline inside the outer transaction, so
// composed operations observe exactly one begin and one commit.
//
// Row-returning statements come back as a *Cursor by default: a lazy,
// finite sequence of fetch handles with a read-ahead of one row,
// iterating on a secondary connection so a half-consumed result set
// never pins the transaction connection. Push-mode delivery to a
// Consumer with Pause/Resume backpressure is available through
// WithConsumer.
package broker
