package workqueue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
)

// ErrQueueShutdown is delivered to tasks submitted after Shutdown has
// been called, and to already-queued tasks when the queue was built
// with FailPendingOnShutdown.
var ErrQueueShutdown = errors.New("workqueue: queue is shut down")

// Niceness bounds, as in UNIX nice/renice. Values outside the range
// are clamped at submission.
const (
	NicenessMin = -20
	NicenessMax = 20
)

// Reserved priorities for DoNext and DoLast. They sit outside the
// niceness range so that DoNext precedes even niceness -20 and DoLast
// follows even niceness 20.
const (
	priorityNext = math.MinInt32
	priorityLast = math.MaxInt32
)

// Fn is a synchronous unit of work. It runs on the worker goroutine.
// A returned error (or a panic, which is recovered) resolves the
// task's Pending as a failure.
type Fn func() (any, error)

type task struct {
	fn       Fn
	priority int
	seq      uint64 // submission order, breaks priority ties
	token    string // correlation token for logs
	pending  *Pending
}

// taskHeap orders by (priority, seq): lower priority value first,
// earlier submission first within a priority.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // allow GC of the task's closures
	*h = old[:n-1]
	return t
}

// SubmitOption adjusts the scheduling of a single task.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	priority int
}

// WithNiceness sets the task's scheduling priority. Lower values run
// sooner; the value is clamped to [NicenessMin, NicenessMax].
func WithNiceness(n int) SubmitOption {
	return func(o *submitOptions) {
		if n < NicenessMin {
			n = NicenessMin
		}
		if n > NicenessMax {
			n = NicenessMax
		}
		o.priority = n
	}
}

// DoNext schedules the task ahead of all currently pending work, even
// work submitted with niceness NicenessMin.
func DoNext() SubmitOption {
	return func(o *submitOptions) { o.priority = priorityNext }
}

// DoLast schedules the task behind all currently pending work, even
// work submitted with niceness NicenessMax.
func DoLast() SubmitOption {
	return func(o *submitOptions) { o.priority = priorityLast }
}

// Option configures a Queue at construction.
type Option func(*Queue)

// FailPendingOnShutdown makes Shutdown fail still-queued tasks with
// ErrQueueShutdown instead of draining them. The task executing at
// shutdown time always runs to completion either way.
func FailPendingOnShutdown() Option {
	return func(q *Queue) { q.failOnShutdown = true }
}

// Queue is a FIFO/priority task queue with exactly one worker
// goroutine.
//
// All mutations of the resource the tasks touch happen on that single
// worker, so "safe serialization" reduces to "heap pop order", which
// is easy to reason about and test.
//
// Thread-safety model:
//   - Submit, Len, Shutdown: safe from any goroutine
//   - task fns: run only on the worker goroutine, one at a time
type Queue struct {
	mu             sync.Mutex
	tasks          taskHeap
	seq            uint64
	shutdown       bool
	failOnShutdown bool
	signal         chan struct{} // coalesced availability signal, closed on shutdown
	stopped        *Pending      // resolves once the worker has exited
}

// New creates a queue and starts its worker goroutine.
func New(opts ...Option) *Queue {
	q := &Queue{
		signal:  make(chan struct{}, 1),
		stopped: NewPending(),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Submit schedules fn for execution on the worker and immediately
// returns its completion handle. The handle resolves with fn's result
// or failure once all higher-or-equal priority tasks submitted before
// it have completed.
//
// After Shutdown, the returned handle is already failed with
// ErrQueueShutdown. It never queues forever.
func (q *Queue) Submit(fn Fn, opts ...SubmitOption) *Pending {
	o := submitOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return Resolved(nil, ErrQueueShutdown)
	}
	q.seq++
	t := &task{
		fn:       fn,
		priority: o.priority,
		seq:      q.seq,
		token:    uuid.Must(uuid.NewV7()).String(),
		pending:  NewPending(),
	}
	heap.Push(&q.tasks, t)
	q.mu.Unlock()

	// Coalesced wake-up: a full buffer already means "work available".
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return t.pending
}

// Len returns the number of tasks waiting to execute. The task
// currently executing, if any, is not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Shutdown stops the queue. By default remaining tasks drain before
// the worker exits; with FailPendingOnShutdown they are failed
// immediately instead. Either way the currently executing task runs to
// completion.
//
// The returned handle resolves (with a nil result) once the worker
// goroutine has stopped. Shutdown is idempotent: every call returns a
// handle for the same stop event.
func (q *Queue) Shutdown() *Pending {
	q.mu.Lock()
	if !q.shutdown {
		q.shutdown = true
		if q.failOnShutdown {
			for _, t := range q.tasks {
				t.pending.Resolve(nil, ErrQueueShutdown)
			}
			q.tasks = nil
		}
		// A closed channel is always ready, so the worker wakes no
		// matter where it is in its loop.
		close(q.signal)
	}
	q.mu.Unlock()
	return q.stopped
}

// run is the worker loop. It executes tasks in heap order until the
// queue is shut down and (in drain mode) emptied.
func (q *Queue) run() {
	slog.Debug("workqueue: worker starting")
	for {
		t, ok := q.tryDequeue()
		if ok {
			q.execute(t)
			continue
		}

		q.mu.Lock()
		done := q.shutdown && len(q.tasks) == 0
		q.mu.Unlock()
		if done {
			slog.Debug("workqueue: worker stopping")
			q.stopped.Resolve(nil, nil)
			return
		}

		<-q.signal
	}
}

func (q *Queue) tryDequeue() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	return heap.Pop(&q.tasks).(*task), true
}

// execute runs one task, converting panics into ordinary failures so
// a bad task cannot take the worker down with it.
func (q *Queue) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("workqueue: task panicked",
				"task", t.token,
				"panic", r,
			)
			t.pending.Resolve(nil, fmt.Errorf("workqueue: task panic: %v", r))
		}
	}()
	result, err := t.fn()
	if err != nil {
		slog.Debug("workqueue: task failed", "task", t.token, "error", err)
	}
	t.pending.Resolve(result, err)
}
