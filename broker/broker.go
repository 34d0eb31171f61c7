package broker

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/roach88/sabro/workqueue"
)

// TxFn is a unit of transactional work. It runs on the broker's worker
// goroutine with an open transaction. The supplied context carries the
// transaction, so calling Transact again with it composes into the
// same transaction instead of opening a nested one.
type TxFn func(ctx context.Context, tx *sql.Tx) (any, error)

// lifecycle states. A broker never re-enters running once it has left.
type state int

const (
	stateConstructed state = iota
	stateStarting
	stateRunning
	stateShuttingDown
	stateShutDown
	stateFailed
)

// waiter is an operation accepted before the broker finished starting.
// It holds the handle already returned to the caller and a closure
// that performs the real queue submission once the broker is ready.
// Waiters flush in acceptance order, so submission order is preserved
// across the startup boundary.
type waiter struct {
	submit func() *workqueue.Pending
	out    *workqueue.Pending
}

// Broker manages asynchronous access to one logical database
// connection.
//
// All database work is executed on the work queue's single worker;
// the dedicated connection and the prepared-statement cache are only
// ever touched from that goroutine, so neither needs a lock. The
// broker's own mutex protects lifecycle state and the pre-start
// waiter lists.
type Broker struct {
	registry    *Registry
	dsn         string
	startupHook func(ctx context.Context, b *Broker) error
	firstFn     TxFn

	gate *gate

	mu           sync.Mutex
	state        state
	startErr     error
	entry        *registryEntry
	conn         *sql.Conn
	txWaiters    []*waiter
	queueWaiters []*waiter
	runningCh    chan struct{} // closed once startup settles (running, failed, or shut down)
	runningOnce  sync.Once
	shutdownP    *workqueue.Pending

	// prepared-statement cache, keyed by caller-supplied identifier.
	// Worker-only; see StmtOnce.
	stmts map[string]*sql.Stmt
}

// BrokerOption configures a Broker at construction.
type BrokerOption func(*Broker)

// WithStartupHook installs the pre-transaction startup hook. It runs
// exactly once, after the connection is live and before the first
// transaction. Schema and table setup belongs here; the hook may use
// DeferToQueue (the gate does not apply to it).
func WithStartupHook(hook func(ctx context.Context, b *Broker) error) BrokerOption {
	return func(b *Broker) { b.startupHook = hook }
}

// WithFirst installs the designated first transaction. It runs exactly
// once, ahead of every regular transaction, as the final step of
// startup.
func WithFirst(fn TxFn) BrokerOption {
	return func(b *Broker) { b.firstFn = fn }
}

// New constructs a broker for the given DSN. No connection is made
// yet: startup is lazy and begins on the first Transact, Execute,
// Connect, or DeferToQueue call (or an explicit AwaitRunning).
//
// Brokers built from the same registry with the same DSN share one
// work queue and database handle.
func New(registry *Registry, dsn string, opts ...BrokerOption) *Broker {
	b := &Broker{
		registry:  registry,
		dsn:       dsn,
		gate:      newGate(),
		runningCh: make(chan struct{}),
		stmts:     make(map[string]*sql.Stmt),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ensureStarted kicks off the startup sequence if it has not begun.
// Callers must not hold b.mu.
func (b *Broker) ensureStarted() {
	b.mu.Lock()
	if b.state != stateConstructed {
		b.mu.Unlock()
		return
	}
	b.state = stateStarting
	b.mu.Unlock()
	go b.start()
}

// start runs the startup sequence under the gate:
// acquire shared pair -> dedicated connection -> startup hook ->
// first transaction -> mark running and flush queued transactions.
//
// Startup is not bound to any caller's deadline; it uses a background
// context throughout.
func (b *Broker) start() {
	ctx := context.Background()
	if err := b.gate.Acquire(ctx); err != nil {
		b.failStartup(err)
		return
	}
	defer b.gate.Release()

	entry, err := b.registry.acquire(ctx, b.dsn)
	if err != nil {
		b.failStartup(err)
		return
	}

	// The queue exists now: release queue-level work (table setup and
	// other DeferToQueue calls) while transactions stay gated.
	b.mu.Lock()
	if b.state != stateStarting {
		// Shutdown won the race; give the reference back.
		b.mu.Unlock()
		b.registry.release(entry)
		return
	}
	b.entry = entry

	// A connection of the broker's very own, acquired and published by
	// the worker ahead of any queued task, so even the earliest
	// DeferToQueue work finds it live.
	p := entry.queue.Submit(func() (any, error) {
		conn, err := entry.db.Conn(context.Background())
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		return nil, nil
	}, workqueue.DoNext())

	for _, w := range b.queueWaiters {
		pipe(w.submit(), w.out)
	}
	b.queueWaiters = nil
	b.mu.Unlock()

	if _, err := p.Wait(ctx); err != nil {
		b.failStartup(err)
		return
	}

	if b.startupHook != nil {
		if err := b.startupHook(ctx, b); err != nil {
			b.failStartup(err)
			return
		}
	}

	if b.firstFn != nil {
		p := entry.queue.Submit(b.envelope(b.firstFn, false), workqueue.DoNext())
		if _, err := p.Wait(ctx); err != nil {
			b.failStartup(err)
			return
		}
	}

	// Ready for regular transactions. Flush the gated waiters in
	// acceptance order before the state change becomes visible, so no
	// late caller can jump ahead of them.
	b.mu.Lock()
	if b.state != stateStarting {
		b.mu.Unlock()
		return
	}
	for _, w := range b.txWaiters {
		pipe(w.submit(), w.out)
	}
	b.txWaiters = nil
	b.state = stateRunning
	b.settle()
	b.mu.Unlock()
	slog.Debug("broker: running", "dsn", b.dsn)
}

// settle marks the startup sequence as decided, whichever way it went.
// Safe to call from any path; only the first call closes the channel.
func (b *Broker) settle() {
	b.runningOnce.Do(func() { close(b.runningCh) })
}

// failStartup marks the broker terminally failed. The gate never
// releases as "running": every gated waiter and every later call
// observes the setup failure.
func (b *Broker) failStartup(cause error) {
	err := newError(ErrCodeSetupFailed, "broker startup failed", cause)
	slog.Error("broker: startup failed", "dsn", b.dsn, "error", cause)

	b.mu.Lock()
	if b.state == stateStarting {
		b.state = stateFailed
		b.startErr = err
	}
	b.settle()
	waiters := append(b.txWaiters, b.queueWaiters...)
	b.txWaiters, b.queueWaiters = nil, nil
	entry := b.entry
	conn := b.conn
	b.entry = nil
	b.conn = nil
	b.mu.Unlock()

	for _, w := range waiters {
		w.out.Resolve(nil, err)
	}
	if conn != nil {
		// Half-built broker still closes its connection on the worker.
		entry.queue.Submit(func() (any, error) {
			return nil, conn.Close()
		}, workqueue.DoLast()).Wait(context.Background())
	}
	if entry != nil {
		b.registry.release(entry)
	}
}

// AwaitRunning starts the broker if necessary and blocks until the
// startup sequence has settled or ctx is done. Returns nil once the
// broker is running, the setup failure if startup failed, or a
// BROKER_CLOSED error if the broker shut down first.
func (b *Broker) AwaitRunning(ctx context.Context) error {
	b.ensureStarted()
	select {
	case <-b.runningCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateFailed:
		return b.startErr
	case stateShuttingDown, stateShutDown:
		// Running once is enough for callers that only need startup
		// ordering; report closed only if we never got there.
		if b.startErr != nil {
			return b.startErr
		}
		return newError(ErrCodeBrokerClosed, "broker is shut down", nil)
	default:
		return nil
	}
}

// Connect idempotently resolves to the broker's dedicated connection,
// waiting on the startup gate if the broker has not finished starting.
// The connection is exclusively owned by the worker; callers should
// treat it as an opaque liveness token rather than issue statements on
// it directly.
func (b *Broker) Connect(ctx context.Context) *workqueue.Pending {
	out := workqueue.NewPending()
	go func() {
		if err := b.AwaitRunning(ctx); err != nil {
			out.Resolve(nil, err)
			return
		}
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		out.Resolve(conn, nil)
	}()
	return out
}

// DeferToQueue dispatches fn as a plain task on the broker's work
// queue, returning its completion handle. No transaction is opened and
// the startup gate does not apply, which is what makes it usable from
// inside the startup hook for table setup.
func (b *Broker) DeferToQueue(fn workqueue.Fn, opts ...CallOption) *workqueue.Pending {
	o := applyCallOptions(opts)

	b.mu.Lock()
	switch b.state {
	case stateShuttingDown, stateShutDown:
		b.mu.Unlock()
		return workqueue.Resolved(nil, newError(ErrCodeBrokerClosed, "broker is shut down", nil))
	case stateFailed:
		err := b.startErr
		b.mu.Unlock()
		return workqueue.Resolved(nil, err)
	}
	if b.entry != nil {
		p := b.entry.queue.Submit(fn, o.queueOpts...)
		b.mu.Unlock()
		return p
	}
	out := workqueue.NewPending()
	b.queueWaiters = append(b.queueWaiters, &waiter{
		submit: func() *workqueue.Pending { return b.entry.queue.Submit(fn, o.queueOpts...) },
		out:    out,
	})
	started := b.state != stateConstructed
	b.mu.Unlock()
	if !started {
		b.ensureStarted()
	}
	return out
}

// ExecDirect runs a statement on the dedicated connection as a plain
// worker task, outside any transaction envelope. Like DeferToQueue it
// bypasses the startup gate, which makes it the right tool for schema
// setup inside a startup hook. The handle resolves to an ExecResult.
func (b *Broker) ExecDirect(statement string, args ...any) *workqueue.Pending {
	return b.DeferToQueue(func() (any, error) {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return nil, newError(ErrCodeBrokerClosed, "no live connection", nil)
		}
		res, err := conn.ExecContext(context.Background(), statement, args...)
		if err != nil {
			return nil, err
		}
		id, _ := res.LastInsertId()
		n, _ := res.RowsAffected()
		return ExecResult{LastInsertID: id, RowsAffected: n}, nil
	})
}

// StmtOnce compiles query at most once per broker under the supplied
// identifier and returns the cached statement. Call it from inside a
// transaction function and bind the result with tx.StmtContext.
//
// Worker-only: the cache is keyed by explicit caller-chosen ids and is
// mutated exclusively on the worker goroutine, so it needs no lock.
func (b *Broker) StmtOnce(ctx context.Context, id, query string) (*sql.Stmt, error) {
	if stmt, ok := b.stmts[id]; ok {
		return stmt, nil
	}
	stmt, err := b.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	b.stmts[id] = stmt
	return stmt, nil
}

// Shutdown stops the broker: it waits for startup (if mid-flight),
// closes the dedicated connection on the worker after every already
// queued transaction, releases the shared queue/database pair, and
// marks the broker shut down. The returned handle resolves when all
// of that is done.
//
// Shutdown is idempotent and safe to call concurrently; every call
// returns a handle for the same shutdown, and the connection is never
// closed twice. Operations submitted after shutdown begins fail fast
// with a BROKER_CLOSED error.
func (b *Broker) Shutdown() *workqueue.Pending {
	b.mu.Lock()
	if b.shutdownP != nil {
		p := b.shutdownP
		b.mu.Unlock()
		return p
	}
	p := workqueue.NewPending()
	b.shutdownP = p
	prev := b.state
	if prev != stateFailed {
		b.state = stateShuttingDown
	}
	waiters := append(b.txWaiters, b.queueWaiters...)
	b.txWaiters, b.queueWaiters = nil, nil
	b.settle()
	b.mu.Unlock()

	closedErr := newError(ErrCodeBrokerClosed, "broker is shut down", nil)
	for _, w := range waiters {
		w.out.Resolve(nil, closedErr)
	}

	go b.finishShutdown(p, prev)
	return p
}

func (b *Broker) finishShutdown(p *workqueue.Pending, prev state) {
	ctx := context.Background()

	// Wait out any in-flight startup; afterwards entry/conn are final.
	if prev == stateStarting || prev == stateRunning {
		if err := b.gate.Acquire(ctx); err == nil {
			defer b.gate.Release()
		}
	}

	b.mu.Lock()
	entry := b.entry
	conn := b.conn
	stmts := b.stmts
	b.stmts = nil
	b.mu.Unlock()

	var err error
	if conn != nil {
		// Close inside the worker, behind all previously queued work,
		// never from the caller's goroutine.
		closeP := entry.queue.Submit(func() (any, error) {
			for _, stmt := range stmts {
				stmt.Close()
			}
			return nil, conn.Close()
		}, workqueue.DoLast())
		_, err = closeP.Wait(ctx)
	}

	if entry != nil {
		if _, rerr := b.registry.release(entry).Wait(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}

	b.mu.Lock()
	if b.state != stateFailed {
		b.state = stateShutDown
	}
	b.entry = nil
	b.conn = nil
	b.mu.Unlock()

	slog.Debug("broker: shut down", "dsn", b.dsn)
	p.Resolve(nil, err)
}

// pipe forwards the eventual outcome of inner into out.
func pipe(inner, out *workqueue.Pending) {
	go func() {
		v, err := inner.Wait(context.Background())
		out.Resolve(v, err)
	}()
}
