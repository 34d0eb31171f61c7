package broker

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/roach88/sabro/workqueue"
)

// txContextKey carries the open envelope through the call chain of a
// transaction function. Explicit context propagation is what makes
// nested-transaction detection work without inspecting call stacks.
type txContextKey struct{}

// txContext pairs the open transaction with the broker that owns it,
// so crossing brokers mid-envelope never shares a transaction.
type txContext struct {
	b  *Broker
	tx *sql.Tx
}

func withTx(ctx context.Context, b *Broker, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, txContext{b: b, tx: tx})
}

// txFromContext returns the transaction the context is executing
// inside, but only when this broker owns it; a context carrying
// another broker's envelope gets a fresh transaction of its own.
func (b *Broker) txFromContext(ctx context.Context) *sql.Tx {
	tc, _ := ctx.Value(txContextKey{}).(txContext)
	if tc.b != b {
		return nil
	}
	return tc.tx
}

// CallOption adjusts a single Transact or Execute call.
type CallOption func(*callOptions)

type callOptions struct {
	queueOpts []workqueue.SubmitOption
	ignore    bool
	asList    bool
	raw       bool
	consumer  Consumer
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Niceness sets the call's scheduling priority, as in UNIX nice:
// lower values (negative) run sooner, default 0.
func Niceness(n int) CallOption {
	return func(o *callOptions) {
		o.queueOpts = append(o.queueOpts, workqueue.WithNiceness(n))
	}
}

// DoNext schedules the call ahead of all pending work, even work
// submitted at the highest niceness priority.
func DoNext() CallOption {
	return func(o *callOptions) {
		o.queueOpts = append(o.queueOpts, workqueue.DoNext())
	}
}

// DoLast schedules the call behind all pending work.
func DoLast() CallOption {
	return func(o *callOptions) {
		o.queueOpts = append(o.queueOpts, workqueue.DoLast())
	}
}

// IgnoreErrors swallows a transaction failure: the rollback still
// happens, but the handle resolves with a nil result instead of the
// error.
func IgnoreErrors() CallOption {
	return func(o *callOptions) { o.ignore = true }
}

// AsList forces full materialization of a row-returning result into
// an ordered []Row instead of a lazy cursor.
func AsList() CallOption {
	return func(o *callOptions) { o.asList = true }
}

// Raw returns the row-returning result as *RawRows (an *sql.Rows on a
// dedicated side connection) instead of wrapping it in a Cursor. The
// caller owns Close.
func Raw() CallOption {
	return func(o *callOptions) { o.raw = true }
}

// WithConsumer routes a row-returning result into push-mode delivery:
// rows are fed to c with Pause/Resume backpressure, and the call's
// handle resolves once all rows have been produced.
func WithConsumer(c Consumer) CallOption {
	return func(o *callOptions) { o.consumer = c }
}

// Row is one scanned result row, in column order.
type Row []any

// ExecResult reports the outcome of a non-row-returning statement.
type ExecResult struct {
	LastInsertID int64
	RowsAffected int64
}

// Transact runs fn inside a begin/commit-or-rollback envelope on the
// broker's worker and immediately returns its completion handle.
//
// If ctx already carries this broker's open transaction (fn was called
// from inside another Transact invocation), fn runs inline in that
// outer transaction with no new begin/commit, and the returned handle
// is already resolved. Relational transactions are not re-entrant;
// sharing the outer envelope is what lets public transactional methods
// compose.
//
// Before the broker is running, calls are transparently queued behind
// the startup gate in submission order. After shutdown begins they
// fail fast.
func (b *Broker) Transact(ctx context.Context, fn TxFn, opts ...CallOption) *workqueue.Pending {
	if tx := b.txFromContext(ctx); tx != nil {
		result, err := fn(ctx, tx)
		return workqueue.Resolved(result, err)
	}

	o := applyCallOptions(opts)
	return b.dispatch(b.envelope(fn, o.ignore), o)
}

// dispatch routes an envelope to the queue, the pre-start waiter list,
// or a fast failure, depending on lifecycle state.
func (b *Broker) dispatch(task workqueue.Fn, o callOptions) *workqueue.Pending {
	b.mu.Lock()
	switch b.state {
	case stateRunning:
		p := b.entry.queue.Submit(task, o.queueOpts...)
		b.mu.Unlock()
		return p
	case stateShuttingDown, stateShutDown:
		b.mu.Unlock()
		return workqueue.Resolved(nil, newError(ErrCodeBrokerClosed, "broker is shut down", nil))
	case stateFailed:
		err := b.startErr
		b.mu.Unlock()
		return workqueue.Resolved(nil, err)
	}

	// Constructed or starting: queue behind the gate, preserving
	// acceptance order.
	out := workqueue.NewPending()
	b.txWaiters = append(b.txWaiters, &waiter{
		submit: func() *workqueue.Pending { return b.entry.queue.Submit(task, o.queueOpts...) },
		out:    out,
	})
	needStart := b.state == stateConstructed
	b.mu.Unlock()
	if needStart {
		b.ensureStarted()
	}
	return out
}

// envelope wraps fn in the transaction protocol. The returned task
// runs on the worker and guarantees exactly one of commit or rollback
// before the handle resolves; on any error from fn the rollback is
// unconditional.
func (b *Broker) envelope(fn TxFn, ignore bool) workqueue.Fn {
	return func() (any, error) {
		ctx := context.Background()
		tx, err := b.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, newError(ErrCodeTransactionFailed, "begin transaction", err)
		}

		result, err := runTxFn(fn, withTx(ctx, b, tx), tx)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("broker: rollback failed", "error", rbErr)
			}
			if ignore {
				return nil, nil
			}
			return nil, newError(ErrCodeTransactionFailed, "transaction rolled back", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, newError(ErrCodeTransactionFailed, "commit transaction", err)
		}
		return result, nil
	}
}

// runTxFn isolates fn's panics so the envelope can still roll back.
func runTxFn(fn TxFn, ctx context.Context, tx *sql.Tx) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrCodeTransactionFailed, "panic in transaction function", nil)
			slog.Error("broker: transaction function panicked", "panic", r)
		}
	}()
	return fn(ctx, tx)
}

// Execute runs a single statement as a one-off transaction through the
// same machinery as Transact.
//
// For statements that do not return rows, the handle resolves to an
// ExecResult. For row-returning statements the result is, by default,
// a *Cursor for pull-mode iteration; AsList materializes the rows
// instead, Raw hands back the underlying rows object, and WithConsumer
// switches to push-mode delivery (the handle then resolves once all
// rows are produced).
func (b *Broker) Execute(ctx context.Context, statement string, args []any, opts ...CallOption) *workqueue.Pending {
	o := applyCallOptions(opts)

	if !returnsRows(statement) {
		return b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
			res, err := tx.ExecContext(ctx, statement, args...)
			if err != nil {
				return nil, err
			}
			// SQLite supports both; errors here just zero the counters.
			id, _ := res.LastInsertId()
			n, _ := res.RowsAffected()
			return ExecResult{LastInsertID: id, RowsAffected: n}, nil
		}, opts...)
	}

	if o.asList {
		return b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
			rows, err := tx.QueryContext(ctx, statement, args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			return scanAll(rows)
		}, opts...)
	}

	cursorP := b.openCursor(statement, args, o)
	if o.consumer == nil || o.raw {
		return cursorP
	}

	// Push mode: couple the cursor to the consumer and resolve once
	// every row has been produced.
	out := workqueue.NewPending()
	go func() {
		result, err := cursorP.Wait(ctx)
		if err != nil {
			o.consumer.Done(err)
			out.Resolve(nil, err)
			return
		}
		producer := newProducer(result.(*Cursor), o.consumer)
		v, err := producer.Done().Wait(context.Background())
		out.Resolve(v, err)
	}()
	return out
}

// returnsRows reports whether the statement produces a result set,
// judged by its leading keyword. Good enough for SQLite's grammar;
// callers with exotic statements can force the exec path by using
// Transact directly.
func returnsRows(statement string) bool {
	s := strings.TrimSpace(statement)
	for strings.HasPrefix(s, "--") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = strings.TrimSpace(s[i+1:])
		} else {
			return false
		}
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '(' })
	word := s
	if i >= 0 {
		word = s[:i]
	}
	switch strings.ToUpper(word) {
	case "SELECT", "VALUES", "WITH", "PRAGMA", "EXPLAIN":
		return true
	}
	return false
}

// scanAll reads every remaining row into memory.
func scanAll(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []Row{}
	for rows.Next() {
		row, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// scanRow scans the current row into a Row, copying driver-owned byte
// slices so the values stay valid after the next fetch.
func scanRow(rows *sql.Rows, n int) (Row, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if bs, ok := v.([]byte); ok {
			values[i] = append([]byte(nil), bs...)
		}
	}
	return Row(values), nil
}
