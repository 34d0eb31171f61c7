package broker

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/roach88/sabro/workqueue"
)

// Fetch is one step of pull-mode iteration: either a row or the
// explicit end-of-rows marker. End is a value, not an error, so callers
// distinguish "no more rows" from a real failure without sentinel
// errors.
type Fetch struct {
	Row Row
	End bool
}

// Cursor iterates a row-returning statement's result set one row at a
// time without materializing it.
//
// The result set lives on its own side connection so that long
// iterations never hold up the broker's dedicated transaction
// connection. The fetches themselves still run as tasks on the shared
// worker, which keeps every touch of database state single-threaded.
//
// A cursor keeps exactly one fetch in flight ahead of the consumer.
// When the final row has been delivered the underlying resources are
// released automatically; Close is only needed for early abandonment
// and is safe to call at any time, any number of times.
type Cursor struct {
	queue *workqueue.Queue
	rows  *sql.Rows
	conn  *sql.Conn
	cols  []string

	mu      sync.Mutex
	ahead   *workqueue.Pending
	closed  bool
	closedP *workqueue.Pending

	// worker-only iteration state.
	done    bool
	cleanup sync.Once
}

// openCursor queues the statement for execution and resolves to a
// *Cursor (or *RawRows when requested). The query itself runs on the
// worker like everything else; only the handed-back iteration handle
// escapes it.
func (b *Broker) openCursor(statement string, args []any, o callOptions) *workqueue.Pending {
	task := func() (any, error) {
		ctx := context.Background()
		conn, err := b.sideConn(ctx)
		if err != nil {
			return nil, newError(ErrCodeCursorFailed, "acquire side connection", err)
		}
		rows, err := conn.QueryContext(ctx, statement, args...)
		if err != nil {
			conn.Close()
			return nil, newError(ErrCodeCursorFailed, "execute query", err)
		}
		if o.raw {
			return &RawRows{Rows: rows, conn: conn}, nil
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			conn.Close()
			return nil, newError(ErrCodeCursorFailed, "read columns", err)
		}

		b.mu.Lock()
		queue := b.entry.queue
		b.mu.Unlock()

		c := &Cursor{queue: queue, rows: rows, conn: conn, cols: cols}
		// Prime the read-ahead. Submitting from inside a task is fine;
		// the queue only appends.
		c.ahead = queue.Submit(c.fetchOne)
		return c, nil
	}
	return b.dispatch(task, o)
}

// sideConn checks out an extra connection from the shared pool for row
// iteration, leaving the dedicated transaction connection free.
func (b *Broker) sideConn(ctx context.Context) (*sql.Conn, error) {
	b.mu.Lock()
	entry := b.entry
	b.mu.Unlock()
	if entry == nil {
		return nil, newError(ErrCodeBrokerClosed, "broker is shut down", nil)
	}
	return entry.db.Conn(ctx)
}

// Columns returns the result set's column names in order.
func (c *Cursor) Columns() []string { return c.cols }

// Next returns the handle for the next iteration step. The handle
// resolves to a Fetch: a row, or End once the result set is exhausted.
// Every call past the end keeps resolving to End.
//
// Next never blocks; the actual fetch happens on the worker. Calls may
// be issued concurrently, but the rows are handed out in request
// order.
func (c *Cursor) Next() *workqueue.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return workqueue.Resolved(Fetch{End: true}, nil)
	}
	p := c.ahead
	c.ahead = c.queue.Submit(c.fetchOne)
	return p
}

// fetchOne advances the result set by one row. Worker-only.
func (c *Cursor) fetchOne() (any, error) {
	if c.done {
		return Fetch{End: true}, nil
	}
	if c.rows.Next() {
		row, err := scanRow(c.rows, len(c.cols))
		if err != nil {
			c.done = true
			c.release()
			return nil, newError(ErrCodeCursorFailed, "scan row", err)
		}
		return Fetch{Row: row}, nil
	}
	c.done = true
	err := c.rows.Err()
	c.release()
	if err != nil {
		return nil, newError(ErrCodeCursorFailed, "fetch row", err)
	}
	return Fetch{End: true}, nil
}

// All drains the remaining rows into memory, in order, then releases
// the cursor.
func (c *Cursor) All(ctx context.Context) ([]Row, error) {
	out := []Row{}
	for {
		v, err := c.Next().Wait(ctx)
		if err != nil {
			c.Close()
			return nil, err
		}
		f := v.(Fetch)
		if f.End {
			return out, nil
		}
		out = append(out, f.Row)
	}
}

// Close abandons the cursor. The underlying rows and side connection
// are released on the worker, behind any fetch already in flight. The
// returned handle resolves once the release is done. Idempotent: later
// calls return the same handle, and a cursor that already reached End
// has nothing left to release.
func (c *Cursor) Close() *workqueue.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedP
	}
	c.closed = true
	c.closedP = c.queue.Submit(func() (any, error) {
		c.done = true
		c.release()
		return nil, nil
	})
	return c.closedP
}

// release frees the rows and side connection exactly once. Worker-only.
func (c *Cursor) release() {
	c.cleanup.Do(func() {
		if err := c.rows.Close(); err != nil {
			slog.Debug("broker: close rows", "error", err)
		}
		if err := c.conn.Close(); err != nil {
			slog.Debug("broker: release side connection", "error", err)
		}
	})
}

// RawRows is the escape hatch for callers that want database/sql's own
// iteration API. It pins a side connection until closed; the caller
// owns Close and must not leak it.
type RawRows struct {
	Rows *sql.Rows
	conn *sql.Conn
	once sync.Once
}

// Close releases the rows and the pinned side connection. Idempotent.
func (r *RawRows) Close() error {
	var err error
	r.once.Do(func() {
		err = r.Rows.Close()
		if cerr := r.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
