package broker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/sabro/workqueue"
)

// Registry hands out one (work queue, database handle) pair per DSN.
// Brokers constructed through the same Registry with identical
// connection parameters share the pair, so their transactions
// interleave safely on a single worker.
//
// A Registry is owned by the process's composition root and passed to
// broker.New explicitly; there is no package-level default. Pairs are
// reference-counted: the last broker's shutdown stops the shared
// queue and closes the database.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	busyTimeoutMS int
	maxOpenConns  int

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// RegistryOption adjusts how the registry opens databases.
type RegistryOption func(*Registry)

// WithBusyTimeout sets the SQLite busy_timeout pragma, in
// milliseconds.
func WithBusyTimeout(ms int) RegistryOption {
	return func(r *Registry) { r.busyTimeoutMS = ms }
}

// WithMaxOpenConns caps the connection pool. Needs at least two: the
// dedicated transaction connection plus one side connection for row
// iteration.
func WithMaxOpenConns(n int) RegistryOption {
	return func(r *Registry) { r.maxOpenConns = n }
}

type registryEntry struct {
	dsn   string
	queue *workqueue.Queue
	db    *sql.DB
	refs  int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		busyTimeoutMS: 5000,
		maxOpenConns:  4,
		entries:       make(map[string]*registryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// acquire returns the shared pair for dsn, opening it on first use.
// The database is opened and configured on the pair's own worker so
// that even setup traffic stays off the caller's goroutine.
func (r *Registry) acquire(ctx context.Context, dsn string) (*registryEntry, error) {
	r.mu.Lock()
	if e, ok := r.entries[dsn]; ok {
		e.refs++
		r.mu.Unlock()
		return e, nil
	}
	e := &registryEntry{
		dsn:   dsn,
		queue: workqueue.New(),
		refs:  1,
	}
	r.entries[dsn] = e
	r.mu.Unlock()

	// e.db is written by the worker itself, so every later task on this
	// queue observes it, including tasks from a second broker that
	// grabbed the entry before the open finished.
	p := e.queue.Submit(func() (any, error) {
		db, err := r.openDB(dsn)
		if err != nil {
			return nil, err
		}
		e.db = db
		return nil, nil
	}, workqueue.DoNext())

	if _, err := p.Wait(ctx); err != nil {
		r.drop(e)
		e.queue.Shutdown()
		return nil, err
	}
	slog.Debug("broker: opened shared connection pair", "dsn", dsn)
	return e, nil
}

// release drops one reference. When the last holder releases, the
// shared queue is shut down (draining) and the database closed; the
// returned handle resolves once both are done. Otherwise it resolves
// immediately.
func (r *Registry) release(e *registryEntry) *workqueue.Pending {
	r.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last {
		delete(r.entries, e.dsn)
	}
	r.mu.Unlock()

	if !last {
		return workqueue.Resolved(nil, nil)
	}

	out := workqueue.NewPending()
	go func() {
		_, err := e.queue.Shutdown().Wait(context.Background())
		if e.db != nil {
			if cerr := e.db.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		slog.Debug("broker: closed shared connection pair", "dsn", e.dsn)
		out.Resolve(nil, err)
	}()
	return out
}

func (r *Registry) drop(e *registryEntry) {
	r.mu.Lock()
	delete(r.entries, e.dsn)
	r.mu.Unlock()
}

// openDB opens the SQLite database and applies the required pragmas.
// Runs on the shared pair's worker.
//
// The pool holds one dedicated transaction connection per broker plus
// side connections for concurrent row iteration. WAL mode makes the
// side readers safe while the worker writes.
func (r *Registry) openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(r.maxOpenConns)
	db.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", r.busyTimeoutMS),
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return db, nil
}
