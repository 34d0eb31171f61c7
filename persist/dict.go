package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/workqueue"
)

// ErrNoItem reports a lookup of a dictionary key that exists neither
// in memory nor in the database.
var ErrNoItem = errors.New("persist: no such item")

// Dict is a database-persistent string-keyed dictionary with in-memory
// caching and lazy writes.
//
// Reads resolve from the cache when they can and fall back to a load
// transaction when they cannot. Writes update the cache immediately
// and persist in the background; Sync waits for them, and Shutdown
// always waits for them before stopping the broker.
//
// After Preload the whole group lives in memory and the Local variants
// answer without touching the database. Lazy writing continues either
// way.
type Dict struct {
	store  *Store
	writes *tracker

	mu        sync.Mutex
	data      map[string]json.RawMessage
	keyCache  map[string]bool // true = key list validated against the database
	preloaded bool
}

// NewDict creates the persistent dictionary for group on the given
// database. Dicts built from the same registry and DSN share one
// worker; the same group key means the same underlying data.
func NewDict(registry *broker.Registry, dsn, group string) *Dict {
	return &Dict{
		store:    NewStore(registry, dsn, group),
		writes:   newTracker(),
		data:     make(map[string]json.RawMessage),
		keyCache: make(map[string]bool),
	}
}

// Store exposes the underlying item store.
func (d *Dict) Store() *Store { return d.store }

// AwaitRunning blocks until the dictionary's broker is ready.
func (d *Dict) AwaitRunning(ctx context.Context) error { return d.store.AwaitRunning(ctx) }

// Preload pulls the entire group into memory. Afterwards reads are
// answered locally and missing keys are definitively missing.
func (d *Dict) Preload(ctx context.Context) error {
	if err := d.loadAll(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.preloaded = true
	d.mu.Unlock()
	return nil
}

// loadAll waits out pending writes, then replaces the cache with the
// database contents.
func (d *Dict) loadAll(ctx context.Context) error {
	if err := d.writes.waitAll(ctx); err != nil {
		return err
	}
	v, err := d.store.LoadAll(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	all := v.(map[string]json.RawMessage)
	d.mu.Lock()
	d.data = all
	d.keyCache = make(map[string]bool, len(all))
	for name := range all {
		d.keyCache[name] = true
	}
	d.mu.Unlock()
	return nil
}

// Get resolves to the raw JSON value of name. A cache hit resolves
// immediately; otherwise the value is loaded (and cached). Missing
// items resolve with ErrNoItem.
func (d *Dict) Get(ctx context.Context, name string) *workqueue.Pending {
	name = normName(name)
	d.mu.Lock()
	if raw, ok := d.data[name]; ok {
		d.mu.Unlock()
		return workqueue.Resolved(raw, nil)
	}
	preloaded := d.preloaded
	d.mu.Unlock()
	if preloaded {
		return workqueue.Resolved(nil, fmt.Errorf("%w: %q", ErrNoItem, name))
	}

	out := workqueue.NewPending()
	go func() {
		v, err := d.store.Load(ctx, name).Wait(ctx)
		if err != nil {
			out.Resolve(nil, err)
			return
		}
		r := v.(LoadResult)
		if r.Missing {
			out.Resolve(nil, fmt.Errorf("%w: %q", ErrNoItem, name))
			return
		}
		d.mu.Lock()
		d.data[name] = r.Raw
		if _, ok := d.keyCache[name]; !ok {
			d.keyCache[name] = false
		}
		d.mu.Unlock()
		out.Resolve(r.Raw, nil)
	}()
	return out
}

// GetLocal answers from the cache only. The second result reports
// whether the key was cached; in preload mode that is authoritative.
func (d *Dict) GetLocal(name string) (json.RawMessage, bool) {
	name = normName(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.data[name]
	return raw, ok
}

// Set stores name = value: the cache is updated before Set returns and
// the database write happens lazily in the background. The returned
// handle resolves when the write lands; callers that don't care can
// drop it and rely on Sync or Shutdown.
func (d *Dict) Set(name string, value any) *workqueue.Pending {
	raw, err := json.Marshal(value)
	if err != nil {
		return workqueue.Resolved(nil, fmt.Errorf("encode item %q: %w", name, err))
	}
	name = normName(name)
	d.mu.Lock()
	d.data[name] = raw
	if _, ok := d.keyCache[name]; !ok {
		d.keyCache[name] = false
	}
	d.mu.Unlock()

	p := d.store.Upsert(context.Background(), name, json.RawMessage(raw))
	d.writes.put(p)
	return p
}

// Delete removes name from the cache and the database. The database
// delete is a lazy write like Set's.
func (d *Dict) Delete(name string) *workqueue.Pending {
	name = normName(name)
	d.mu.Lock()
	delete(d.data, name)
	delete(d.keyCache, name)
	d.mu.Unlock()

	p := d.store.Delete(context.Background(), name)
	d.writes.put(p)
	return p
}

// Contains resolves to whether name exists. Cache hits answer without
// a transaction; otherwise the item is loaded speculatively, since a
// Contains is usually followed by a Get.
func (d *Dict) Contains(ctx context.Context, name string) *workqueue.Pending {
	name = normName(name)
	d.mu.Lock()
	_, cached := d.data[name]
	_, known := d.keyCache[name]
	preloaded := d.preloaded
	d.mu.Unlock()
	if cached || known {
		return workqueue.Resolved(true, nil)
	}
	if preloaded {
		return workqueue.Resolved(false, nil)
	}

	out := workqueue.NewPending()
	go func() {
		v, err := d.store.Load(ctx, name).Wait(ctx)
		if err != nil {
			out.Resolve(nil, err)
			return
		}
		r := v.(LoadResult)
		if !r.Missing {
			d.mu.Lock()
			d.data[name] = r.Raw
			if _, ok := d.keyCache[name]; !ok {
				d.keyCache[name] = false
			}
			d.mu.Unlock()
		}
		out.Resolve(!r.Missing, nil)
	}()
	return out
}

// Keys resolves to the group's key list. A key cache validated by
// Preload or a previous Keys call answers locally; otherwise the
// names are loaded and the cache validated.
func (d *Dict) Keys(ctx context.Context) *workqueue.Pending {
	d.mu.Lock()
	valid := d.preloaded
	for _, v := range d.keyCache {
		if v {
			valid = true
			break
		}
	}
	if valid {
		keys := make([]string, 0, len(d.keyCache))
		for name := range d.keyCache {
			keys = append(keys, name)
		}
		d.mu.Unlock()
		return workqueue.Resolved(keys, nil)
	}
	d.mu.Unlock()

	out := workqueue.NewPending()
	go func() {
		v, err := d.store.Names(ctx).Wait(ctx)
		if err != nil {
			out.Resolve(nil, err)
			return
		}
		names := v.([]string)
		d.mu.Lock()
		d.keyCache = make(map[string]bool, len(names))
		for _, name := range names {
			d.keyCache[name] = true
		}
		d.mu.Unlock()
		out.Resolve(names, nil)
	}()
	return out
}

// Len returns the number of items in the group. In preload mode this
// is a cache count; otherwise it reloads the group.
func (d *Dict) Len(ctx context.Context) (int, error) {
	d.mu.Lock()
	if d.preloaded {
		n := len(d.data)
		d.mu.Unlock()
		return n, nil
	}
	d.mu.Unlock()
	if err := d.loadAll(ctx); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data), nil
}

// Items returns a snapshot of every name/value pair, reloading from
// the database unless preloaded.
func (d *Dict) Items(ctx context.Context) (map[string]json.RawMessage, error) {
	d.mu.Lock()
	preloaded := d.preloaded
	d.mu.Unlock()
	if !preloaded {
		if err := d.loadAll(ctx); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot := make(map[string]json.RawMessage, len(d.data))
	for name, raw := range d.data {
		snapshot[name] = raw
	}
	return snapshot, nil
}

// Clear empties the cache and deletes every database entry in the
// group, behind any writes already in flight.
func (d *Dict) Clear(ctx context.Context) *workqueue.Pending {
	d.mu.Lock()
	d.data = make(map[string]json.RawMessage)
	d.keyCache = make(map[string]bool)
	d.mu.Unlock()

	// Snapshot before registering out in the tracker; waiting on the
	// full tracked set here would include Clear's own handle.
	prior := d.writes.snapshot()
	out := workqueue.NewPending()
	d.writes.put(out)
	go func() {
		if err := waitHandles(ctx, prior); err != nil {
			out.Resolve(nil, err)
			return
		}
		v, err := d.store.Names(ctx).Wait(ctx)
		if err != nil {
			out.Resolve(nil, err)
			return
		}
		_, err = d.store.Delete(ctx, v.([]string)...).Wait(ctx)
		out.Resolve(nil, err)
	}()
	return out
}

// Sync blocks until every lazy write issued so far has landed.
func (d *Dict) Sync(ctx context.Context) error {
	return d.writes.waitAll(ctx)
}

// Shutdown waits out the lazy writes, then stops the broker. The
// handle resolves once the queue has drained and the database handle
// is released.
func (d *Dict) Shutdown() *workqueue.Pending {
	out := workqueue.NewPending()
	go func() {
		ctx := context.Background()
		if err := d.writes.waitAll(ctx); err != nil {
			out.Resolve(nil, err)
			return
		}
		v, err := d.store.Shutdown().Wait(ctx)
		out.Resolve(v, err)
	}()
	return out
}
