package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/workqueue"
)

const arraySchema = `
CREATE TABLE IF NOT EXISTS sabro_array (
	group_id INTEGER NOT NULL,
	x        INTEGER NOT NULL,
	y        INTEGER NOT NULL,
	z        INTEGER NOT NULL,
	value    TEXT    NOT NULL,
	PRIMARY KEY (group_id, x, y, z)
)`

// Array is a database-persistent sparse three-dimensional array,
// addressable by any combination of string coordinates. Use a constant
// (for example "") for the third coordinate to treat it as a
// two-dimensional array.
//
// Coordinates are hashed before storage, so arbitrary strings work as
// addresses; only the values round-trip, not the coordinate text.
// Writes run at NicenessWrite and are tracked: Get waits behind the
// writes issued so far, so an Array is read-your-writes consistent
// from a single caller's point of view.
type Array struct {
	b       *broker.Broker
	group   string
	groupID int64
	writes  *tracker
}

// NewArray creates the persistent array for group on the given
// database.
func NewArray(registry *broker.Registry, dsn, group string) *Array {
	a := &Array{group: group, groupID: GroupID(group), writes: newTracker()}
	a.b = broker.New(registry, dsn, broker.WithStartupHook(a.ensureSchema))
	return a
}

func (a *Array) ensureSchema(ctx context.Context, b *broker.Broker) error {
	_, err := b.ExecDirect(arraySchema).Wait(ctx)
	return err
}

// coord hashes one coordinate to its stored integer form.
func coord(c string) int64 {
	h := fnv.New64a()
	h.Write([]byte(c))
	return int64(h.Sum64())
}

// AwaitRunning blocks until the array's broker is ready.
func (a *Array) AwaitRunning(ctx context.Context) error { return a.b.AwaitRunning(ctx) }

// Shutdown stops the array's broker after its pending writes land.
func (a *Array) Shutdown() *workqueue.Pending {
	out := workqueue.NewPending()
	go func() {
		ctx := context.Background()
		if err := a.writes.waitAll(ctx); err != nil {
			out.Resolve(nil, err)
			return
		}
		v, err := a.b.Shutdown().Wait(ctx)
		out.Resolve(v, err)
	}()
	return out
}

// Get resolves to the raw JSON value of element (x, y, z), or nil if
// the element is not set. The read queues behind writes already in
// flight.
func (a *Array) Get(ctx context.Context, x, y, z string) *workqueue.Pending {
	out := workqueue.NewPending()
	go func() {
		if err := a.writes.waitAll(ctx); err != nil {
			out.Resolve(nil, err)
			return
		}
		v, err := a.load(ctx, x, y, z).Wait(ctx)
		out.Resolve(v, err)
	}()
	return out
}

func (a *Array) load(ctx context.Context, x, y, z string) *workqueue.Pending {
	return a.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := a.b.StmtOnce(ctx, "array.load",
			"SELECT value FROM sabro_array WHERE group_id = ? AND x = ? AND y = ? AND z = ?")
		if err != nil {
			return nil, err
		}
		var raw string
		err = tx.StmtContext(ctx, stmt).
			QueryRowContext(ctx, a.groupID, coord(x), coord(y), coord(z)).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	})
}

// Set persists value at element (x, y, z), inserting or replacing as
// appropriate. The write is tracked; the handle resolves when it
// lands.
func (a *Array) Set(x, y, z string, value any) *workqueue.Pending {
	raw, err := json.Marshal(value)
	if err != nil {
		return workqueue.Resolved(nil, fmt.Errorf("encode element (%s,%s,%s): %w", x, y, z, err))
	}
	p := a.b.Transact(context.Background(), func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := a.b.StmtOnce(ctx, "array.set",
			"INSERT OR REPLACE INTO sabro_array (group_id, x, y, z, value) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return nil, err
		}
		_, err = tx.StmtContext(ctx, stmt).
			ExecContext(ctx, a.groupID, coord(x), coord(y), coord(z), string(raw))
		return nil, err
	}, broker.Niceness(NicenessWrite))
	a.writes.put(p)
	return p
}

// Delete removes element (x, y, z). A no-op if it is not set.
func (a *Array) Delete(x, y, z string) *workqueue.Pending {
	p := a.b.Transact(context.Background(), func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := a.b.StmtOnce(ctx, "array.delete",
			"DELETE FROM sabro_array WHERE group_id = ? AND x = ? AND y = ? AND z = ?")
		if err != nil {
			return nil, err
		}
		_, err = tx.StmtContext(ctx, stmt).
			ExecContext(ctx, a.groupID, coord(x), coord(y), coord(z))
		return nil, err
	}, broker.Niceness(NicenessWrite))
	a.writes.put(p)
	return p
}

// Clear removes every element in the group. Runs at default niceness
// so an explicit clear is not starved by queued writes.
func (a *Array) Clear() *workqueue.Pending {
	p := a.b.Transact(context.Background(), func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := a.b.StmtOnce(ctx, "array.clear",
			"DELETE FROM sabro_array WHERE group_id = ?")
		if err != nil {
			return nil, err
		}
		_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx, a.groupID)
		return nil, err
	})
	a.writes.put(p)
	return p
}
