package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/workqueue"
)

// NicenessWrite is the default scheduling priority for write
// transactions. Positive, so reads submitted at the default niceness
// run first when the queue is contended.
const NicenessWrite = 6

const itemsSchema = `
CREATE TABLE IF NOT EXISTS sabro_items (
	group_id INTEGER NOT NULL,
	name     TEXT    NOT NULL,
	value    TEXT    NOT NULL,
	PRIMARY KEY (group_id, name)
)`

// LoadResult is the outcome of loading one item. A missing item is a
// value, not an error: callers that treat absence as exceptional can
// promote it themselves.
type LoadResult struct {
	Group   string
	Name    string
	Raw     json.RawMessage
	Missing bool
}

// Decode unmarshals the loaded value into dst. Fails on a missing
// item.
func (r LoadResult) Decode(dst any) error {
	if r.Missing {
		return fmt.Errorf("no item %q in group %q", r.Name, r.Group)
	}
	return json.Unmarshal(r.Raw, dst)
}

// Store is the grouped name/value item layer every other persistent
// collection builds on. Each method queues one transaction and returns
// its completion handle immediately.
//
// Names are normalized to NFC before hitting the database, so
// composed and decomposed spellings of the same key address the same
// item.
type Store struct {
	b       *broker.Broker
	group   string
	groupID int64
}

// NewStore creates the item store for group on the given database.
// Stores built from the same registry and DSN share one worker;
// stores with the same group key share data. The underlying broker
// starts lazily on first use.
func NewStore(registry *broker.Registry, dsn, group string) *Store {
	s := &Store{group: group, groupID: GroupID(group)}
	s.b = broker.New(registry, dsn, broker.WithStartupHook(s.ensureSchema))
	return s
}

// GroupID maps a group key to its stable numeric identifier: the
// 64-bit FNV-1a hash of the NFC-normalized key.
func GroupID(group string) int64 {
	h := fnv.New64a()
	h.Write([]byte(norm.NFC.String(group)))
	return int64(h.Sum64())
}

func normName(name string) string { return norm.NFC.String(name) }

func (s *Store) ensureSchema(ctx context.Context, b *broker.Broker) error {
	_, err := b.ExecDirect(itemsSchema).Wait(ctx)
	return err
}

// Broker exposes the underlying broker, mainly so callers can compose
// store operations into larger transactions.
func (s *Store) Broker() *broker.Broker { return s.b }

// AwaitRunning blocks until the store's broker is ready.
func (s *Store) AwaitRunning(ctx context.Context) error { return s.b.AwaitRunning(ctx) }

// Shutdown stops the store's broker. The handle resolves when every
// queued transaction has drained.
func (s *Store) Shutdown() *workqueue.Pending { return s.b.Shutdown() }

// Load resolves to the LoadResult for name.
func (s *Store) Load(ctx context.Context, name string) *workqueue.Pending {
	name = normName(name)
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		return s.loadTx(ctx, tx, name)
	})
}

// loadTx is the in-transaction load, shared with Upsert.
func (s *Store) loadTx(ctx context.Context, tx *sql.Tx, name string) (LoadResult, error) {
	stmt, err := s.b.StmtOnce(ctx, "items.load",
		"SELECT value FROM sabro_items WHERE group_id = ? AND name = ?")
	if err != nil {
		return LoadResult{}, err
	}
	r := LoadResult{Group: s.group, Name: name}
	var raw string
	err = tx.StmtContext(ctx, stmt).QueryRowContext(ctx, s.groupID, name).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		r.Missing = true
	case err != nil:
		return LoadResult{}, err
	default:
		r.Raw = json.RawMessage(raw)
	}
	return r, nil
}

// LoadAll resolves to a map of every item in the group, name to raw
// JSON value.
func (s *Store) LoadAll(ctx context.Context) *workqueue.Pending {
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := s.b.StmtOnce(ctx, "items.loadAll",
			"SELECT name, value FROM sabro_items WHERE group_id = ?")
		if err != nil {
			return nil, err
		}
		rows, err := tx.StmtContext(ctx, stmt).QueryContext(ctx, s.groupID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		all := make(map[string]json.RawMessage)
		for rows.Next() {
			var name, raw string
			if err := rows.Scan(&name, &raw); err != nil {
				return nil, err
			}
			all[name] = json.RawMessage(raw)
		}
		return all, rows.Err()
	})
}

// Insert adds item name = value. Fails if the item already exists.
func (s *Store) Insert(ctx context.Context, name string, value any) *workqueue.Pending {
	raw, err := json.Marshal(value)
	if err != nil {
		return workqueue.Resolved(nil, fmt.Errorf("encode item %q: %w", name, err))
	}
	name = normName(name)
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := s.b.StmtOnce(ctx, "items.insert",
			"INSERT INTO sabro_items (group_id, name, value) VALUES (?, ?, ?)")
		if err != nil {
			return nil, err
		}
		_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx, s.groupID, name, string(raw))
		return nil, err
	}, broker.Niceness(NicenessWrite))
}

// Update overwrites the value of an existing item. A no-op if the
// item does not exist.
func (s *Store) Update(ctx context.Context, name string, value any) *workqueue.Pending {
	raw, err := json.Marshal(value)
	if err != nil {
		return workqueue.Resolved(nil, fmt.Errorf("encode item %q: %w", name, err))
	}
	name = normName(name)
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := s.b.StmtOnce(ctx, "items.update",
			"UPDATE sabro_items SET value = ? WHERE group_id = ? AND name = ?")
		if err != nil {
			return nil, err
		}
		_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx, string(raw), s.groupID, name)
		return nil, err
	}, broker.Niceness(NicenessWrite))
}

// Upsert inserts or updates item name = value in one transaction,
// resolving to the LoadResult that was found before the write (so the
// caller learns whether it inserted or updated).
func (s *Store) Upsert(ctx context.Context, name string, value any) *workqueue.Pending {
	raw, err := json.Marshal(value)
	if err != nil {
		return workqueue.Resolved(nil, fmt.Errorf("encode item %q: %w", name, err))
	}
	name = normName(name)
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		prev, err := s.loadTx(ctx, tx, name)
		if err != nil {
			return nil, err
		}
		var query, id string
		if prev.Missing {
			id, query = "items.insert", "INSERT INTO sabro_items (group_id, name, value) VALUES (?, ?, ?)"
		} else {
			id, query = "items.upsert.update", "UPDATE sabro_items SET value = ? WHERE group_id = ? AND name = ?"
		}
		stmt, err := s.b.StmtOnce(ctx, id, query)
		if err != nil {
			return nil, err
		}
		if prev.Missing {
			_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx, s.groupID, name, string(raw))
		} else {
			_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx, string(raw), s.groupID, name)
		}
		return prev, err
	}, broker.Niceness(NicenessWrite))
}

// Delete removes the named items. Names that do not exist are ignored.
func (s *Store) Delete(ctx context.Context, names ...string) *workqueue.Pending {
	if len(names) == 0 {
		return workqueue.Resolved(nil, nil)
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, s.groupID)
	for _, n := range names {
		args = append(args, normName(n))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	query := "DELETE FROM sabro_items WHERE group_id = ? AND name IN (" + placeholders + ")"
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		// Variable arity defeats the statement cache; prepare ad hoc.
		_, err := tx.ExecContext(ctx, query, args...)
		return nil, err
	}, broker.Niceness(NicenessWrite))
}

// Names resolves to the sorted-by-storage-order list of all item names
// in the group.
func (s *Store) Names(ctx context.Context) *workqueue.Pending {
	return s.b.Transact(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := s.b.StmtOnce(ctx, "items.names",
			"SELECT name FROM sabro_items WHERE group_id = ? ORDER BY name")
		if err != nil {
			return nil, err
		}
		rows, err := tx.StmtContext(ctx, stmt).QueryContext(ctx, s.groupID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		names := []string{}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			names = append(names, name)
		}
		return names, rows.Err()
	})
}
