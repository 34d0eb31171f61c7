// Package graph provides database-persistent graph objects whose
// adjacency lists live in persistent dictionaries. A graph is
// identified by name: two instances with the same name on the same
// database see the same nodes and edges.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/persist"
	"github.com/roach88/sabro/workqueue"
)

// Option configures a graph at construction.
type Option func(*options)

type options struct {
	startFresh bool
}

// StartFresh clears any persisted content during Startup. Use with
// care: it erases the graph's database entries.
func StartFresh() Option {
	return func(o *options) { o.startFresh = true }
}

// adjacency is one node's neighbor set, persisted as a sorted list.
type adjacency map[string]struct{}

func (a adjacency) MarshalJSON() ([]byte, error) {
	nodes := make([]string, 0, len(a))
	for n := range a {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return json.Marshal(nodes)
}

func (a *adjacency) UnmarshalJSON(data []byte) error {
	var nodes []string
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}
	*a = make(adjacency, len(nodes))
	for _, n := range nodes {
		(*a)[n] = struct{}{}
	}
	return nil
}

// Graph is an undirected persistent graph. All methods require a prior
// Startup; node and edge operations then work against the preloaded
// adjacency dictionary, with changes written lazily behind the scenes.
//
// Not safe for concurrent mutation; serialize access the way you would
// for a map.
type Graph struct {
	name string
	adj  *persist.Dict
	opts options
}

// New creates the persistent graph called name on the given database.
func New(registry *broker.Registry, dsn, name string, opts ...Option) *Graph {
	g := &Graph{name: name}
	for _, opt := range opts {
		opt(&g.opts)
	}
	g.adj = persist.NewDict(registry, dsn, listGroup(name, 1))
	return g
}

// listGroup derives the dictionary group key for one adjacency list.
func listGroup(name string, n int) string {
	return fmt.Sprintf("graph:%s-%d", name, n)
}

// Startup loads the persisted adjacency into memory. Must complete
// before any other method is used.
func (g *Graph) Startup(ctx context.Context) error {
	if g.opts.startFresh {
		if _, err := g.adj.Clear(ctx).Wait(ctx); err != nil {
			return err
		}
	}
	return g.adj.Preload(ctx)
}

// Shutdown flushes pending writes and stops the persistence engine.
func (g *Graph) Shutdown() *workqueue.Pending { return g.adj.Shutdown() }

// Sync blocks until every lazy adjacency write has landed.
func (g *Graph) Sync(ctx context.Context) error { return g.adj.Sync(ctx) }

func loadAdjacency(d *persist.Dict, node string) adjacency {
	raw, ok := d.GetLocal(node)
	if !ok {
		return nil
	}
	var a adjacency
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	return a
}

func storeAdjacency(d *persist.Dict, node string, a adjacency) {
	d.Set(node, a)
}

// AddNode ensures node exists, with no edges if new.
func (g *Graph) AddNode(node string) {
	if loadAdjacency(g.adj, node) == nil {
		storeAdjacency(g.adj, node, adjacency{})
	}
}

// AddEdge connects u and v, adding either node as needed.
func (g *Graph) AddEdge(u, v string) {
	g.addHalfEdge(u, v)
	g.addHalfEdge(v, u)
}

func (g *Graph) addHalfEdge(from, to string) {
	a := loadAdjacency(g.adj, from)
	if a == nil {
		a = adjacency{}
	}
	if _, ok := a[to]; ok {
		return
	}
	a[to] = struct{}{}
	storeAdjacency(g.adj, from, a)
}

// RemoveEdge disconnects u and v. An error if the edge is absent.
func (g *Graph) RemoveEdge(u, v string) error {
	if !g.HasEdge(u, v) {
		return fmt.Errorf("graph %q: no edge %s-%s", g.name, u, v)
	}
	g.removeHalfEdge(u, v)
	g.removeHalfEdge(v, u)
	return nil
}

func (g *Graph) removeHalfEdge(from, to string) {
	a := loadAdjacency(g.adj, from)
	if a == nil {
		return
	}
	delete(a, to)
	storeAdjacency(g.adj, from, a)
}

// RemoveNode deletes node and every edge touching it.
func (g *Graph) RemoveNode(node string) error {
	a := loadAdjacency(g.adj, node)
	if a == nil {
		return fmt.Errorf("graph %q: no node %q", g.name, node)
	}
	for neighbor := range a {
		g.removeHalfEdge(neighbor, node)
	}
	g.adj.Delete(node)
	return nil
}

// HasNode reports whether node exists.
func (g *Graph) HasNode(node string) bool {
	_, ok := g.adj.GetLocal(node)
	return ok
}

// HasEdge reports whether u and v are connected.
func (g *Graph) HasEdge(u, v string) bool {
	a := loadAdjacency(g.adj, u)
	if a == nil {
		return false
	}
	_, ok := a[v]
	return ok
}

// Nodes returns all node names, sorted.
func (g *Graph) Nodes() []string {
	items, err := g.adj.Items(context.Background())
	if err != nil {
		return nil
	}
	nodes := make([]string, 0, len(items))
	for n := range items {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// Neighbors returns the sorted neighbor list of node, or an error if
// the node is absent.
func (g *Graph) Neighbors(node string) ([]string, error) {
	a := loadAdjacency(g.adj, node)
	if a == nil {
		return nil, fmt.Errorf("graph %q: no node %q", g.name, node)
	}
	nodes := make([]string, 0, len(a))
	for n := range a {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes, nil
}

// DiGraph is a directed persistent graph. It keeps two adjacency
// dictionaries, successors and predecessors, updated together.
type DiGraph struct {
	name string
	succ *persist.Dict
	pred *persist.Dict
	opts options
}

// NewDiGraph creates the persistent directed graph called name on the
// given database.
func NewDiGraph(registry *broker.Registry, dsn, name string, opts ...Option) *DiGraph {
	g := &DiGraph{name: name}
	for _, opt := range opts {
		opt(&g.opts)
	}
	g.succ = persist.NewDict(registry, dsn, listGroup(name, 1))
	g.pred = persist.NewDict(registry, dsn, listGroup(name, 2))
	return g
}

// Startup loads both adjacency lists into memory.
func (g *DiGraph) Startup(ctx context.Context) error {
	for _, d := range []*persist.Dict{g.succ, g.pred} {
		if g.opts.startFresh {
			if _, err := d.Clear(ctx).Wait(ctx); err != nil {
				return err
			}
		}
		if err := d.Preload(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown flushes pending writes on both lists and stops the
// persistence engine. The handle resolves when both are done; the
// first error wins.
func (g *DiGraph) Shutdown() *workqueue.Pending {
	out := workqueue.NewPending()
	go func() {
		ctx := context.Background()
		var firstErr error
		for _, d := range []*persist.Dict{g.succ, g.pred} {
			if _, err := d.Shutdown().Wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		out.Resolve(nil, firstErr)
	}()
	return out
}

// Sync blocks until every lazy write on both lists has landed.
func (g *DiGraph) Sync(ctx context.Context) error {
	return errors.Join(g.succ.Sync(ctx), g.pred.Sync(ctx))
}

// AddNode ensures node exists, with no edges if new.
func (g *DiGraph) AddNode(node string) {
	if loadAdjacency(g.succ, node) == nil {
		storeAdjacency(g.succ, node, adjacency{})
	}
	if loadAdjacency(g.pred, node) == nil {
		storeAdjacency(g.pred, node, adjacency{})
	}
}

// AddEdge connects u to v (directed), adding either node as needed.
func (g *DiGraph) AddEdge(u, v string) {
	g.AddNode(u)
	g.AddNode(v)
	addTo(g.succ, u, v)
	addTo(g.pred, v, u)
}

func addTo(d *persist.Dict, from, to string) {
	a := loadAdjacency(d, from)
	if a == nil {
		a = adjacency{}
	}
	if _, ok := a[to]; ok {
		return
	}
	a[to] = struct{}{}
	storeAdjacency(d, from, a)
}

// RemoveEdge disconnects u from v. An error if the edge is absent.
func (g *DiGraph) RemoveEdge(u, v string) error {
	if !g.HasEdge(u, v) {
		return fmt.Errorf("digraph %q: no edge %s->%s", g.name, u, v)
	}
	removeFrom(g.succ, u, v)
	removeFrom(g.pred, v, u)
	return nil
}

func removeFrom(d *persist.Dict, from, to string) {
	a := loadAdjacency(d, from)
	if a == nil {
		return
	}
	delete(a, to)
	storeAdjacency(d, from, a)
}

// HasNode reports whether node exists.
func (g *DiGraph) HasNode(node string) bool {
	_, ok := g.succ.GetLocal(node)
	return ok
}

// HasEdge reports whether the directed edge u->v exists.
func (g *DiGraph) HasEdge(u, v string) bool {
	a := loadAdjacency(g.succ, u)
	if a == nil {
		return false
	}
	_, ok := a[v]
	return ok
}

// Successors returns the sorted list of nodes u points to.
func (g *DiGraph) Successors(u string) ([]string, error) {
	return neighborsOf(g.succ, g.name, u)
}

// Predecessors returns the sorted list of nodes pointing to u.
func (g *DiGraph) Predecessors(u string) ([]string, error) {
	return neighborsOf(g.pred, g.name, u)
}

func neighborsOf(d *persist.Dict, graph, node string) ([]string, error) {
	a := loadAdjacency(d, node)
	if a == nil {
		return nil, fmt.Errorf("digraph %q: no node %q", graph, node)
	}
	nodes := make([]string, 0, len(a))
	for n := range a {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes, nil
}

// Nodes returns all node names, sorted.
func (g *DiGraph) Nodes() []string {
	items, err := g.succ.Items(context.Background())
	if err != nil {
		return nil
	}
	nodes := make([]string, 0, len(items))
	for n := range items {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
