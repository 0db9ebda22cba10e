package graph

import (
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/internal/mvcc"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
)

type adjKey struct {
	node uuid.UUID
	kind model.EdgeKind
	out  bool
}

func (k adjKey) bytes() []byte {
	if k.out {
		return kv.OutKey(k.node, k.kind)
	}
	return kv.InKey(k.node, k.kind)
}

// Options configures a Store.
type Options struct {
	// Codec encodes persisted node and edge rows.
	Codec codec.Codec
}

// DefaultOptions persists rows as JSON.
var DefaultOptions = Options{
	Codec: codec.Default,
}

// Store is the multi-version graph store. Writes take the sequence of the
// staging transaction and must be serialized by the caller; reads are safe
// from any goroutine.
type Store struct {
	opts Options

	nodes *mvcc.Map[uuid.UUID, *model.Node]
	edges *mvcc.Map[uuid.UUID, *model.Edge]
	adj   *mvcc.Map[adjKey, []uuid.UUID]
	ident *mvcc.Map[string, uuid.UUID]

	nodeT  *mvcc.Tracker[uuid.UUID]
	edgeT  *mvcc.Tracker[uuid.UUID]
	adjT   *mvcc.Tracker[adjKey]
	identT *mvcc.Tracker[string]

	gcMu sync.Mutex
	dead graveyard
}

type graveyard struct {
	nodes []uuid.UUID
	edges []uuid.UUID
	adj   []adjKey
	ident []string
}

// New returns an empty store.
func New(optFns ...func(o *Options)) *Store {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	return &Store{
		opts:   opts,
		nodes:  mvcc.New[uuid.UUID, *model.Node](),
		edges:  mvcc.New[uuid.UUID, *model.Edge](),
		adj:    mvcc.New[adjKey, []uuid.UUID](),
		ident:  mvcc.New[string, uuid.UUID](),
		nodeT:  mvcc.NewTracker[uuid.UUID](),
		edgeT:  mvcc.NewTracker[uuid.UUID](),
		adjT:   mvcc.NewTracker[adjKey](),
		identT: mvcc.NewTracker[string](),
	}
}

// AddNode stages a new node. A node with the same id must not exist.
func (s *Store) AddNode(seq uint64, n *model.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if _, _, ok := s.nodes.Latest(n.ID); ok {
		return model.Constraint("add node", "node %s already exists", n.ID)
	}
	s.putNode(seq, n)
	return nil
}

// PutNode stages a node insert or rewrite.
func (s *Store) PutNode(seq uint64, n *model.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.putNode(seq, n)
	return nil
}

func (s *Store) putNode(seq uint64, n *model.Node) {
	c := n.Clone()
	c.Embedding = nil

	if prev, _, ok := s.nodes.Latest(c.ID); ok && prev.Identity() != c.Identity() {
		s.dropIdentity(seq, prev)
	}
	if id, _, ok := s.ident.Latest(c.Identity()); !ok || id != c.ID {
		s.ident.Put(c.Identity(), c.ID, seq)
		s.identT.Touch(seq, c.Identity())
	}

	s.nodes.Put(c.ID, c, seq)
	s.nodeT.Touch(seq, c.ID)
}

func (s *Store) dropIdentity(seq uint64, n *model.Node) {
	key := n.Identity()
	if id, _, ok := s.ident.Latest(key); ok && id == n.ID {
		s.ident.Delete(key, seq)
		s.identT.Touch(seq, key)
	}
}

// DeleteNode stages the removal of a node and every incident edge. It
// returns the ids of the removed edges.
func (s *Store) DeleteNode(seq uint64, id uuid.UUID) ([]uuid.UUID, error) {
	n, _, ok := s.nodes.Latest(id)
	if !ok {
		return nil, model.NotFound("node", id)
	}

	var removed []uuid.UUID
	for _, kind := range model.AllEdgeKinds {
		for _, out := range []bool{true, false} {
			list, _, _ := s.adj.Latest(adjKey{node: id, kind: kind, out: out})
			for _, eid := range list {
				if s.deleteEdge(seq, eid) {
					removed = append(removed, eid)
				}
			}
		}
	}

	s.dropIdentity(seq, n)
	s.nodes.Delete(id, seq)
	s.nodeT.Touch(seq, id)
	return removed, nil
}

// AddEdge stages an edge insert or rewrite. Both endpoints must be live.
func (s *Store) AddEdge(seq uint64, e *model.Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	for _, end := range []uuid.UUID{e.Source, e.Target} {
		if _, _, ok := s.nodes.Latest(end); !ok {
			return model.Constraint("add edge", "endpoint %s of edge %s does not exist", end, e.ID)
		}
	}

	if prev, _, ok := s.edges.Latest(e.ID); ok {
		s.unlink(seq, prev)
	}

	c := e.Clone()
	s.edges.Put(c.ID, c, seq)
	s.edgeT.Touch(seq, c.ID)
	s.link(seq, adjKey{node: c.Source, kind: c.Kind, out: true}, c.ID)
	s.link(seq, adjKey{node: c.Target, kind: c.Kind, out: false}, c.ID)
	return nil
}

// DeleteEdge stages the removal of an edge.
func (s *Store) DeleteEdge(seq uint64, id uuid.UUID) error {
	if !s.deleteEdge(seq, id) {
		return model.NotFound("edge", id)
	}
	return nil
}

func (s *Store) deleteEdge(seq uint64, id uuid.UUID) bool {
	e, _, ok := s.edges.Latest(id)
	if !ok {
		return false
	}
	s.unlink(seq, e)
	s.edges.Delete(id, seq)
	s.edgeT.Touch(seq, id)
	return true
}

func (s *Store) unlink(seq uint64, e *model.Edge) {
	s.removeAdj(seq, adjKey{node: e.Source, kind: e.Kind, out: true}, e.ID)
	s.removeAdj(seq, adjKey{node: e.Target, kind: e.Kind, out: false}, e.ID)
}

func (s *Store) link(seq uint64, k adjKey, id uuid.UUID) {
	list, _, _ := s.adj.Latest(k)
	i, found := slices.BinarySearchFunc(list, id, compareUUID)
	if found {
		return
	}
	next := make([]uuid.UUID, 0, len(list)+1)
	next = append(next, list[:i]...)
	next = append(next, id)
	next = append(next, list[i:]...)
	s.adj.Put(k, next, seq)
	s.adjT.Touch(seq, k)
}

func (s *Store) removeAdj(seq uint64, k adjKey, id uuid.UUID) {
	list, _, _ := s.adj.Latest(k)
	i, found := slices.BinarySearchFunc(list, id, compareUUID)
	if !found {
		return
	}
	if len(list) == 1 {
		s.adj.Delete(k, seq)
	} else {
		next := make([]uuid.UUID, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		s.adj.Put(k, next, seq)
	}
	s.adjT.Touch(seq, k)
}

func compareUUID(a, b uuid.UUID) int { return model.CompareIDs(a, b) }

// Revert drops everything staged at seq.
func (s *Store) Revert(seq uint64) {
	for _, k := range s.adjT.Take(seq) {
		s.adj.Revert(k, seq)
	}
	for _, id := range s.edgeT.Take(seq) {
		s.edges.Revert(id, seq)
	}
	for _, k := range s.identT.Take(seq) {
		s.ident.Revert(k, seq)
	}
	for _, id := range s.nodeT.Take(seq) {
		s.nodes.Revert(id, seq)
	}
}

// Settle forgets the revert record of a committed seq.
func (s *Store) Settle(seq uint64) {
	s.adjT.Forget(seq)
	s.edgeT.Forget(seq)
	s.identT.Forget(seq)
	s.nodeT.Forget(seq)
}

// GetNode returns a copy of the node visible at snap.
func (s *Store) GetNode(snap uint64, id uuid.UUID) (*model.Node, error) {
	n, ok := s.nodes.Get(id, snap)
	if !ok {
		return nil, model.NotFound("node", id)
	}
	return n.Clone(), nil
}

// HasNode reports whether id is live at snap.
func (s *Store) HasNode(snap uint64, id uuid.UUID) bool {
	_, ok := s.nodes.Get(id, snap)
	return ok
}

// LatestNode returns the newest staged or committed state of a node. It is
// meant for the writer holding the commit path.
func (s *Store) LatestNode(id uuid.UUID) (*model.Node, bool) {
	n, _, ok := s.nodes.Latest(id)
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// GetEdge returns a copy of the edge visible at snap.
func (s *Store) GetEdge(snap uint64, id uuid.UUID) (*model.Edge, error) {
	e, ok := s.edges.Get(id, snap)
	if !ok {
		return nil, model.NotFound("edge", id)
	}
	return e.Clone(), nil
}

// LatestEdge is the edge counterpart of LatestNode.
func (s *Store) LatestEdge(id uuid.UUID) (*model.Edge, bool) {
	e, _, ok := s.edges.Latest(id)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Lookup returns the node with the given ingestion identity at snap.
func (s *Store) Lookup(snap uint64, filePath, name string) (*model.Node, bool) {
	id, ok := s.ident.Get(model.IdentityOf(filePath, name), snap)
	if !ok {
		return nil, false
	}
	n, ok := s.nodes.Get(id, snap)
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// NodeHead returns the sequence of the newest write to a node.
func (s *Store) NodeHead(id uuid.UUID) uint64 { return s.nodes.Head(id) }

// EdgeHead returns the sequence of the newest write to an edge.
func (s *Store) EdgeHead(id uuid.UUID) uint64 { return s.edges.Head(id) }

// IdentityHead returns the sequence of the newest write to an identity
// binding.
func (s *Store) IdentityHead(key string) uint64 { return s.ident.Head(key) }

// Nodes yields every node live at snap. Yielded nodes are shared and must
// not be modified.
func (s *Store) Nodes(snap uint64) iter.Seq[*model.Node] {
	return func(yield func(*model.Node) bool) {
		for _, n := range s.nodes.All(snap) {
			if !yield(n) {
				return
			}
		}
	}
}

// Edges yields every edge live at snap. Yielded edges are shared and must
// not be modified.
func (s *Store) Edges(snap uint64) iter.Seq[*model.Edge] {
	return func(yield func(*model.Edge) bool) {
		for _, e := range s.edges.All(snap) {
			if !yield(e) {
				return
			}
		}
	}
}

// EdgesOf returns the edges of kind leaving (out) or entering a node at
// snap, ordered by id.
func (s *Store) EdgesOf(snap uint64, id uuid.UUID, kind model.EdgeKind, out bool) []*model.Edge {
	list, ok := s.adj.Get(adjKey{node: id, kind: kind, out: out}, snap)
	if !ok {
		return nil
	}
	edges := make([]*model.Edge, 0, len(list))
	for _, eid := range list {
		if e, ok := s.edges.Get(eid, snap); ok {
			edges = append(edges, e)
		}
	}
	return edges
}

// NodeCount returns the number of nodes live at snap.
func (s *Store) NodeCount(snap uint64) int { return s.nodes.Len(snap) }

// EdgeCount returns the number of edges live at snap.
func (s *Store) EdgeCount(snap uint64) int { return s.edges.Len(snap) }

// Prune drops versions no reader at or above horizon can see and queues
// fully deleted keys for Sweep.
func (s *Store) Prune(horizon uint64, visit func() bool) int {
	var dead graveyard
	var n, p int
	p, dead.nodes = s.nodes.Prune(horizon, visit)
	n += p
	p, dead.edges = s.edges.Prune(horizon, visit)
	n += p
	p, dead.adj = s.adj.Prune(horizon, visit)
	n += p
	p, dead.ident = s.ident.Prune(horizon, visit)
	n += p

	s.gcMu.Lock()
	s.dead.nodes = append(s.dead.nodes, dead.nodes...)
	s.dead.edges = append(s.dead.edges, dead.edges...)
	s.dead.adj = append(s.dead.adj, dead.adj...)
	s.dead.ident = append(s.dead.ident, dead.ident...)
	s.gcMu.Unlock()
	return n
}

// Sweep physically removes keys queued by Prune. The caller must exclude
// writers.
func (s *Store) Sweep(horizon uint64) int {
	s.gcMu.Lock()
	dead := s.dead
	s.dead = graveyard{}
	s.gcMu.Unlock()

	return sweep(s.nodes, dead.nodes, horizon) +
		sweep(s.edges, dead.edges, horizon) +
		sweep(s.adj, dead.adj, horizon) +
		sweep(s.ident, dead.ident, horizon)
}

func sweep[K comparable, V any](m *mvcc.Map[K, V], keys []K, horizon uint64) int {
	n := 0
	for _, k := range keys {
		if m.Remove(k, horizon) {
			n++
		}
	}
	return n
}
