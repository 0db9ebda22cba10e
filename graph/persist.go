package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/internal/mvcc"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
)

// Load reads the persisted node, edge and adjacency key spaces from r as
// the base state at sequence 0 and rebuilds the identity index. It must run
// before the store serves reads or writes.
func (s *Store) Load(ctx context.Context, r kv.Reader) (nodes, edges int, err error) {
	c := s.opts.Codec

	err = r.Scan(ctx, []byte(kv.PrefixNode), func(_, value []byte) error {
		n, err := codec.Decode[*model.Node](c, value)
		if err != nil {
			return err
		}
		s.nodes.Put(n.ID, n, 0)
		s.ident.Put(n.Identity(), n.ID, 0)
		nodes++
		return nil
	})
	if err != nil {
		return nodes, edges, fmt.Errorf("load nodes: %w", err)
	}

	err = r.Scan(ctx, []byte(kv.PrefixEdge), func(_, value []byte) error {
		e, err := codec.Decode[*model.Edge](c, value)
		if err != nil {
			return err
		}
		s.edges.Put(e.ID, e, 0)
		edges++
		return nil
	})
	if err != nil {
		return nodes, edges, fmt.Errorf("load edges: %w", err)
	}

	for _, prefix := range []string{kv.PrefixOut, kv.PrefixIn} {
		err = r.Scan(ctx, []byte(prefix), func(key, value []byte) error {
			node, kind, out, err := kv.ParseAdjacencyKey(key)
			if err != nil {
				return &model.CorruptionError{Offset: -1, Reason: "adjacency key", Err: err}
			}
			list, err := codec.Decode[[]uuid.UUID](c, value)
			if err != nil {
				return err
			}
			s.adj.Put(adjKey{node: node, kind: kind, out: out}, list, 0)
			return nil
		})
		if err != nil {
			return nodes, edges, fmt.Errorf("load adjacency: %w", err)
		}
	}

	return nodes, edges, nil
}

// WriteDirty adds every node, edge and adjacency list changed at or below
// snap to b, as its value at snap or as a delete.
func (s *Store) WriteDirty(snap uint64, b *kv.Batch) (int, error) {
	c := s.opts.Codec
	n1, err := flush(b, c, s.nodes, s.nodeT.Dirty(snap), kv.NodeKey, snap)
	if err != nil {
		return n1, err
	}
	n2, err := flush(b, c, s.edges, s.edgeT.Dirty(snap), kv.EdgeKey, snap)
	if err != nil {
		return n1 + n2, err
	}
	n3, err := flush(b, c, s.adj, s.adjT.Dirty(snap), adjKey.bytes, snap)
	return n1 + n2 + n3, err
}

func flush[K comparable, V any](b *kv.Batch, c codec.Codec, m *mvcc.Map[K, V], keys []K, keyFn func(K) []byte, snap uint64) (int, error) {
	for _, k := range keys {
		v, ok := m.Get(k, snap)
		if !ok {
			b.Delete(keyFn(k))
			continue
		}
		data, err := codec.Encode(c, v)
		if err != nil {
			return 0, err
		}
		b.Put(keyFn(k), data)
	}
	return len(keys), nil
}

// Clean forgets changes flushed by a successful checkpoint at snap.
func (s *Store) Clean(snap uint64) {
	s.nodeT.Clean(snap)
	s.edgeT.Clean(snap)
	s.adjT.Clean(snap)
	s.identT.Clean(snap)
}

// Export calls fn with the persisted form of every node, edge and adjacency
// list visible at snap.
func (s *Store) Export(ctx context.Context, snap uint64, fn func(key, value []byte) error) error {
	emit := func(key []byte, v any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := codec.Encode(s.opts.Codec, v)
		if err != nil {
			return err
		}
		return fn(key, data)
	}
	for id, n := range s.nodes.All(snap) {
		if err := emit(kv.NodeKey(id), n); err != nil {
			return err
		}
	}
	for id, e := range s.edges.All(snap) {
		if err := emit(kv.EdgeKey(id), e); err != nil {
			return err
		}
	}
	for k, list := range s.adj.All(snap) {
		if err := emit(k.bytes(), list); err != nil {
			return err
		}
	}
	return nil
}
