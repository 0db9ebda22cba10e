package mvcc

import (
	"iter"
	"sync"
	"sync/atomic"
)

type version[V any] struct {
	seq     uint64
	val     V
	deleted bool
	next    atomic.Pointer[version[V]]
}

type chain[V any] struct {
	head atomic.Pointer[version[V]]
}

// Map is a multi-version map keyed by K.
type Map[K comparable, V any] struct {
	chains sync.Map // K -> *chain[V]
	keys   atomic.Int64
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

func (m *Map[K, V]) load(k K) *chain[V] {
	c, ok := m.chains.Load(k)
	if !ok {
		return nil
	}
	return c.(*chain[V])
}

func (m *Map[K, V]) loadOrCreate(k K) *chain[V] {
	if c := m.load(k); c != nil {
		return c
	}
	c, loaded := m.chains.LoadOrStore(k, &chain[V]{})
	if !loaded {
		m.keys.Add(1)
	}
	return c.(*chain[V])
}

// Get returns the value of k visible at snap.
func (m *Map[K, V]) Get(k K, snap uint64) (V, bool) {
	var zero V
	c := m.load(k)
	if c == nil {
		return zero, false
	}
	for v := c.head.Load(); v != nil; v = v.next.Load() {
		if v.seq <= snap {
			if v.deleted {
				return zero, false
			}
			return v.val, true
		}
	}
	return zero, false
}

// Latest returns the newest value of k, staged or not, and the sequence
// that wrote it. Writers use it to read their own staged state.
func (m *Map[K, V]) Latest(k K) (V, uint64, bool) {
	var zero V
	c := m.load(k)
	if c == nil {
		return zero, 0, false
	}
	h := c.head.Load()
	if h == nil {
		return zero, 0, false
	}
	if h.deleted {
		return zero, h.seq, false
	}
	return h.val, h.seq, true
}

// Head returns the sequence of the newest version of k, or 0.
func (m *Map[K, V]) Head(k K) uint64 {
	c := m.load(k)
	if c == nil {
		return 0
	}
	if h := c.head.Load(); h != nil {
		return h.seq
	}
	return 0
}

// Put writes v for k at seq. Writing the same key twice at one sequence
// replaces the earlier write.
func (m *Map[K, V]) Put(k K, v V, seq uint64) {
	m.push(m.loadOrCreate(k), &version[V]{seq: seq, val: v})
}

// Delete writes a tombstone for k at seq. It reports whether k had a live
// value before.
func (m *Map[K, V]) Delete(k K, seq uint64) bool {
	c := m.load(k)
	if c == nil {
		return false
	}
	h := c.head.Load()
	if h == nil || h.deleted {
		return false
	}
	m.push(c, &version[V]{seq: seq, deleted: true})
	return true
}

func (m *Map[K, V]) push(c *chain[V], nv *version[V]) {
	for {
		h := c.head.Load()
		switch {
		case h == nil || h.seq < nv.seq:
			nv.next.Store(h)
		case h.seq == nv.seq:
			nv.next.Store(h.next.Load())
		default:
			panic("mvcc: write below head sequence")
		}
		if c.head.CompareAndSwap(h, nv) {
			return
		}
	}
}

// Revert drops every version of k written at or after seq.
func (m *Map[K, V]) Revert(k K, seq uint64) {
	c := m.load(k)
	if c == nil {
		return
	}
	for {
		h := c.head.Load()
		keep := h
		for keep != nil && keep.seq >= seq {
			keep = keep.next.Load()
		}
		if keep == h || c.head.CompareAndSwap(h, keep) {
			return
		}
	}
}

// All yields every key visible at snap with its value. Order is unspecified.
func (m *Map[K, V]) All(snap uint64) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.chains.Range(func(key, value any) bool {
			c := value.(*chain[V])
			for v := c.head.Load(); v != nil; v = v.next.Load() {
				if v.seq <= snap {
					if v.deleted {
						return true
					}
					return yield(key.(K), v.val)
				}
			}
			return true
		})
	}
}

// Len counts keys visible at snap.
func (m *Map[K, V]) Len(snap uint64) int {
	n := 0
	for range m.All(snap) {
		n++
	}
	return n
}

// Keys returns the number of physical chains, including tombstoned ones.
func (m *Map[K, V]) Keys() int { return int(m.keys.Load()) }

// Prune drops versions no reader at or above horizon can observe: for each
// key it keeps the newest version <= horizon and cuts everything older.
// Keys whose surviving version is a tombstone are reported as dead; Remove
// deletes them physically. visit is called once per key and may return false
// to stop early.
func (m *Map[K, V]) Prune(horizon uint64, visit func() bool) (pruned int, dead []K) {
	m.chains.Range(func(key, value any) bool {
		if visit != nil && !visit() {
			return false
		}
		c := value.(*chain[V])
		v := c.head.Load()
		for v != nil && v.seq > horizon {
			v = v.next.Load()
		}
		if v == nil {
			return true
		}
		for old := v.next.Load(); old != nil; old = old.next.Load() {
			pruned++
		}
		v.next.Store(nil)
		if v.deleted && c.head.Load() == v {
			dead = append(dead, key.(K))
		}
		return true
	})
	return pruned, dead
}

// Remove physically deletes k if its only version is a tombstone at or
// below horizon. The caller must exclude concurrent writers.
func (m *Map[K, V]) Remove(k K, horizon uint64) bool {
	c := m.load(k)
	if c == nil {
		return false
	}
	h := c.head.Load()
	if h == nil || !h.deleted || h.seq > horizon || h.next.Load() != nil {
		return false
	}
	m.chains.Delete(k)
	m.keys.Add(-1)
	return true
}
