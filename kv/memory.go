package kv

import (
	"bytes"
	"context"
	"slices"
	"sync"
)

// Memory is a non-durable Backend backed by a map. Scans sort matching keys
// on demand.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Reader.
func (m *Memory) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

// Scan implements Reader.
func (m *Memory) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	type pair struct{ k, v []byte }

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	pairs := make([]pair, 0)
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			pairs = append(pairs, pair{[]byte(k), slices.Clone(v)})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(pairs, func(a, b pair) int { return bytes.Compare(a.k, b.k) })
	for i, p := range pairs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// Apply implements Backend.
func (m *Memory) Apply(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range b.Ops() {
		switch op.Kind {
		case OpPut:
			m.data[string(op.Key)] = slices.Clone(op.Value)
		case OpDelete:
			delete(m.data, string(op.Key))
		}
	}
	return nil
}

// Durable implements Backend.
func (m *Memory) Durable() bool { return false }

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
