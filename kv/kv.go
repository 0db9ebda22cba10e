package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get for absent keys.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("kv: backend closed")
)

// Reader is the read side of a backend.
type Reader interface {
	// Get returns the value of key or ErrKeyNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Scan calls fn for every key with the given prefix in ascending key
	// order. An empty prefix scans everything. Returning an error from fn
	// stops the scan and is returned. fn must not retain key or value.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}

// Scanner enumerates key-value pairs. Every Reader is a Scanner.
type Scanner interface {
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}

// Backend is an ordered key-value store.
type Backend interface {
	Reader

	// Apply writes every operation of b atomically.
	Apply(ctx context.Context, b *Batch) error

	// Durable reports whether applied batches survive a process restart.
	Durable() bool

	Close() error
}

// OpKind is a batch operation kind.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one batch operation.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch is an ordered list of writes applied atomically.
type Batch struct {
	ops   []Op
	bytes int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Put queues a write of value under key.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
	b.bytes += len(key) + len(value)
}

// Delete queues a removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
	b.bytes += len(key)
}

// Ops returns the queued operations.
func (b *Batch) Ops() []Op { return b.ops }

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Size returns the payload size in bytes.
func (b *Batch) Size() int { return b.bytes }

// Reset empties the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
	b.bytes = 0
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
