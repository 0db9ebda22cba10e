package engine

import "github.com/hupe1980/strata/wal"

// Durability abstracts the transactional log used by the coordinator.
//
// A *wal.WAL satisfies this interface. When durability is disabled,
// NoopDurability keeps the exact same commit pipeline and rollback behavior
// without any disk IO.
type Durability interface {
	Prepare(txid uint64, payload []byte) error
	Commit(txid uint64) error
	Abort(txid uint64) error

	// Checkpoint records that the backend reflects every transaction up to seq.
	Checkpoint(seq uint64) error
	// Truncate drops transactions up to seq from the log.
	Truncate(upTo uint64) error

	// Replay calls fn for every committed transaction in txid order.
	Replay(fn func(tx wal.Tx) error) (wal.ReplayInfo, error)

	Size() int64

	// Close releases any resources held by the durability layer (e.g. file handles).
	Close() error
}

var _ Durability = (*wal.WAL)(nil)

// NoopDurability implements Durability with no persistence.
type NoopDurability struct{}

func (NoopDurability) Prepare(uint64, []byte) error { return nil }
func (NoopDurability) Commit(uint64) error          { return nil }
func (NoopDurability) Abort(uint64) error           { return nil }
func (NoopDurability) Checkpoint(uint64) error      { return nil }
func (NoopDurability) Truncate(uint64) error        { return nil }
func (NoopDurability) Replay(func(wal.Tx) error) (wal.ReplayInfo, error) {
	return wal.ReplayInfo{}, nil
}
func (NoopDurability) Size() int64  { return 0 }
func (NoopDurability) Close() error { return nil }
