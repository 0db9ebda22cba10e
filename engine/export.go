package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/strata/kv"
)

// Export calls fn with the persisted form of every record visible at one
// snapshot, then with the checkpoint key set to that snapshot. Loading the
// stream into an empty backend reproduces the state at the returned
// sequence. Commits continue while it runs. fn must not retain key or value.
func (e *Engine) Export(ctx context.Context, fn func(key, value []byte) error) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	snap := e.Snapshot()
	defer snap.Release()

	stores := []func(context.Context, uint64, func(key, value []byte) error) error{
		e.vectors.Export,
		e.graph.Export,
		e.history.Export,
	}
	for _, export := range stores {
		if err := export(ctx, snap.Seq, fn); err != nil {
			return snap.Seq, fmt.Errorf("export at %d: %w", snap.Seq, err)
		}
	}
	if err := fn(kv.CheckpointKey, EncodeCheckpoint(snap.Seq)); err != nil {
		return snap.Seq, fmt.Errorf("export at %d: %w", snap.Seq, err)
	}
	return snap.Seq, nil
}
