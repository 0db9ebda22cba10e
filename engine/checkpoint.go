package engine

import (
	"context"
	"time"

	"github.com/hupe1980/strata/kv"
)

// CheckpointStats describes a checkpoint.
type CheckpointStats struct {
	Seq       uint64
	Keys      int
	Truncated bool
	Duration  time.Duration
}

// Checkpoint writes every key changed up to the newest published sequence
// S into the backend, together with S itself, in one batch. With a durable
// backend the WAL is then truncated up to S.
func (e *Engine) Checkpoint(ctx context.Context) (stats CheckpointStats, err error) {
	if e.closed.Load() {
		return stats, ErrClosed
	}

	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	if err := e.rc.AcquireBackground(ctx); err != nil {
		return stats, err
	}
	defer e.rc.ReleaseBackground()

	start := time.Now()
	defer func() {
		stats.Duration = time.Since(start)
		e.metrics.OnCheckpoint(stats.Keys, stats.Duration, err)
		if err != nil {
			e.logger.Error("checkpoint failed", "seq", stats.Seq, "error", err)
			return
		}
		e.logger.Info("checkpoint", "seq", stats.Seq, "keys", stats.Keys, "truncated", stats.Truncated, "duration", stats.Duration)
	}()

	// Capture S between commits and pin it against GC while writing.
	if err := e.commitSem.Acquire(ctx, 1); err != nil {
		return stats, err
	}
	snap := e.snaps.pin(e.visible.Load())
	e.commitSem.Release(1)
	defer snap.Release()

	stats.Seq = snap.Seq

	b := kv.NewBatch()
	stats.Keys += e.vectors.WriteDirty(snap.Seq, b)
	n, err := e.graph.WriteDirty(snap.Seq, b)
	if err != nil {
		return stats, err
	}
	stats.Keys += n
	if n, err = e.history.WriteDirty(snap.Seq, b); err != nil {
		return stats, err
	}
	stats.Keys += n
	b.Put(kv.CheckpointKey, EncodeCheckpoint(snap.Seq))

	if err := e.backend.Apply(ctx, b); err != nil {
		return stats, asStorage("checkpoint apply", err)
	}

	e.vectors.Clean(snap.Seq)
	e.graph.Clean(snap.Seq)
	e.history.Clean(snap.Seq)
	e.checkpointSeq.Store(snap.Seq)

	if !e.backend.Durable() {
		return stats, nil
	}

	// Truncation must not race a transaction between Prepare and Commit.
	if err := e.commitSem.Acquire(ctx, 1); err != nil {
		return stats, err
	}
	defer e.commitSem.Release(1)

	if err := e.durability.Checkpoint(snap.Seq); err != nil {
		return stats, asStorage("wal checkpoint", err)
	}
	if err := e.durability.Truncate(snap.Seq); err != nil {
		return stats, asStorage("wal truncate", err)
	}
	stats.Truncated = true
	return stats, nil
}
