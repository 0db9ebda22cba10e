package engine

import (
	"context"
	"time"
)

// GCStats describes a garbage collection pass.
type GCStats struct {
	Horizon  uint64
	Pruned   int
	Swept    int
	Duration time.Duration
}

// GC drops versions no active snapshot can observe. It never runs inside
// the commit path: pruning is lock-free and paced by the resource
// controller, and physical removal of deleted keys only happens when the
// commit semaphore is free right now. Running it again without new commits
// is a no-op. Cancelling ctx stops it between keys.
func (e *Engine) GC(ctx context.Context) (GCStats, error) {
	var stats GCStats
	if e.closed.Load() {
		return stats, ErrClosed
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return stats, err
	}
	defer e.rc.ReleaseBackground()

	start := time.Now()
	stats.Horizon = e.snaps.horizon(&e.visible)

	visit := e.rc.GCPacer(ctx)
	stats.Pruned = e.vectors.Prune(stats.Horizon, visit) +
		e.graph.Prune(stats.Horizon, visit) +
		e.history.Prune(stats.Horizon, visit)
	if err := ctx.Err(); err != nil {
		stats.Duration = time.Since(start)
		return stats, err
	}

	if e.commitSem.TryAcquire(1) {
		stats.Swept = e.vectors.Sweep(stats.Horizon) +
			e.graph.Sweep(stats.Horizon) +
			e.history.Sweep(stats.Horizon)
		e.commitSem.Release(1)
	}

	stats.Duration = time.Since(start)
	e.metrics.OnGC(stats.Pruned+stats.Swept, stats.Duration)
	e.logger.Debug("gc", "horizon", stats.Horizon, "pruned", stats.Pruned, "swept", stats.Swept, "duration", stats.Duration)
	return stats, nil
}
