package engine

import (
	"context"
	"errors"
	"time"
)

// startBackground launches the periodic GC and checkpoint workers.
func (e *Engine) startBackground() {
	if e.opts.GCInterval > 0 {
		e.wg.Add(1)
		go e.worker("gc", e.opts.GCInterval, func(ctx context.Context) error {
			_, err := e.GC(ctx)
			return err
		})
	}
	if e.opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.worker("checkpoint", e.opts.CheckpointInterval, func(ctx context.Context) error {
			_, err := e.Checkpoint(ctx)
			return err
		})
	}
}

func (e *Engine) worker(name string, interval time.Duration, job func(ctx context.Context) error) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := job(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				e.logger.Warn("background job failed", "job", name, "error", err)
			}
		}
	}
}
