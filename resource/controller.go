// Package resource limits background work: how many background jobs run at
// once, how fast they touch keys and bytes, and how wide a query may fan out.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxBackgroundWorkers is the maximum number of concurrent background jobs
	// (GC, checkpoint, backup).
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum IO throughput for backups and restores.
	// If 0, unlimited.
	IOLimitBytesPerSec int64

	// GCKeysPerSec paces garbage collection by logical keys visited.
	// If 0, unlimited.
	GCKeysPerSec int

	// MaxParallelSeeds bounds the number of seeds a query expands concurrently.
	// If 0, defaults to 4.
	MaxParallelSeeds int
}

// DefaultConfig is used by the facade when no limits are configured.
var DefaultConfig = Config{
	MaxBackgroundWorkers: 1,
	GCKeysPerSec:         50_000,
	MaxParallelSeeds:     4,
}

// Controller manages background concurrency and pacing.
type Controller struct {
	cfg Config

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter

	// GC
	gcLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}
	if cfg.MaxParallelSeeds <= 0 {
		cfg.MaxParallelSeeds = 4
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	if cfg.GCKeysPerSec > 0 {
		c.gcLimiter = rate.NewLimiter(rate.Limit(cfg.GCKeysPerSec), cfg.GCKeysPerSec)
	}

	return c
}

// Config returns the effective limits.
func (c *Controller) Config() Config { return c.cfg }

// AcquireBackground attempts to reserve a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	// WaitN rejects requests above the burst; split them.
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// GCPacer returns a visit function for store pruning. It blocks on the GC
// rate limit and returns false once ctx is done.
func (c *Controller) GCPacer(ctx context.Context) func() bool {
	return func() bool {
		if ctx.Err() != nil {
			return false
		}
		if c == nil || c.gcLimiter == nil {
			return true
		}
		return c.gcLimiter.Wait(ctx) == nil
	}
}

// SeedParallelism returns the number of query seeds expanded concurrently.
func (c *Controller) SeedParallelism() int {
	if c == nil {
		return DefaultConfig.MaxParallelSeeds
	}
	return c.cfg.MaxParallelSeeds
}
