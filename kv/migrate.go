package kv

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/strata/model"
)

// MigrationStats summarizes a Migrate run.
type MigrationStats struct {
	Keys     int
	Bytes    int64
	Batches  int
	Duration time.Duration
}

// MigrateOptions configures Migrate.
type MigrateOptions struct {
	// BatchSize is the number of keys written per batch.
	BatchSize int

	// Verify recounts the destination after copying.
	Verify bool

	// Progress, if set, is called after every batch.
	Progress func(MigrationStats)
}

// DefaultMigrateOptions are the defaults used by Migrate.
var DefaultMigrateOptions = MigrateOptions{
	BatchSize: 1000,
	Verify:    true,
}

// Migrate copies every key space from src to dst, for example from the
// in-memory backend to a durable one.
func Migrate(ctx context.Context, src Scanner, dst Backend, optFns ...func(o *MigrateOptions)) (MigrationStats, error) {
	opts := DefaultMigrateOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultMigrateOptions.BatchSize
	}

	start := time.Now()
	var stats MigrationStats
	batch := NewBatch()

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		if err := dst.Apply(ctx, batch); err != nil {
			return model.Storage("migrate apply", err)
		}
		stats.Batches++
		batch = NewBatch()
		if opts.Progress != nil {
			opts.Progress(stats)
		}
		return nil
	}

	err := src.Scan(ctx, nil, func(key, value []byte) error {
		batch.Put(slices.Clone(key), slices.Clone(value))
		stats.Keys++
		stats.Bytes += int64(len(key) + len(value))
		if batch.Len() >= opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("migrate scan: %w", err)
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if opts.Verify {
		n := 0
		if err := dst.Scan(ctx, nil, func(_, _ []byte) error { n++; return nil }); err != nil {
			return stats, fmt.Errorf("migrate verify: %w", err)
		}
		if n < stats.Keys {
			return stats, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("migrate verify: copied %d keys, destination holds %d", stats.Keys, n)}
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}
