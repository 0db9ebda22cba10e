package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/vector"
)

// Options configures an Engine.
type Options struct {
	// Dimension of every embedding. Required.
	Dimension int

	// Vector configures the vector index.
	Vector vector.Options

	// Codec encodes WAL payloads and persisted rows. It must match the codec
	// recorded in the WAL header.
	Codec codec.Codec

	// Durability is the transactional log. Nil disables logging.
	Durability Durability

	// TxTimeout bounds the lifetime of a transaction from Begin to Commit.
	// Zero disables the timeout.
	TxTimeout time.Duration

	// GCInterval runs garbage collection in the background. Zero disables it.
	GCInterval time.Duration

	// CheckpointInterval runs checkpoints in the background. Zero disables it.
	CheckpointInterval time.Duration

	// Resources limits background work. Nil uses resource.DefaultConfig.
	Resources *resource.Controller

	Logger  *slog.Logger
	Metrics MetricsObserver

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// DefaultOptions returns default engine options.
var DefaultOptions = Options{
	Vector:    vector.DefaultOptions,
	Codec:     codec.Default,
	TxTimeout: 30 * time.Second,
	Now:       func() time.Time { return time.Now().UTC() },
}
