package strata

import (
	"log/slog"
	"time"

	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/ingest"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/kv/sqlite"
	"github.com/hupe1980/strata/query"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/wal"
)

type options struct {
	dimension          int
	vector             vector.Options
	backend            kv.Backend // caller-owned
	sqlitePath         string
	sqliteOptions      []func(*sqlite.Options)
	walPath            string
	walOptions         []func(*wal.Options)
	txTimeout          time.Duration
	gcInterval         time.Duration
	checkpointInterval time.Duration
	resources          resource.Config
	queryOptions       []func(*query.Options)
	ingestOptions      []func(*ingest.Options)
	metricsCollector   MetricsCollector
	logger             *Logger
	now                func() time.Time
	err                error // first invalid option, reported by Open
}

// Option configures Open.
type Option func(*options)

// WithDimension sets the embedding dimension. It is required.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithFlatIndex disables the HNSW accelerator. Every search is exhaustive.
func WithFlatIndex() Option {
	return func(o *options) {
		o.vector.Index = vector.IndexFlat
	}
}

// WithHNSW configures the HNSW accelerator. Zero values keep the defaults.
//
// Example:
//
//	db, _ := strata.Open(ctx,
//	    strata.WithDimension(384),
//	    strata.WithHNSW(16, 64, 200),
//	)
func WithHNSW(m, ef, efConstruction int) Option {
	return func(o *options) {
		o.vector.Index = vector.IndexHNSW
		if m > 0 {
			o.vector.M = m
		}
		if ef > 0 {
			o.vector.EF = ef
		}
		if efConstruction > 0 {
			o.vector.EFConstruction = efConstruction
		}
	}
}

// WithSeed makes HNSW level assignment reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.vector.Seed = seed
	}
}

// WithBackend stores the persisted key spaces in b. The DB does not close
// b; the caller does after Close. It overrides WithSQLite.
func WithBackend(b kv.Backend) Option {
	return func(o *options) {
		o.backend = b
		o.sqlitePath = ""
	}
}

// WithSQLite stores the persisted key spaces in a SQLite file owned by the DB.
func WithSQLite(path string, optFns ...func(*sqlite.Options)) Option {
	return func(o *options) {
		o.sqlitePath = path
		o.sqliteOptions = optFns
		o.backend = nil
	}
}

// WithWAL enables the write-ahead log in the directory path. Without it
// commits are only as durable as the next checkpoint.
//
// Example:
//
//	db, _ := strata.Open(ctx,
//	    strata.WithDimension(384),
//	    strata.WithSQLite("./data/strata.db"),
//	    strata.WithWAL("./data/wal", func(o *wal.Options) {
//	        o.DurabilityMode = wal.DurabilitySync
//	        o.Compress = true
//	    }),
//	)
func WithWAL(path string, optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walPath = path
		o.walOptions = optFns
	}
}

// WithTxTimeout bounds the lifetime of a transaction. Zero disables it.
func WithTxTimeout(d time.Duration) Option {
	return func(o *options) {
		o.txTimeout = d
	}
}

// WithGCInterval runs garbage collection in the background. Zero disables it.
func WithGCInterval(d time.Duration) Option {
	return func(o *options) {
		o.gcInterval = d
	}
}

// WithCheckpointInterval runs checkpoints in the background. Zero disables it.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) {
		o.checkpointInterval = d
	}
}

// WithResources sets the limits for background work and query fan-out.
func WithResources(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithQueryOptions adjusts the query engine, e.g. the graph weight.
func WithQueryOptions(optFns ...func(*query.Options)) Option {
	return func(o *options) {
		o.queryOptions = append(o.queryOptions, optFns...)
	}
}

// WithIngestOptions adjusts ingestion, e.g. reference detection.
func WithIngestOptions(optFns ...func(*ingest.Options)) Option {
	return func(o *options) {
		o.ingestOptions = append(o.ingestOptions, optFns...)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &strata.BasicMetricsCollector{}
//	db, _ := strata.Open(ctx, strata.WithDimension(384), strata.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.Stats()
//	fmt.Printf("Commits: %d, Avg latency: %dns\n", stats.CommitCount, stats.CommitAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithClock replaces the source of commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		vector:           vector.DefaultOptions,
		txTimeout:        engine.DefaultOptions.TxTimeout,
		resources:        resource.DefaultConfig,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
