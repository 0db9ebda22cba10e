package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/graph"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/vector"
)

// Engine coordinates the vector, graph and history stores.
type Engine struct {
	opts       Options
	backend    kv.Backend
	durability Durability
	codec      codec.Codec
	logger     *slog.Logger
	metrics    MetricsObserver
	rc         *resource.Controller

	vectors *vector.Store
	graph   *graph.Store
	history *history.Store

	// commitSem admits one committer at a time. It is a semaphore rather
	// than a mutex so waiting honours contexts and GC can TryAcquire.
	commitSem *semaphore.Weighted
	nextSeq   uint64 // last assigned sequence; guarded by commitSem
	broken    error  // set when a commit record could not be written; guarded by commitSem

	visible       atomic.Uint64
	checkpointSeq atomic.Uint64
	snaps         *snapshots
	ckptMu        sync.Mutex

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates the stores, loads backend and replays the WAL. The engine
// does not own backend; the caller closes it after Close.
func Open(ctx context.Context, backend kv.Backend, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, model.Constraint("open engine", "dimension must be positive, got %d", opts.Dimension)
	}
	if backend == nil {
		return nil, model.Constraint("open engine", "backend is nil")
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Durability == nil {
		opts.Durability = NoopDurability{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsObserver{}
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewController(resource.DefaultConfig)
	}
	if opts.Now == nil {
		opts.Now = DefaultOptions.Now
	}

	vectors, err := vector.New(opts.Dimension, func(o *vector.Options) { *o = opts.Vector })
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		backend:    backend,
		durability: opts.Durability,
		codec:      opts.Codec,
		logger:     opts.Logger.With("component", "engine"),
		metrics:    opts.Metrics,
		rc:         opts.Resources,
		vectors:    vectors,
		graph:      graph.New(func(o *graph.Options) { o.Codec = opts.Codec }),
		history: history.New(func(o *history.Options) {
			o.Codec = opts.Codec
			o.Now = opts.Now
		}),
		commitSem: semaphore.NewWeighted(1),
		snaps:     newSnapshots(),
		stopCh:    make(chan struct{}),
	}

	if err := e.recover(ctx); err != nil {
		return nil, err
	}

	e.startBackground()
	return e, nil
}

// Vectors returns the vector store. Callers must only read from it.
func (e *Engine) Vectors() *vector.Store { return e.vectors }

// Graph returns the graph store. Callers must only read from it.
func (e *Engine) Graph() *graph.Store { return e.graph }

// History returns the history store. Callers must only read from it.
func (e *Engine) History() *history.Store { return e.history }

// Codec returns the codec used for WAL payloads and persisted rows.
func (e *Engine) Codec() codec.Codec { return e.codec }

// Dimension returns the embedding dimension.
func (e *Engine) Dimension() int { return e.opts.Dimension }

// Backend returns the kv backend the engine checkpoints into.
func (e *Engine) Backend() kv.Backend { return e.backend }

// Visible returns the newest published commit sequence.
func (e *Engine) Visible() uint64 { return e.visible.Load() }

// CheckpointSeq returns the sequence the backend reflects.
func (e *Engine) CheckpointSeq() uint64 { return e.checkpointSeq.Load() }

// Snapshot pins the newest published sequence for reading.
func (e *Engine) Snapshot() *Snapshot { return e.snaps.acquire(&e.visible) }

func (e *Engine) now() time.Time { return e.opts.Now() }

// Stats describes the engine at the newest published sequence.
type Stats struct {
	Visible         uint64
	CheckpointSeq   uint64
	Nodes           int
	Edges           int
	Embeddings      int
	Versions        int
	Branches        int
	ActiveSnapshots int
	WALSize         int64
	Vector          vector.Stats
}

// Stats returns counters for the newest published sequence.
func (e *Engine) Stats() Stats {
	snap := e.Snapshot()
	defer snap.Release()

	return Stats{
		Visible:         snap.Seq,
		CheckpointSeq:   e.checkpointSeq.Load(),
		Nodes:           e.graph.NodeCount(snap.Seq),
		Edges:           e.graph.EdgeCount(snap.Seq),
		Embeddings:      e.vectors.Len(snap.Seq),
		Versions:        e.history.VersionCount(snap.Seq),
		Branches:        e.history.BranchCount(snap.Seq),
		ActiveSnapshots: e.snaps.count() - 1,
		WALSize:         e.durability.Size(),
		Vector:          e.vectors.Stats(),
	}
}

// Close stops background work, waits for an in-flight commit and closes
// the durability layer. It is idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.stopCh)
	e.wg.Wait()

	_ = e.commitSem.Acquire(context.Background(), 1)
	defer e.commitSem.Release(1)

	return e.durability.Close()
}
