package strata

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/graph"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/ingest"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/kv/sqlite"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/query"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/wal"
)

type (
	// Artifact is a parsed entity ready for ingestion.
	Artifact = ingest.Artifact
	// EdgeSpec is an explicit outbound edge of an artifact.
	EdgeSpec = ingest.EdgeSpec
	// IngestResult describes one ingested artifact.
	IngestResult = ingest.Result

	// QueryRequest is a hybrid query.
	QueryRequest = query.Request
	// QueryResponse holds the ranked items of a query.
	QueryResponse = query.Response
	// Impacted is a node reached by impact or coverage analysis.
	Impacted = query.Impacted

	// Stats describes the store at the newest committed sequence.
	Stats = engine.Stats
)

// DB is a code knowledge store: a vector index, a property graph and a
// version history kept consistent by one transaction coordinator.
//
// DB is safe for concurrent use.
type DB struct {
	engine   *engine.Engine
	query    *query.Engine
	ingester *ingest.Ingester

	backend     kv.Backend
	ownsBackend bool
	rc          *resource.Controller
	logger      *Logger
	metrics     MetricsCollector

	closed atomic.Bool
}

// Open opens a DB. Without WithBackend or WithSQLite the persisted key
// spaces live in memory; without WithWAL commits are not logged. On open
// the backend is loaded and the WAL replayed; a corrupt log fails Open.
func Open(ctx context.Context, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, o.err
	}
	if o.dimension <= 0 {
		return nil, model.Constraint("open", "dimension must be positive, got %d", o.dimension)
	}

	db := &DB{
		rc:      resource.NewController(o.resources),
		logger:  o.logger,
		metrics: o.metricsCollector,
	}

	switch {
	case o.backend != nil:
		db.backend = o.backend
	case o.sqlitePath != "":
		b, err := sqlite.Open(ctx, o.sqlitePath, o.sqliteOptions...)
		if err != nil {
			return nil, err
		}
		db.backend, db.ownsBackend = b, true
	default:
		db.backend, db.ownsBackend = kv.NewMemory(), true
	}

	var w *wal.WAL
	if o.walPath != "" {
		fns := append([]func(*wal.Options){func(wo *wal.Options) {
			wo.Path = o.walPath
			wo.Logger = o.logger.WithComponent("wal").Logger
		}}, o.walOptions...)

		var err error
		if w, err = wal.Open(fns...); err != nil {
			db.closeBackend()
			return nil, err
		}
	}

	e, err := engine.Open(ctx, db.backend, func(eo *engine.Options) {
		eo.Dimension = o.dimension
		eo.Vector = o.vector
		if w != nil {
			eo.Durability = w
			eo.Codec = w.Codec()
		}
		eo.TxTimeout = o.txTimeout
		eo.GCInterval = o.gcInterval
		eo.CheckpointInterval = o.checkpointInterval
		eo.Resources = db.rc
		eo.Logger = o.logger.Logger
		eo.Metrics = engineMetrics{c: o.metricsCollector}
		if o.now != nil {
			eo.Now = o.now
		}
	})
	db.logger.LogRecovery(ctx, visible(e), err)
	if err != nil {
		if w != nil {
			_ = w.Close()
		}
		db.closeBackend()
		return nil, err
	}
	db.engine = e

	qe, err := query.New(e, append([]func(*query.Options){func(qo *query.Options) {
		qo.Resources = db.rc
		qo.Logger = o.logger.Logger
	}}, o.queryOptions...)...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	db.query = qe

	db.ingester = ingest.New(e, append([]func(*ingest.Options){func(in *ingest.Options) {
		in.Logger = o.logger.Logger
		if o.now != nil {
			in.Now = o.now
		}
	}}, o.ingestOptions...)...)

	return db, nil
}

func visible(e *engine.Engine) uint64 {
	if e == nil {
		return 0
	}
	return e.Visible()
}

// Close stops background work and closes the WAL and, when the DB opened
// it, the backend. It is idempotent.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := db.engine.Close()
	if db.ownsBackend {
		err = errors.Join(err, db.backend.Close())
	}
	return err
}

func (db *DB) closeBackend() {
	if db.ownsBackend {
		_ = db.backend.Close()
	}
}

func (db *DB) check(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Engine returns the transaction coordinator for callers that stage their
// own transactions.
func (db *DB) Engine() *engine.Engine { return db.engine }

// Begin starts a transaction on the newest committed snapshot.
func (db *DB) Begin(ctx context.Context, optFns ...func(o *engine.TxOptions)) (*engine.Tx, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	return db.engine.Begin(ctx, optFns...)
}

// Ingest stores one artifact. An artifact matching a live node by file
// path and name updates that node instead of creating a new one.
func (db *DB) Ingest(ctx context.Context, a Artifact) (*IngestResult, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := db.ingester.Ingest(ctx, a)
	db.metrics.RecordIngest(time.Since(start), err)

	created := 0
	if res != nil && res.Created {
		created = 1
	}
	db.logger.LogIngest(ctx, 1, created, err)
	return res, err
}

// IngestBatch stores many artifacts in one atomic transaction.
func (db *DB) IngestBatch(ctx context.Context, artifacts []Artifact) ([]IngestResult, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := db.ingester.IngestBatch(ctx, artifacts)
	db.metrics.RecordIngest(time.Since(start), err)

	created := 0
	for _, r := range res {
		if r.Created {
			created++
		}
	}
	db.logger.LogIngest(ctx, len(artifacts), created, err)
	return res, err
}

// UpdateContent records new content for a node and returns the new version.
func (db *DB) UpdateContent(ctx context.Context, id uuid.UUID, content string, meta map[string]string) (model.VersionID, error) {
	if err := db.check(ctx); err != nil {
		return "", err
	}
	return db.ingester.UpdateContent(ctx, id, content, meta)
}

// DeleteNode removes a node, its incident edges and its embedding. Its
// history is retained.
func (db *DB) DeleteNode(ctx context.Context, id uuid.UUID) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	return db.ingester.DeleteNode(ctx, id)
}

// CloseEdge ends the validity window of an edge at until.
func (db *DB) CloseEdge(ctx context.Context, id uuid.UUID, until model.VersionID) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	return db.ingester.CloseEdge(ctx, id, until)
}

// Query runs a similarity query expanded through the graph.
//
// Example:
//
//	resp, err := db.Query(ctx, embedding, func(r *strata.QueryRequest) {
//	    r.TopK = 5
//	    r.MaxDepth = 2
//	    r.EdgeKinds = []string{"calls", "imports"}
//	})
func (db *DB) Query(ctx context.Context, embedding []float32, optFns ...func(r *QueryRequest)) (*QueryResponse, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := db.query.Query(ctx, embedding, optFns...)
	db.observeQuery(ctx, resp, time.Since(start), err)
	return resp, err
}

// Execute runs a fully specified query.
func (db *DB) Execute(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := db.query.Execute(ctx, req)
	db.observeQuery(ctx, resp, time.Since(start), err)
	return resp, err
}

func (db *DB) observeQuery(ctx context.Context, resp *QueryResponse, d time.Duration, err error) {
	items := 0
	var degraded []string
	if resp != nil {
		items = len(resp.Items)
		degraded = slices.Sorted(maps.Keys(resp.Metadata.Degraded))
	}
	db.metrics.RecordQuery(items, d, err)
	db.logger.LogQuery(ctx, items, degraded, d, err)
}

// Impact returns every node that transitively depends on id, up to maxDepth hops.
func (db *DB) Impact(ctx context.Context, id uuid.UUID, maxDepth int) ([]Impacted, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	return db.query.Impact(ctx, id, maxDepth)
}

// Coverage returns the tests that directly exercise id.
func (db *DB) Coverage(ctx context.Context, id uuid.UUID) ([]Impacted, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	return db.query.Coverage(ctx, id)
}

// GetNode returns the node id at the newest committed snapshot.
func (db *DB) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.Graph().GetNode(snap.Seq, id)
}

// GetEdge returns the edge id at the newest committed snapshot.
func (db *DB) GetEdge(ctx context.Context, id uuid.UUID) (*model.Edge, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.Graph().GetEdge(snap.Seq, id)
}

// Traverse returns the nodes reachable from start.
func (db *DB) Traverse(ctx context.Context, start uuid.UUID, opts graph.TraverseOptions) ([]graph.Neighbor, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.Graph().GetNeighbors(ctx, snap.Seq, start, opts)
}

// FindPaths returns simple outbound paths from one node to another.
func (db *DB) FindPaths(ctx context.Context, from, to uuid.UUID, maxDepth int, opts graph.PathOptions) ([]graph.Path, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.Graph().FindPaths(ctx, snap.Seq, from, to, maxDepth, opts)
}

// Subgraph returns the nodes and edges around root.
func (db *DB) Subgraph(ctx context.Context, root uuid.UUID, opts graph.TraverseOptions) (*graph.Subgraph, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.Graph().Subgraph(ctx, snap.Seq, root, opts)
}

// Versions lists the version chain of an entity, oldest first.
func (db *DB) Versions(ctx context.Context, entity uuid.UUID) ([]*model.VersionEntry, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.History().ListVersions(snap.Seq, entity)
}

// GetVersion returns one version entry.
func (db *DB) GetVersion(ctx context.Context, id model.VersionID) (*model.VersionEntry, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.History().GetVersion(snap.Seq, id)
}

// ReconstructAt rebuilds the content of entity at a version or point in time.
func (db *DB) ReconstructAt(ctx context.Context, entity uuid.UUID, at history.At) (*history.State, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.History().ReconstructAt(snap.Seq, entity, at)
}

// CreateBranch forks a named branch at base.
func (db *DB) CreateBranch(ctx context.Context, name string, base model.VersionID) (*model.Branch, error) {
	var branch *model.Branch
	err := db.update(ctx, func(tx *engine.Tx) error {
		return tx.CreateBranch(name, base)
	}, func(res *engine.CommitResult) {
		branch = res.Branches[0]
	})
	return branch, err
}

// MergeBranch merges a branch into its target and returns the merge version.
// Overlapping changes on both sides fail with a conflict unless
// req.Resolution supplies the merged diff.
func (db *DB) MergeBranch(ctx context.Context, req history.MergeRequest) (*model.VersionEntry, error) {
	var entry *model.VersionEntry
	err := db.update(ctx, func(tx *engine.Tx) error {
		_, err := tx.MergeBranch(req)
		return err
	}, func(res *engine.CommitResult) {
		entry = res.Versions[0]
	})
	return entry, err
}

// Branches lists the named branches of an entity, sorted by name.
func (db *DB) Branches(ctx context.Context, entity uuid.UUID) ([]*model.Branch, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.History().ListBranches(snap.Seq, entity), nil
}

// GetBranch returns a branch by name.
func (db *DB) GetBranch(ctx context.Context, name string) (*model.Branch, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	snap := db.engine.Snapshot()
	defer snap.Release()
	return db.engine.History().GetBranch(snap.Seq, name)
}

// update runs stage in a new transaction and commits it.
func (db *DB) update(ctx context.Context, stage func(tx *engine.Tx) error, done func(res *engine.CommitResult)) error {
	if err := db.check(ctx); err != nil {
		return err
	}
	tx, err := db.engine.Begin(ctx)
	if err != nil {
		return err
	}
	if err := stage(tx); err != nil {
		_ = tx.Rollback()
		db.logger.LogRollback(ctx, err.Error())
		return err
	}

	ops := tx.Len()
	res, err := tx.Commit(ctx)
	if err != nil {
		db.logger.LogCommit(ctx, 0, ops, err)
		return err
	}
	db.logger.WithTx(res.Seq).LogCommit(ctx, res.Seq, ops, nil)
	done(res)
	return nil
}

// Checkpoint persists every committed change into the backend and, with a
// durable backend, truncates the WAL.
func (db *DB) Checkpoint(ctx context.Context) (engine.CheckpointStats, error) {
	if err := db.check(ctx); err != nil {
		return engine.CheckpointStats{}, err
	}
	stats, err := db.engine.Checkpoint(ctx)
	db.logger.LogCheckpoint(ctx, stats.Seq, stats.Keys, err)
	return stats, err
}

// GC drops versions no open snapshot can observe.
func (db *DB) GC(ctx context.Context) (engine.GCStats, error) {
	if err := db.check(ctx); err != nil {
		return engine.GCStats{}, err
	}
	stats, err := db.engine.GC(ctx)
	db.logger.LogGC(ctx, stats.Horizon, stats.Pruned+stats.Swept, err)
	return stats, err
}

// Stats returns counters for the newest committed sequence.
func (db *DB) Stats() Stats {
	return db.engine.Stats()
}

// Migrate copies the newest committed state into dst. A DB opened on dst
// afterwards serves the same data.
func (db *DB) Migrate(ctx context.Context, dst kv.Backend, optFns ...func(o *kv.MigrateOptions)) (kv.MigrationStats, error) {
	if err := db.check(ctx); err != nil {
		return kv.MigrationStats{}, err
	}
	return kv.Migrate(ctx, snapshotScanner{db.engine}, dst, optFns...)
}

// snapshotScanner scans the persisted layout of one engine snapshot.
type snapshotScanner struct {
	e *engine.Engine
}

func (s snapshotScanner) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	_, err := s.e.Export(ctx, func(key, value []byte) error {
		if !bytes.HasPrefix(key, prefix) {
			return nil
		}
		return fn(key, value)
	})
	return err
}
