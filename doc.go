// Package strata provides an embedded code knowledge store for Go.
//
// Strata keeps three views of a code base consistent under one transaction
// coordinator: a vector index over embeddings, a typed property graph of
// code entities and their relationships, and a diff-based version history
// with named branches. A hybrid query combines similarity search with graph
// expansion and temporal filtering.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := strata.Open(ctx,
//	    strata.WithDimension(384),
//	    strata.WithSQLite("./data/strata.db"),
//	    strata.WithWAL("./data/wal"),
//	)
//	defer db.Close()
//
//	res, _ := db.Ingest(ctx, strata.Artifact{
//	    Name:      "parse_config",
//	    Kind:      model.KindFunction,
//	    Content:   src,
//	    Embedding: embed(src),
//	})
//
//	resp, _ := db.Query(ctx, embed("where is the config parsed?"), func(r *strata.QueryRequest) {
//	    r.TopK = 5
//	    r.MaxDepth = 2
//	})
//	for _, item := range resp.Items {
//	    fmt.Println(item.Name, item.Source, item.Score)
//	}
//
// # Transactions
//
// Every write is one transaction: it stages operations against the three
// stores and commits them atomically. Commits are serialized; readers never
// block and always observe a whole commit or none of it. A transaction that
// read a node changed by a newer commit fails with ErrConflict.
//
//	tx, _ := db.Begin(ctx)
//	_ = tx.PutEdge(edge)
//	_, err := tx.Commit(ctx)
//
// # Durability
//
// WithWAL logs every commit before it becomes visible. Checkpoints write the
// committed state into the backend (in memory, SQLite, or any kv.Backend)
// and truncate the log. On Open the backend is loaded and the log replayed.
//
// # History
//
//	versions, _ := db.Versions(ctx, nodeID)
//	state, _ := db.ReconstructAt(ctx, nodeID, history.At{Version: versions[0].ID})
//	_, _ = db.CreateBranch(ctx, "refactor", versions[len(versions)-1].ID)
//
// # Backups
//
// Backup streams one consistent snapshot into a blob store (local directory,
// MinIO, S3); Restore loads the latest one into an empty backend.
//
//	m, _ := db.Backup(ctx, blobstore.NewLocalStore("./backups"))
//	_, _ = strata.Restore(ctx, store, nil, kv.NewMemory())
//
// # Observability
//
// WithLogger enables structured logging via log/slog. WithMetricsCollector
// receives commit, query, ingest, recovery, checkpoint, GC and backup
// events; observability.NewPrometheusCollector exports them to Prometheus.
//
// # Errors
//
// Errors are classified by the sentinels ErrNotFound, ErrDimensionMismatch,
// ErrConstraintViolation, ErrConflict, ErrStorageFailure and ErrCorruption.
//
//	if errors.Is(err, strata.ErrConflict) {
//	    // retry
//	}
package strata
