package strata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/backup"
	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/graph"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/query"
)

func openTestDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	db, err := Open(context.Background(), append([]Option{WithDimension(3), WithFlatIndex()}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func billing() []Artifact {
	fn := func(name, content string, vec []float32) Artifact {
		return Artifact{
			Name:       name,
			Kind:       model.KindFunction,
			Content:    content,
			Provenance: model.Provenance{FilePath: "billing.go"},
			Embedding:  vec,
		}
	}
	return []Artifact{
		fn("calculate_total", "func calculate_total(items []Item) int {\n\treturn apply_discount(sum(items))\n}", []float32{1, 0, 0}),
		fn("apply_discount", "func apply_discount(total int) int {\n\treturn total - get_discount_rules()\n}", []float32{0, 1, 0}),
		fn("get_discount_rules", "func get_discount_rules() int { return 0 }", []float32{0, 0, 1}),
	}
}

// seed ingests the billing fixture and returns node ids by name.
func seed(t *testing.T, db *DB) map[string]uuid.UUID {
	t.Helper()
	res, err := db.IngestBatch(context.Background(), billing())
	require.NoError(t, err)
	require.Len(t, res, 3)

	ids := make(map[string]uuid.UUID, len(res))
	for i, a := range billing() {
		require.True(t, res[i].Created)
		ids[a.Name] = res[i].NodeID
	}
	return ids
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx)
	assert.ErrorIs(t, err, ErrConstraintViolation)

	cfg := &Config{Dimension: 3}
	cfg.Storage.Backend = "sqlite"
	_, err = Open(ctx, WithConfig(cfg))
	assert.ErrorIs(t, err, ErrConstraintViolation)

	_, err = Open(ctx, WithDimension(3), WithQueryOptions(func(o *query.Options) { o.GraphWeight = -1 }))
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestIngestAndQuery(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	db := openTestDB(t, WithMetricsCollector(metrics))
	ctx := context.Background()
	ids := seed(t, db)

	resp, err := db.Query(ctx, []float32{1, 0, 0}, func(r *QueryRequest) {
		r.TopK = 1
		r.MaxDepth = 2
		r.EdgeKinds = []string{"calls"}
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 3)

	assert.Equal(t, "calculate_total", resp.Items[0].Name)
	assert.Equal(t, query.SourceVectorSearch, resp.Items[0].Source)
	assert.Equal(t, "apply_discount", resp.Items[1].Name)
	assert.Equal(t, query.SourceGraphTraversal, resp.Items[1].Source)
	assert.Equal(t, 1, resp.Items[1].Depth)
	assert.Equal(t, "get_discount_rules", resp.Items[2].Name)
	assert.Equal(t, 2, resp.Items[2].Depth)
	assert.Equal(t, ids["calculate_total"], resp.Items[2].Seed)

	stats := metrics.Stats()
	assert.EqualValues(t, 1, stats.IngestCount)
	assert.EqualValues(t, 1, stats.QueryCount)
	assert.EqualValues(t, 3, stats.QueryItems)
	assert.GreaterOrEqual(t, stats.CommitCount, int64(1))
	assert.Zero(t, stats.CommitErrors)

	_, err = db.Query(ctx, []float32{1, 0}, func(r *QueryRequest) { r.TopK = 1 })
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.EqualValues(t, 1, metrics.Stats().QueryErrors)
}

func TestIngestRejectsWrongDimension(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Ingest(context.Background(), Artifact{
		Name:      "f",
		Kind:      model.KindFunction,
		Content:   "func f() {}",
		Embedding: []float32{1, 2},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, db.Stats().Nodes)
}

func TestGraphAccess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ids := seed(t, db)

	n, err := db.GetNode(ctx, ids["apply_discount"])
	require.NoError(t, err)
	assert.Equal(t, "apply_discount", n.Name)

	_, err = db.GetNode(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	neighbors, err := db.Traverse(ctx, ids["calculate_total"], graph.TraverseOptions{
		EdgeKinds: []model.EdgeKind{model.EdgeCalls},
		Depth:     2,
	})
	require.NoError(t, err)
	assert.Len(t, neighbors, 2)

	paths, err := db.FindPaths(ctx, ids["calculate_total"], ids["get_discount_rules"], 3, graph.PathOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []uuid.UUID{ids["calculate_total"], ids["apply_discount"], ids["get_discount_rules"]}, paths[0].Nodes)

	sub, err := db.Subgraph(ctx, ids["calculate_total"], graph.TraverseOptions{Depth: 1})
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 2)
	require.Len(t, sub.Edges, 1)

	e, err := db.GetEdge(ctx, sub.Edges[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.EdgeCalls, e.Kind)
}

func TestImpactAndCoverage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ids := seed(t, db)

	_, err := db.Ingest(ctx, Artifact{
		Name:       "test_calculate_total",
		Kind:       model.KindTest,
		Content:    "func test_total() { assert(total == 3) }",
		Provenance: model.Provenance{FilePath: "billing_test.go"},
		Edges:      []EdgeSpec{{Kind: model.EdgeTestsOf, Target: ids["calculate_total"], Confidence: 1}},
	})
	require.NoError(t, err)

	impacted, err := db.Impact(ctx, ids["get_discount_rules"], 0)
	require.NoError(t, err)
	require.Len(t, impacted, 2)
	assert.Equal(t, "apply_discount", impacted[0].Name)
	assert.Equal(t, 1, impacted[0].Distance)
	assert.Equal(t, "calculate_total", impacted[1].Name)
	assert.Equal(t, 2, impacted[1].Distance)

	tests, err := db.Coverage(ctx, ids["calculate_total"])
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "test_calculate_total", tests[0].Name)
}

func TestHistoryAndBranches(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := seed(t, db)["get_discount_rules"]

	orig, err := db.GetNode(ctx, id)
	require.NoError(t, err)

	updated := "func get_discount_rules() int { return 10 }"
	v2, err := db.UpdateContent(ctx, id, updated, nil)
	require.NoError(t, err)

	versions, err := db.Versions(ctx, id)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v2, versions[1].ID)

	v, err := db.GetVersion(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, model.DiffContentChanged, v.Diff.Kind)

	old, err := db.ReconstructAt(ctx, id, history.At{Version: versions[0].ID})
	require.NoError(t, err)
	assert.Equal(t, orig.Content, old.Content)

	b, err := db.CreateBranch(ctx, "tuning", v2)
	require.NoError(t, err)
	assert.Equal(t, "tuning", b.Name)

	_, err = db.MergeBranch(ctx, history.MergeRequest{Source: "tuning"})
	assert.ErrorIs(t, err, ErrConstraintViolation)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.AppendVersion(history.AppendRequest{
		EntityID: id,
		Branch:   "tuning",
		Diff:     history.ContentPatch(updated, updated+"\n// tuned"),
	})
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	merged, err := db.MergeBranch(ctx, history.MergeRequest{Source: "tuning"})
	require.NoError(t, err)
	assert.Equal(t, model.DiffComposite, merged.Diff.Kind)

	st, err := db.ReconstructAt(ctx, id, history.At{Version: merged.ID})
	require.NoError(t, err)
	assert.Contains(t, st.Content, "// tuned")

	branches, err := db.Branches(ctx, id)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, model.MainBranch, branches[0].MergedInto)

	got, err := db.GetBranch(ctx, "tuning")
	require.NoError(t, err)
	assert.True(t, got.Merged())
}

func TestDeleteAndCloseEdge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ids := seed(t, db)

	sub, err := db.Subgraph(ctx, ids["calculate_total"], graph.TraverseOptions{Depth: 1})
	require.NoError(t, err)
	require.Len(t, sub.Edges, 1)

	until, err := db.UpdateContent(ctx, ids["calculate_total"], "func calculate_total() int { return 0 }", nil)
	require.NoError(t, err)
	require.NoError(t, db.CloseEdge(ctx, sub.Edges[0].ID, until))

	e, err := db.GetEdge(ctx, sub.Edges[0].ID)
	require.NoError(t, err)
	assert.Equal(t, until, e.Window.Until)
	assert.False(t, e.Window.Active())

	require.NoError(t, db.DeleteNode(ctx, ids["get_discount_rules"]))
	_, err = db.GetNode(ctx, ids["get_discount_rules"])
	assert.ErrorIs(t, err, ErrNotFound)

	versions, err := db.Versions(ctx, ids["get_discount_rules"])
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, 2, db.Stats().Nodes)
}

func TestRecoveryFromWAL(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	dir := t.TempDir()

	db, err := Open(ctx, WithDimension(3), WithFlatIndex(), WithBackend(backend), WithWAL(dir))
	require.NoError(t, err)
	ids := seed(t, db)
	visible := db.Stats().Visible
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	metrics := &BasicMetricsCollector{}
	db = openTestDB(t, WithBackend(backend), WithWAL(dir), WithMetricsCollector(metrics))

	assert.Equal(t, visible, db.Stats().Visible)
	assert.Positive(t, metrics.Stats().RecoveredEntries)

	n, err := db.GetNode(ctx, ids["calculate_total"])
	require.NoError(t, err)
	assert.Equal(t, "calculate_total", n.Name)
}

func TestSQLiteCheckpoint(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/strata.db"

	db, err := Open(ctx, WithDimension(3), WithFlatIndex(), WithSQLite(path))
	require.NoError(t, err)
	ids := seed(t, db)

	stats, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.Stats().Visible, stats.Seq)
	assert.Positive(t, stats.Keys)
	require.NoError(t, db.Close())

	db = openTestDB(t, WithSQLite(path))
	assert.Equal(t, stats.Seq, db.Stats().CheckpointSeq)
	assert.Equal(t, 3, db.Stats().Nodes)

	_, err = db.GetNode(ctx, ids["apply_discount"])
	require.NoError(t, err)
}

func TestGC(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := seed(t, db)["apply_discount"]

	_, err := db.UpdateContent(ctx, id, "func apply_discount(total int) int { return total }", nil)
	require.NoError(t, err)

	stats, err := db.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.Stats().Visible, stats.Horizon)
	assert.Positive(t, stats.Pruned)
}

func TestBackupAndRestore(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	db := openTestDB(t, WithMetricsCollector(metrics))
	ctx := context.Background()
	ids := seed(t, db)

	store := blobstore.NewMemoryStore()
	m, err := db.Backup(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, db.Stats().Visible, m.Seq)
	assert.Positive(t, m.Records)
	assert.EqualValues(t, m.Records, metrics.Stats().BackupRecords)

	dst := kv.NewMemory()
	restored, err := Restore(ctx, store, nil, dst)
	require.NoError(t, err)
	assert.Equal(t, m.ID, restored.ID)

	other := openTestDB(t, WithBackend(dst))
	assert.Equal(t, m.Seq, other.Stats().Visible)
	assert.Equal(t, 3, other.Stats().Nodes)

	n, err := other.GetNode(ctx, ids["calculate_total"])
	require.NoError(t, err)
	assert.Equal(t, "calculate_total", n.Name)

	_, err = Restore(ctx, store, nil, dst)
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestBackupWithCatalog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db)

	store := blobstore.NewMemoryStore()
	catalog := backup.NewBlobCatalog(blobstore.NewMemoryStore())

	m, err := db.Backup(ctx, store, WithCatalog(catalog))
	require.NoError(t, err)

	latest, err := catalog.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Name(), latest)

	// The default catalog of store was never written.
	_, err = Restore(ctx, store, nil, kv.NewMemory())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Restore(ctx, store, catalog, kv.NewMemory(), WithRestoreBatchSize(2))
	require.NoError(t, err)
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ids := seed(t, db)

	dst := kv.NewMemory()
	stats, err := db.Migrate(ctx, dst)
	require.NoError(t, err)
	assert.Positive(t, stats.Keys)
	assert.Equal(t, stats.Keys, dst.Len())

	other := openTestDB(t, WithBackend(dst))
	assert.Equal(t, db.Stats().Visible, other.Stats().Visible)
	_, err = other.GetNode(ctx, ids["get_discount_rules"])
	require.NoError(t, err)
}

func TestClosedDB(t *testing.T) {
	db, err := Open(context.Background(), WithDimension(3))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	_, err = db.Query(ctx, []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Ingest(ctx, billing()[0])
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Backup(ctx, blobstore.NewMemoryStore())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, db.Close())
}
