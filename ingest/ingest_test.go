package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/vector"
)

func newIngester(t *testing.T, optFns ...func(o *Options)) (*engine.Engine, *Ingester) {
	t.Helper()
	e, err := engine.Open(context.Background(), kv.NewMemory(), func(o *engine.Options) {
		o.Dimension = 3
		o.Vector.Index = vector.IndexFlat
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, New(e, optFns...)
}

func fn(name, content string) Artifact {
	return Artifact{
		Name:       name,
		Kind:       model.KindFunction,
		Content:    content,
		Provenance: model.Provenance{FilePath: "billing.go"},
	}
}

func outbound(e *engine.Engine, id uuid.UUID, kind model.EdgeKind) []*model.Edge {
	return e.Graph().EdgesOf(e.Visible(), id, kind, true)
}

func TestIngestCreatesNode(t *testing.T) {
	e, in := newIngester(t)

	a := fn("calculate_total", "func calculate_total() {}")
	a.Embedding = []float32{1, 2, 2}
	a.Author = "alice"
	res, err := in.Ingest(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Unchanged)

	snap := e.Visible()
	n, err := e.Graph().GetNode(snap, res.NodeID)
	require.NoError(t, err)
	assert.Equal(t, res.VersionID, n.CurrentVersion)
	assert.Equal(t, model.HashContent(a.Content), n.ContentHash)

	v, err := e.History().GetVersion(snap, res.VersionID)
	require.NoError(t, err)
	assert.Equal(t, model.DiffInitial, v.Diff.Kind)
	assert.Equal(t, "alice", v.Author)

	vec, ok := e.Vectors().Get(snap, res.NodeID)
	require.True(t, ok)
	assert.InDelta(t, 1.0/3, vec[0], 1e-6)
}

func TestIngestDeduplicatesByContentHash(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	first, err := in.Ingest(ctx, fn("calculate_total", "func calculate_total() {}"))
	require.NoError(t, err)
	seq := e.Visible()

	again, err := in.Ingest(ctx, fn("calculate_total", "func calculate_total() {}"))
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, first.NodeID, again.NodeID)
	assert.Equal(t, first.VersionID, again.VersionID)
	assert.Equal(t, seq, e.Visible())
}

func TestConcurrentCreateOfSameIdentity(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	first, err := e.Begin(ctx)
	require.NoError(t, err)
	second, err := e.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Snapshot(), second.Snapshot())

	_, err = in.stageBatch(first, []Artifact{fn("calculate_total", "func calculate_total() int { return 1 }")})
	require.NoError(t, err)
	_, err = in.stageBatch(second, []Artifact{fn("calculate_total", "func calculate_total() int { return 2 }")})
	require.NoError(t, err)

	_, err = first.Commit(ctx)
	require.NoError(t, err)
	_, err = second.Commit(ctx)
	require.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, 1, e.Graph().NodeCount(e.Visible()))

	// The retried ingest finds the committed node and updates it.
	res, err := in.Ingest(ctx, fn("calculate_total", "func calculate_total() int { return 2 }"))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, e.Graph().NodeCount(e.Visible()))
}

func TestIngestUpdatesChangedContent(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	v1 := "func calculate_total() {\n\treturn 0\n}"
	v2 := "func calculate_total() {\n\treturn sum(items)\n}"

	first, err := in.Ingest(ctx, fn("calculate_total", v1))
	require.NoError(t, err)
	second, err := in.Ingest(ctx, fn("calculate_total", v2))
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.NodeID, second.NodeID)
	assert.NotEqual(t, first.VersionID, second.VersionID)

	snap := e.Visible()
	versions, err := e.History().ListVersions(snap, first.NodeID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, first.VersionID, versions[1].Parent)
	assert.Equal(t, model.DiffContentChanged, versions[1].Diff.Kind)

	old, err := e.History().ReconstructAt(snap, first.NodeID, history.At{Version: first.VersionID})
	require.NoError(t, err)
	assert.Equal(t, v1, old.Content)
	cur, err := e.History().ReconstructAt(snap, first.NodeID, history.At{})
	require.NoError(t, err)
	assert.Equal(t, v2, cur.Content)

	n, err := e.Graph().GetNode(snap, first.NodeID)
	require.NoError(t, err)
	assert.Equal(t, v2, n.Content)
	assert.Equal(t, second.VersionID, n.CurrentVersion)
}

func TestDetectReferences(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	mod := Artifact{
		Name:       "billing",
		Kind:       model.KindModule,
		Content:    "package billing",
		Provenance: model.Provenance{FilePath: "billing.go"},
	}
	res, err := in.IngestBatch(ctx, []Artifact{
		mod,
		fn("calculate_total", "func calculate_total(items []Item) int {\n\treturn apply_discount(sum(items))\n}"),
		fn("apply_discount", "func apply_discount(total int) int {\n\trules := get_discount_rules()\n\treturn total - rules\n}"),
		fn("get_discount_rules", "func get_discount_rules() int { return 0 }"),
	})
	require.NoError(t, err)
	require.Len(t, res, 4)

	billing, calc, apply, rules := res[0].NodeID, res[1].NodeID, res[2].NodeID, res[3].NodeID

	calls := outbound(e, calc, model.EdgeCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, apply, calls[0].Target)
	assert.InDelta(t, 0.8, calls[0].Confidence, 1e-9)
	assert.Equal(t, "content_scan", calls[0].Metadata[DetectionKey])

	calls = outbound(e, apply, model.EdgeCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, rules, calls[0].Target)

	assert.Empty(t, outbound(e, rules, model.EdgeCalls))
	assert.Len(t, outbound(e, billing, model.EdgeContains), 3)

	assert.Equal(t, 2, res[1].EdgesCreated) // calls + contains
	assert.Equal(t, 1, res[3].EdgesCreated) // contains

	// A later importer links to the known module.
	imp, err := in.Ingest(ctx, Artifact{
		Name:       "checkout",
		Kind:       model.KindFunction,
		Content:    "import billing\n\nfunc checkout() { calculate_total(cart) }",
		Provenance: model.Provenance{FilePath: "checkout.go"},
	})
	require.NoError(t, err)
	imports := outbound(e, imp.NodeID, model.EdgeImports)
	require.Len(t, imports, 1)
	assert.Equal(t, billing, imports[0].Target)
	require.Len(t, outbound(e, imp.NodeID, model.EdgeCalls), 1)

	// Re-ingesting changed content does not duplicate existing edges.
	_, err = in.Ingest(ctx, fn("calculate_total", "func calculate_total(items []Item) int {\n\treturn apply_discount(sum(items)) + 1\n}"))
	require.NoError(t, err)
	assert.Len(t, outbound(e, calc, model.EdgeCalls), 1)
	assert.Len(t, outbound(e, billing, model.EdgeContains), 3)
}

func TestDetectionDisabled(t *testing.T) {
	e, in := newIngester(t, func(o *Options) { o.DetectReferences = false })

	res, err := in.IngestBatch(context.Background(), []Artifact{
		fn("calculate_total", "func calculate_total() { apply_discount() }"),
		fn("apply_discount", "func apply_discount() {}"),
	})
	require.NoError(t, err)
	assert.Zero(t, res[0].EdgesCreated)
	assert.Empty(t, outbound(e, res[0].NodeID, model.EdgeCalls))
}

func TestExplicitEdges(t *testing.T) {
	e, in := newIngester(t, func(o *Options) { o.DetectReferences = false })
	ctx := context.Background()

	target, err := in.Ingest(ctx, fn("calculate_total", "x"))
	require.NoError(t, err)

	test := Artifact{
		Name:    "test_calculate_total",
		Kind:    model.KindTest,
		Content: "t",
		Edges:   []EdgeSpec{{Kind: model.EdgeTestsOf, Target: target.NodeID, Confidence: 1}},
	}
	res, err := in.Ingest(ctx, test)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesCreated)

	edges := outbound(e, res.NodeID, model.EdgeTestsOf)
	require.Len(t, edges, 1)
	assert.Equal(t, res.VersionID, edges[0].Window.Since)

	test.Name = "test_missing"
	test.Edges[0].Target = uuid.New()
	_, err = in.Ingest(ctx, test)
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))
}

func TestIngestBatchIsAtomic(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	bad := fn("apply_discount", "y")
	bad.Embedding = []float32{1, 2}

	_, err := in.IngestBatch(ctx, []Artifact{fn("calculate_total", "x"), bad})
	assert.Equal(t, model.KindDimensionMismatch, model.KindOf(err))
	assert.Zero(t, e.Stats().Nodes)
	assert.Zero(t, e.Visible())

	_, err = in.IngestBatch(ctx, []Artifact{fn("calculate_total", "x"), fn("calculate_total", "y")})
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))

	_, err = in.Ingest(ctx, Artifact{Kind: model.KindFunction})
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))
}

func TestUpdateContent(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	res, err := in.Ingest(ctx, fn("calculate_total", "a\nb"))
	require.NoError(t, err)

	vid, err := in.UpdateContent(ctx, res.NodeID, "a\nc", map[string]string{"owner": "billing-team"})
	require.NoError(t, err)

	snap := e.Visible()
	v, err := e.History().GetVersion(snap, vid)
	require.NoError(t, err)
	assert.Equal(t, model.DiffComposite, v.Diff.Kind)

	st, err := e.History().ReconstructAt(snap, res.NodeID, history.At{Version: vid})
	require.NoError(t, err)
	assert.Equal(t, "a\nc", st.Content)
	assert.Equal(t, "billing-team", st.Metadata["owner"])

	_, err = in.UpdateContent(ctx, res.NodeID, "a\nc", nil)
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))
	_, err = in.UpdateContent(ctx, uuid.New(), "z", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteNode(t *testing.T) {
	e, in := newIngester(t)
	ctx := context.Background()

	res, err := in.IngestBatch(ctx, []Artifact{
		{Name: "calculate_total", Kind: model.KindFunction, Content: "apply_discount()", Embedding: []float32{0, 0, 1}},
		{Name: "apply_discount", Kind: model.KindFunction, Content: "z"},
	})
	require.NoError(t, err)
	calc := res[0].NodeID

	require.NoError(t, in.DeleteNode(ctx, calc))

	snap := e.Visible()
	assert.False(t, e.Graph().HasNode(snap, calc))
	assert.False(t, e.Vectors().Contains(snap, calc))
	assert.Zero(t, e.Stats().Edges)
	assert.True(t, e.History().Exists(res[0].VersionID, calc))

	assert.ErrorIs(t, in.DeleteNode(ctx, calc), model.ErrNotFound)
}

func TestCloseEdge(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	e, in := newIngester(t, func(o *Options) {
		o.Now = func() time.Time { now = now.Add(time.Minute); return now }
	})
	ctx := context.Background()

	res, err := in.IngestBatch(ctx, []Artifact{
		fn("calculate_total", "apply_discount()"),
		fn("apply_discount", "z"),
	})
	require.NoError(t, err)
	edge := outbound(e, res[0].NodeID, model.EdgeCalls)[0]

	until, err := in.UpdateContent(ctx, res[0].NodeID, "inline()", nil)
	require.NoError(t, err)
	require.NoError(t, in.CloseEdge(ctx, edge.ID, until))

	closed, err := e.Graph().GetEdge(e.Visible(), edge.ID)
	require.NoError(t, err)
	assert.Equal(t, until, closed.Window.Until)
	assert.False(t, closed.Window.Active())
	assert.True(t, closed.Window.LiveAt(closed.Window.SinceTime))
	assert.False(t, closed.Window.LiveAt(closed.Window.UntilTime))

	assert.Equal(t, model.KindConstraintViolation, model.KindOf(in.CloseEdge(ctx, edge.ID, until)))
	assert.ErrorIs(t, in.CloseEdge(ctx, uuid.New(), until), model.ErrNotFound)
}
