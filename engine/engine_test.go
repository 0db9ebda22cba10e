package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/wal"
)

const testDim = 4

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// durableMemory pretends to survive restarts so checkpoints truncate.
type durableMemory struct{ *kv.Memory }

func (durableMemory) Durable() bool { return true }

func openEngine(t *testing.T, backend kv.Backend, optFns ...func(o *Options)) *Engine {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Dimension = testDim
		o.Vector.Index = vector.IndexFlat
	}}, optFns...)
	e, err := Open(context.Background(), backend, fns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func openWAL(t *testing.T, dir string) *wal.WAL {
	t.Helper()
	w, err := wal.Open(func(o *wal.Options) {
		o.Path = dir
		o.DurabilityMode = wal.DurabilitySync
	})
	require.NoError(t, err)
	return w
}

// stageNode stages a new node with its initial version and embedding.
func stageNode(t *testing.T, tx *Tx, name string, vec []float32) *model.Node {
	t.Helper()
	n := model.NewNode(model.KindFunction, name, "func "+name+"() {}")
	n.Provenance.FilePath = "calc.go"
	vid, err := tx.AppendVersion(history.AppendRequest{EntityID: n.ID, Diff: model.InitialDiff(n.Content)})
	require.NoError(t, err)
	n.CurrentVersion = vid
	require.NoError(t, tx.CreateNode(n))
	if vec != nil {
		require.NoError(t, tx.UpsertVector(n.ID, vec))
	}
	return n
}

func commitNode(t *testing.T, e *Engine, name string, vec []float32) *model.Node {
	t.Helper()
	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	n := stageNode(t, tx, name, vec)
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)
	return n
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), kv.NewMemory())
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))

	_, err = Open(context.Background(), nil, func(o *Options) { o.Dimension = 2 })
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))
}

func TestCommitPublishesAtomically(t *testing.T) {
	e := openEngine(t, kv.NewMemory())
	before := e.Snapshot()
	defer before.Release()

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	n := stageNode(t, tx, "calculate_total", []float32{1, 0, 0, 0})
	assert.Equal(t, 3, tx.Len())

	// Staging touches nothing.
	assert.False(t, e.Graph().HasNode(latest, n.ID))

	res, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
	assert.Equal(t, uint64(1), e.Visible())
	require.Len(t, res.Versions, 1)
	assert.Equal(t, n.CurrentVersion, res.Versions[0].ID)

	got, err := e.Graph().GetNode(res.Seq, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "calculate_total", got.Name)
	assert.True(t, e.Vectors().Contains(res.Seq, n.ID))
	assert.True(t, e.History().Exists(n.CurrentVersion, n.ID))

	// The older snapshot is unaffected.
	assert.False(t, e.Graph().HasNode(before.Seq, n.ID))
	assert.False(t, e.Vectors().Contains(before.Seq, n.ID))

	st := e.Stats()
	assert.Equal(t, 1, st.Nodes)
	assert.Equal(t, 1, st.Embeddings)
	assert.Equal(t, 1, st.Versions)
	assert.Equal(t, 1, st.ActiveSnapshots)
}

func TestFailedCommitLeavesNoTrace(t *testing.T) {
	e := openEngine(t, kv.NewMemory())

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	n := stageNode(t, tx, "apply_discount", []float32{0, 1, 0, 0})
	// Dangling target fails the graph stage after the vector stage applied.
	require.NoError(t, tx.PutEdge(model.NewEdge(model.EdgeCalls, n.ID, uuid.New(), 1)))

	_, err = tx.Commit(context.Background())
	require.Error(t, err)

	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StageGraph, ce.Stage)
	assert.Equal(t, uint64(1), ce.TxID)
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))

	assert.False(t, e.Vectors().Contains(latest, n.ID))
	assert.False(t, e.Graph().HasNode(latest, n.ID))
	assert.False(t, e.History().Exists(n.CurrentVersion, n.ID))
	assert.Zero(t, e.Visible())

	// The aborted sequence is skipped.
	m := commitNode(t, e, "get_discount_rules", nil)
	assert.Equal(t, uint64(2), e.Visible())
	assert.True(t, e.Graph().HasNode(2, m.ID))
}

func TestVerifyRejectsBrokenInvariants(t *testing.T) {
	e := openEngine(t, kv.NewMemory())

	t.Run("missing current version", func(t *testing.T) {
		tx, err := e.Begin(context.Background())
		require.NoError(t, err)
		n := model.NewNode(model.KindFunction, "orphan", "x")
		n.CurrentVersion = model.NewVersionID()
		require.NoError(t, tx.PutNode(n))

		_, err = tx.Commit(context.Background())
		var ce *CommitError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, StageVerify, ce.Stage)
		assert.False(t, e.Graph().HasNode(latest, n.ID))
	})

	t.Run("embedding without owner", func(t *testing.T) {
		tx, err := e.Begin(context.Background())
		require.NoError(t, err)
		id := uuid.New()
		require.NoError(t, tx.UpsertVector(id, []float32{1, 1, 0, 0}))

		_, err = tx.Commit(context.Background())
		var ce *CommitError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, StageVerify, ce.Stage)
		assert.False(t, e.Vectors().Contains(latest, id))
	})
}

func TestStagingValidation(t *testing.T) {
	e := openEngine(t, kv.NewMemory())
	tx, err := e.Begin(context.Background())
	require.NoError(t, err)

	err = tx.UpsertVector(uuid.New(), []float32{1, 2})
	assert.Equal(t, model.KindDimensionMismatch, model.KindOf(err))

	_, err = tx.AppendVersion(history.AppendRequest{Diff: model.InitialDiff("x")})
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))

	assert.Error(t, tx.CreateBranch("", model.NewVersionID()))
	assert.Error(t, tx.CreateBranch("feature", ""))
	_, err = tx.MergeBranch(history.MergeRequest{})
	assert.Error(t, err)

	assert.Zero(t, tx.Len())
}

func TestOptimisticConflict(t *testing.T) {
	e := openEngine(t, kv.NewMemory())
	n := commitNode(t, e, "calculate_total", nil)

	reader, err := e.Begin(context.Background())
	require.NoError(t, err)
	got, err := reader.GetNode(n.ID)
	require.NoError(t, err)

	writer, err := e.Begin(context.Background())
	require.NoError(t, err)
	upd := got.Clone()
	upd.Content = "func calculate_total() { return 1 }"
	upd.Rehash()
	vid, err := writer.AppendVersion(history.AppendRequest{EntityID: n.ID, Diff: history.ContentPatch(got.Content, upd.Content)})
	require.NoError(t, err)
	upd.CurrentVersion = vid
	require.NoError(t, writer.PutNode(upd))
	_, err = writer.Commit(context.Background())
	require.NoError(t, err)

	other := model.NewNode(model.KindTest, "test_total", "t")
	require.NoError(t, reader.PutNode(other))
	_, err = reader.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)
	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StageValidate, ce.Stage)
	assert.False(t, e.Graph().HasNode(latest, other.ID))

	// A fresh snapshot succeeds.
	retry, err := e.Begin(context.Background())
	require.NoError(t, err)
	_, err = retry.GetNode(n.ID)
	require.NoError(t, err)
	_, err = retry.Commit(context.Background())
	require.NoError(t, err)
}

func TestIdentityReadConflict(t *testing.T) {
	e := openEngine(t, kv.NewMemory())
	ctx := context.Background()

	a, err := e.Begin(ctx)
	require.NoError(t, err)
	b, err := e.Begin(ctx)
	require.NoError(t, err)

	for _, tx := range []*Tx{a, b} {
		_, ok, err := tx.LookupIdentity("calc.go", "calculate_total")
		require.NoError(t, err)
		require.False(t, ok)
		stageNode(t, tx, "calculate_total", nil)
	}

	_, err = a.Commit(ctx)
	require.NoError(t, err)
	_, err = b.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrConflict)
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "identity/"+model.IdentityOf("calc.go", "calculate_total"), conflict.Key)

	found, ok, err := func() (*model.Node, bool, error) {
		tx, err := e.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback() }()
		return tx.LookupIdentity("calc.go", "calculate_total")
	}()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, e.Graph().NodeCount(e.Visible()))
	assert.Equal(t, "calculate_total", found.Name)
}

func TestTimeoutForcesRollback(t *testing.T) {
	clock := newClock()
	e := openEngine(t, kv.NewMemory(), func(o *Options) {
		o.Now = clock.Now
		o.TxTimeout = time.Second
	})

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	n := stageNode(t, tx, "slow", nil)

	clock.Advance(2 * time.Second)
	_, err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrTxTimeout)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
	assert.False(t, e.Graph().HasNode(latest, n.ID))

	// Per-transaction override.
	tx, err = e.Begin(context.Background(), func(o *TxOptions) { o.Timeout = time.Hour })
	require.NoError(t, err)
	stageNode(t, tx, "patient", nil)
	clock.Advance(2 * time.Second)
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)
}

func TestTimeoutUsesEngineClock(t *testing.T) {
	clock := newClock()
	e := openEngine(t, kv.NewMemory(), func(o *Options) {
		o.Now = clock.Now
		o.TxTimeout = 50 * time.Millisecond
	})

	// The fake clock is far behind wall time; a fresh transaction must
	// still commit.
	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	stageNode(t, tx, "fresh", nil)
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)

	// Waiting on a held commit semaphore uses up the remaining timeout.
	require.NoError(t, e.commitSem.Acquire(context.Background(), 1))
	tx, err = e.Begin(context.Background())
	require.NoError(t, err)
	n := stageNode(t, tx, "blocked", nil)
	_, err = tx.Commit(context.Background())
	e.commitSem.Release(1)
	assert.ErrorIs(t, err, ErrTxTimeout)
	assert.False(t, e.Graph().HasNode(latest, n.ID))

	// An expired Begin context expires the transaction.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	tx, err = e.Begin(ctx)
	require.NoError(t, err)
	stageNode(t, tx, "late", nil)
	<-ctx.Done()
	_, err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrTxTimeout)

	// A canceled commit context is reported as such.
	tx, err = e.Begin(context.Background())
	require.NoError(t, err)
	stageNode(t, tx, "canceled", nil)
	require.NoError(t, e.commitSem.Acquire(context.Background(), 1))
	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	_, err = tx.Commit(cctx)
	e.commitSem.Release(1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTxLifecycle(t *testing.T) {
	e := openEngine(t, kv.NewMemory())

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	stageNode(t, tx, "once", nil)
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)

	_, err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
	assert.ErrorIs(t, tx.DeleteNode(uuid.New()), ErrTxDone)

	tx, err = e.Begin(context.Background())
	require.NoError(t, err)
	n := stageNode(t, tx, "never", nil)
	require.NoError(t, tx.Rollback())
	_, err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrTxDone)
	assert.False(t, e.Graph().HasNode(latest, n.ID))

	// Empty transactions commit at the current snapshot.
	tx, err = e.Begin(context.Background())
	require.NoError(t, err)
	res, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.Visible(), res.Seq)
}

func TestDeleteNodeCascades(t *testing.T) {
	e := openEngine(t, kv.NewMemory())

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	a := stageNode(t, tx, "a", []float32{1, 0, 0, 0})
	b := stageNode(t, tx, "b", nil)
	edge := model.NewEdge(model.EdgeCalls, a.ID, b.ID, 1)
	require.NoError(t, tx.PutEdge(edge))
	_, err = tx.Commit(context.Background())
	require.NoError(t, err)

	tx, err = e.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.DeleteVector(a.ID))
	require.NoError(t, tx.DeleteNode(a.ID))
	res, err := tx.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{edge.ID}, res.RemovedEdges)
	assert.False(t, e.Graph().HasNode(res.Seq, a.ID))
	assert.False(t, e.Vectors().Contains(res.Seq, a.ID))
	_, err = e.Graph().GetEdge(res.Seq, edge.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	// History is retained.
	assert.True(t, e.History().Exists(a.CurrentVersion, a.ID))
}

func TestBranchesThroughTx(t *testing.T) {
	e := openEngine(t, kv.NewMemory())
	n := commitNode(t, e, "calculate_total", nil)

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.CreateBranch("perf", n.CurrentVersion))
	fix, err := tx.AppendVersion(history.AppendRequest{
		EntityID: n.ID,
		Branch:   "perf",
		Diff:     history.ContentPatch(n.Content, n.Content+"\n// fast"),
	})
	require.NoError(t, err)
	res, err := tx.Commit(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Branches, 1)
	assert.Equal(t, "perf", res.Branches[0].Name)

	tx, err = e.Begin(context.Background())
	require.NoError(t, err)
	mid, err := tx.MergeBranch(history.MergeRequest{Source: "perf"})
	require.NoError(t, err)
	res, err = tx.Commit(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Versions, 1)
	assert.Equal(t, mid, res.Versions[0].ID)
	assert.Equal(t, model.DiffComposite, res.Versions[0].Diff.Kind)

	st, err := e.History().ReconstructAt(res.Seq, n.ID, history.At{Version: mid})
	require.NoError(t, err)
	assert.Contains(t, st.Content, "// fast")

	b, err := e.History().GetBranch(res.Seq, "perf")
	require.NoError(t, err)
	assert.Equal(t, fix, b.Head)
	assert.Equal(t, model.MainBranch, b.MergedInto)
}

func TestConcurrentCommits(t *testing.T) {
	e := openEngine(t, kv.NewMemory())

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tx, err := e.Begin(context.Background())
				if err != nil {
					errs <- err
					return
				}
				n := model.NewNode(model.KindFunction, uuid.NewString(), "body")
				vid, err := tx.AppendVersion(history.AppendRequest{EntityID: n.ID, Diff: model.InitialDiff(n.Content)})
				if err != nil {
					errs <- err
					return
				}
				n.CurrentVersion = vid
				if err := tx.CreateNode(n); err != nil {
					errs <- err
					return
				}
				if _, err := tx.Commit(context.Background()); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(workers*perWorker), e.Visible())
	assert.Equal(t, workers*perWorker, e.Stats().Nodes)
}

func TestCommitAfterClose(t *testing.T) {
	e, err := Open(context.Background(), kv.NewMemory(), func(o *Options) { o.Dimension = testDim })
	require.NoError(t, err)

	tx, err := e.Begin(context.Background())
	require.NoError(t, err)
	stageNode(t, tx, "late", nil)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = tx.Commit(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = e.Begin(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
