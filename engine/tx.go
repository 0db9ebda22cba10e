package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/model"
)

// TxOptions configures a transaction.
type TxOptions struct {
	// Timeout overrides Options.TxTimeout. Zero keeps the engine default.
	Timeout time.Duration
}

type readKey struct {
	edge  bool
	id    uuid.UUID
	ident string // set for identity index reads
}

func (k readKey) String() string {
	if k.ident != "" {
		return "identity/" + k.ident
	}
	if k.edge {
		return "edge/" + k.id.String()
	}
	return "node/" + k.id.String()
}

// Tx stages operations for one atomic commit. Staging never touches the
// stores; nothing is visible to anyone until Commit succeeds. A Tx is safe
// for concurrent use but is normally driven by one goroutine.
//
// The snapshot of a Tx is not pinned: a tracked read of a key that changes
// later fails validation at commit, so GC reclaiming its old version cannot
// leak into a committed result.
type Tx struct {
	e    *Engine
	snap uint64

	// deadline is on the engine clock; ctxDeadline is the wall-clock
	// deadline of the context passed to Begin.
	deadline    time.Time
	ctxDeadline time.Time

	mu    sync.Mutex
	ops   []Op
	reads map[readKey]struct{}
	done  bool
}

// Begin starts a transaction bound to the newest published sequence. The
// transaction expires after the configured timeout or at ctx's deadline,
// whichever is earlier.
func (e *Engine) Begin(ctx context.Context, optFns ...func(o *TxOptions)) (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	opts := TxOptions{Timeout: e.opts.TxTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}

	tx := &Tx{
		e:     e,
		snap:  e.visible.Load(),
		reads: make(map[readKey]struct{}),
	}
	if opts.Timeout > 0 {
		tx.deadline = e.now().Add(opts.Timeout)
	}
	if d, ok := ctx.Deadline(); ok {
		tx.ctxDeadline = d
	}
	return tx, nil
}

// Snapshot returns the sequence the transaction reads at.
func (tx *Tx) Snapshot() uint64 { return tx.snap }

// Len returns the number of staged operations.
func (tx *Tx) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

func (tx *Tx) stage(op Op) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// UpsertVector stages an embedding insert or replacement for node id.
func (tx *Tx) UpsertVector(id uuid.UUID, vec []float32) error {
	if id == uuid.Nil {
		return model.Constraint("upsert vector", "id is nil")
	}
	if err := model.CheckDimension(tx.e.opts.Dimension, vec); err != nil {
		return err
	}
	return tx.stage(Op{Kind: OpUpsertVector, ID: id, Vector: slices.Clone(vec)})
}

// DeleteVector stages the removal of the embedding of node id.
func (tx *Tx) DeleteVector(id uuid.UUID) error {
	return tx.stage(Op{Kind: OpDeleteVector, ID: id})
}

// PutNode stages a node insert or rewrite. The node's embedding field is
// ignored; stage UpsertVector for it.
func (tx *Tx) PutNode(n *model.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return tx.stage(Op{Kind: OpPutNode, Node: nodeRow(n)})
}

// CreateNode stages a node insert that fails at commit if the id exists.
func (tx *Tx) CreateNode(n *model.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return tx.stage(Op{Kind: OpCreateNode, Node: nodeRow(n)})
}

func nodeRow(n *model.Node) *model.Node {
	c := n.Clone()
	c.Embedding = nil
	return c
}

// DeleteNode stages the removal of a node and all its incident edges.
// History is retained.
func (tx *Tx) DeleteNode(id uuid.UUID) error {
	return tx.stage(Op{Kind: OpDeleteNode, ID: id})
}

// PutEdge stages an edge insert or rewrite.
func (tx *Tx) PutEdge(edge *model.Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	return tx.stage(Op{Kind: OpPutEdge, Edge: edge.Clone()})
}

// DeleteEdge stages the removal of an edge.
func (tx *Tx) DeleteEdge(id uuid.UUID) error {
	return tx.stage(Op{Kind: OpDeleteEdge, ID: id})
}

// AppendVersion stages a version entry and returns its id. The id and the
// timestamp are fixed now so that WAL replay reproduces them.
func (tx *Tx) AppendVersion(req history.AppendRequest) (model.VersionID, error) {
	if req.EntityID == uuid.Nil {
		return "", model.Constraint("append version", "entity id is nil")
	}
	if err := req.Diff.Validate(); err != nil {
		return "", err
	}
	if req.ID.IsZero() {
		req.ID = model.NewVersionID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = tx.e.now()
	}
	req.Diff = req.Diff.Clone()
	if err := tx.stage(Op{Kind: OpAppendVersion, Version: &req}); err != nil {
		return "", err
	}
	return req.ID, nil
}

// CreateBranch stages a named branch forked at base.
func (tx *Tx) CreateBranch(name string, base model.VersionID) error {
	if err := model.ValidateBranchName(name); err != nil {
		return err
	}
	if base.IsZero() {
		return model.Constraint("create branch", "base version is required")
	}
	return tx.stage(Op{Kind: OpCreateBranch, Branch: &BranchOp{Name: name, Base: base, CreatedAt: tx.e.now()}})
}

// MergeBranch stages a merge and returns the id of the merge version.
func (tx *Tx) MergeBranch(req history.MergeRequest) (model.VersionID, error) {
	if req.Source == "" {
		return "", model.Constraint("merge branch", "source branch is required")
	}
	if req.ID.IsZero() {
		req.ID = model.NewVersionID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = tx.e.now()
	}
	if req.Resolution != nil {
		if err := req.Resolution.Validate(); err != nil {
			return "", err
		}
		r := req.Resolution.Clone()
		req.Resolution = &r
	}
	if err := tx.stage(Op{Kind: OpMergeBranch, Merge: &req}); err != nil {
		return "", err
	}
	return req.ID, nil
}

// GetNode reads a node at the transaction snapshot and records the read.
// Commit fails with a conflict if the node changed after the snapshot.
func (tx *Tx) GetNode(id uuid.UUID) (*model.Node, error) {
	if err := tx.track(readKey{id: id}); err != nil {
		return nil, err
	}
	return tx.e.graph.GetNode(tx.snap, id)
}

// GetEdge reads an edge at the transaction snapshot and records the read.
func (tx *Tx) GetEdge(id uuid.UUID) (*model.Edge, error) {
	if err := tx.track(readKey{edge: true, id: id}); err != nil {
		return nil, err
	}
	return tx.e.graph.GetEdge(tx.snap, id)
}

// LookupIdentity resolves an ingestion identity at the transaction snapshot
// and records the read. Commit fails with a conflict if another commit bound
// or released the identity after the snapshot, so two transactions cannot
// both create a node for the same identity.
func (tx *Tx) LookupIdentity(filePath, name string) (*model.Node, bool, error) {
	if err := tx.track(readKey{ident: model.IdentityOf(filePath, name)}); err != nil {
		return nil, false, err
	}
	n, ok := tx.e.graph.Lookup(tx.snap, filePath, name)
	return n, ok, nil
}

func (tx *Tx) track(k readKey) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.reads[k] = struct{}{}
	return nil
}

// Rollback discards the staged operations.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.ops = nil
	tx.e.metrics.OnRollback("rollback")
	return nil
}

// Commit applies the staged operations atomically. On failure every store
// is reverted and the error is a *CommitError, except for timeouts
// (ErrTxTimeout), context errors and read conflicts detected before a
// sequence was assigned.
func (tx *Tx) Commit(ctx context.Context) (*CommitResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxDone
	}
	tx.done = true

	start := time.Now()
	res, err := tx.e.commit(ctx, tx)
	tx.e.metrics.OnCommit(len(tx.ops), time.Since(start), err)
	return res, err
}

func (e *Engine) commit(ctx context.Context, tx *Tx) (*CommitResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(tx.ops) == 0 && len(tx.reads) == 0 {
		return &CommitResult{Seq: tx.snap}, nil
	}
	if tx.expired() {
		e.metrics.OnRollback("timeout")
		return nil, ErrTxTimeout
	}
	// Bound the wait for the semaphore by the remaining timeout, measured on
	// the engine clock and converted to a wall-clock deadline.
	wait := tx.ctxDeadline
	if !tx.deadline.IsZero() {
		if d := time.Now().Add(tx.deadline.Sub(e.now())); wait.IsZero() || d.Before(wait) {
			wait = d
		}
	}
	acquireCtx := ctx
	if !wait.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(ctx, wait)
		defer cancel()
	}

	if err := e.commitSem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			e.metrics.OnRollback("canceled")
			return nil, ctx.Err()
		}
		e.metrics.OnRollback("timeout")
		return nil, ErrTxTimeout
	}
	defer e.commitSem.Release(1)

	// Waiting for the commit semaphore may have used up the timeout.
	if tx.expired() {
		e.metrics.OnRollback("timeout")
		return nil, ErrTxTimeout
	}

	if e.closed.Load() {
		return nil, ErrClosed
	}
	if e.broken != nil {
		return nil, &CommitError{Stage: StageUnavailable, Err: model.Storage("commit", e.broken)}
	}

	for k := range tx.reads {
		var head uint64
		switch {
		case k.ident != "":
			head = e.graph.IdentityHead(k.ident)
		case k.edge:
			head = e.graph.EdgeHead(k.id)
		default:
			head = e.graph.NodeHead(k.id)
		}
		if head > tx.snap {
			e.metrics.OnRollback("conflict")
			return nil, &CommitError{
				Stage: StageValidate,
				Err:   &model.ConflictError{Reason: fmt.Sprintf("modified at %d after snapshot %d", head, tx.snap), Key: k.String()},
			}
		}
	}

	if len(tx.ops) == 0 {
		return &CommitResult{Seq: e.visible.Load()}, nil
	}

	seq := e.nextSeq + 1
	e.nextSeq = seq
	log := e.logger.With("tx", seq)

	payload, err := encodeOps(e.codec, tx.ops)
	if err != nil {
		return nil, &CommitError{TxID: seq, Stage: StageEncode, Err: err}
	}
	if err := e.durability.Prepare(seq, payload); err != nil {
		log.Error("wal prepare failed", "error", err)
		return nil, &CommitError{TxID: seq, Stage: StagePrepare, Err: asStorage("wal prepare", err)}
	}

	res, stage, err := e.apply(seq, tx.ops, false)
	if err == nil {
		stage, err = StageVerify, e.verify(tx.ops)
	}
	if err != nil {
		e.revert(seq)
		if aerr := e.durability.Abort(seq); aerr != nil {
			log.Error("wal abort failed", "error", aerr)
		}
		e.metrics.OnRollback(string(stage))
		log.Debug("commit rolled back", "stage", stage, "error", err)
		return nil, &CommitError{TxID: seq, Stage: stage, Err: err}
	}

	if err := e.durability.Commit(seq); err != nil {
		// The commit record may or may not be on disk. Writing an abort
		// could contradict it, so the engine stops accepting commits.
		e.revert(seq)
		e.broken = err
		log.Error("wal commit failed, engine no longer accepts commits", "error", err)
		return nil, &CommitError{TxID: seq, Stage: StageWALCommit, Err: asStorage("wal commit", err)}
	}

	e.settle(seq)
	e.visible.Store(seq)
	res.Seq = seq

	log.Debug("committed", "ops", len(tx.ops))
	return res, nil
}

// expired reports whether the transaction timeout or the deadline of its
// Begin context has passed.
func (tx *Tx) expired() bool {
	if !tx.deadline.IsZero() && !tx.e.now().Before(tx.deadline) {
		return true
	}
	return !tx.ctxDeadline.IsZero() && !time.Now().Before(tx.ctxDeadline)
}

// asStorage classifies an unclassified error as a storage failure.
func asStorage(op string, err error) error {
	if model.KindOf(err) != model.KindUnknown {
		return err
	}
	return model.Storage(op, err)
}
