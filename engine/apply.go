package engine

import (
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// latest reads the newest state including staged writes.
const latest = math.MaxUint64

var applyOrder = [...]Stage{StageVector, StageGraph, StageHistory}

// CommitResult describes a committed transaction.
type CommitResult struct {
	// Seq is the commit sequence. Snapshots at or above it observe the writes.
	Seq uint64

	// Versions holds the entries created by AppendVersion and MergeBranch, in
	// staging order.
	Versions []*model.VersionEntry

	// Branches holds the branches created by CreateBranch.
	Branches []*model.Branch

	// RemovedEdges lists edges deleted by DeleteNode cascades.
	RemovedEdges []uuid.UUID
}

// apply stages ops at seq in store order. In replay mode an operation whose
// effect is already present is skipped.
func (e *Engine) apply(seq uint64, ops []Op, replay bool) (*CommitResult, Stage, error) {
	res := &CommitResult{}
	for _, stage := range applyOrder {
		for i := range ops {
			if ops[i].Kind.store() != stage {
				continue
			}
			if err := e.applyOp(seq, &ops[i], replay, res); err != nil {
				return nil, stage, err
			}
		}
	}
	return res, "", nil
}

func (e *Engine) applyOp(seq uint64, op *Op, replay bool, res *CommitResult) error {
	switch op.Kind {
	case OpUpsertVector:
		return e.vectors.Upsert(seq, op.ID, op.Vector)

	case OpDeleteVector:
		e.vectors.Delete(seq, op.ID)
		return nil

	case OpPutNode:
		return e.graph.PutNode(seq, op.Node)

	case OpCreateNode:
		if replay && e.graph.HasNode(latest, op.Node.ID) {
			return e.graph.PutNode(seq, op.Node)
		}
		return e.graph.AddNode(seq, op.Node)

	case OpDeleteNode:
		removed, err := e.graph.DeleteNode(seq, op.ID)
		if replay && errors.Is(err, model.ErrNotFound) {
			return nil
		}
		res.RemovedEdges = append(res.RemovedEdges, removed...)
		return err

	case OpPutEdge:
		return e.graph.AddEdge(seq, op.Edge)

	case OpDeleteEdge:
		err := e.graph.DeleteEdge(seq, op.ID)
		if replay && errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err

	case OpAppendVersion:
		if replay && e.history.Exists(op.Version.ID, op.Version.EntityID) {
			return nil
		}
		entry, err := e.history.AppendVersion(seq, *op.Version)
		if err != nil {
			return err
		}
		res.Versions = append(res.Versions, entry)
		return nil

	case OpCreateBranch:
		if replay {
			if _, err := e.history.GetBranch(latest, op.Branch.Name); err == nil {
				return nil
			}
		}
		b, err := e.history.CreateBranch(seq, op.Branch.Name, op.Branch.Base, op.Branch.CreatedAt)
		if err != nil {
			return err
		}
		res.Branches = append(res.Branches, b)
		return nil

	case OpMergeBranch:
		if replay {
			if _, err := e.history.GetVersion(latest, op.Merge.ID); err == nil {
				return nil
			}
		}
		entry, err := e.history.MergeBranch(seq, *op.Merge)
		if err != nil {
			return err
		}
		res.Versions = append(res.Versions, entry)
		return nil

	default:
		return model.Constraint("apply", "unknown operation %s", op.Kind)
	}
}

// verify checks cross-store invariants after all ops were staged: every
// written node points at an existing version of itself and every upserted
// embedding belongs to a live node.
func (e *Engine) verify(ops []Op) error {
	for i := range ops {
		op := &ops[i]
		switch op.Kind {
		case OpPutNode, OpCreateNode:
			n := op.Node
			if n.CurrentVersion.IsZero() {
				return model.Constraint("commit", "node %s has no current version", n.ID)
			}
			if !e.history.Exists(n.CurrentVersion, n.ID) {
				return model.Constraint("commit", "current version %s of node %s does not exist", n.CurrentVersion, n.ID)
			}
		case OpUpsertVector:
			if !e.graph.HasNode(latest, op.ID) {
				return model.Constraint("commit", "embedding owner %s does not exist", op.ID)
			}
		}
	}
	return nil
}

// revert undoes everything staged at seq in reverse store order.
func (e *Engine) revert(seq uint64) {
	e.history.Revert(seq)
	e.graph.Revert(seq)
	if err := e.vectors.Revert(seq); err != nil {
		e.logger.Warn("vector index not fully restored", "seq", seq, "error", err)
	}
}

func (e *Engine) settle(seq uint64) {
	e.history.Settle(seq)
	e.graph.Settle(seq)
	e.vectors.Settle(seq)
}
