package query

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/graph"
	"github.com/hupe1980/strata/model"
)

// impactKinds are the dependency-style edges a change propagates along.
var impactKinds = []model.EdgeKind{model.EdgeCalls, model.EdgeContains, model.EdgeDependsOn}

// Impact returns every node that transitively depends on id through inbound
// calls, depends_on or contains edges, with its hop distance. maxDepth
// bounds the walk; zero means unbounded.
func (q *Engine) Impact(ctx context.Context, id uuid.UUID, maxDepth int) ([]Impacted, error) {
	if maxDepth < 0 {
		return nil, model.Constraint("impact", "max depth must not be negative, got %d", maxDepth)
	}
	if maxDepth == 0 {
		maxDepth = math.MaxInt32
	}

	out, err := q.inbound(ctx, id, impactKinds, maxDepth)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Impacted) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return model.CompareIDs(a.NodeID, b.NodeID)
	})
	return out, nil
}

// Coverage returns the tests directly attached to id by tests_of edges.
// Tests of tests are not followed.
func (q *Engine) Coverage(ctx context.Context, id uuid.UUID) ([]Impacted, error) {
	out, err := q.inbound(ctx, id, []model.EdgeKind{model.EdgeTestsOf}, 1)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Impacted) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return model.CompareIDs(a.NodeID, b.NodeID)
	})
	return out, nil
}

func (q *Engine) inbound(ctx context.Context, id uuid.UUID, kinds []model.EdgeKind, depth int) ([]Impacted, error) {
	snap := q.store.Snapshot()
	defer snap.Release()

	g := q.store.Graph()
	nbs, err := g.GetNeighbors(ctx, snap.Seq, id, graph.TraverseOptions{
		EdgeKinds: kinds,
		Direction: graph.Inbound,
		Depth:     depth,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Impacted, 0, len(nbs))
	for _, nb := range nbs {
		n, err := g.GetNode(snap.Seq, nb.ID)
		if err != nil {
			continue
		}
		out = append(out, Impacted{NodeID: nb.ID, Name: n.Name, Distance: nb.Depth, Path: nb.Path})
	}
	return out, nil
}
