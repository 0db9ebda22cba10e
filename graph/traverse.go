package graph

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// Direction selects which edges a traversal follows.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
	Both
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}

// ParseDirection parses "outbound", "inbound" or "both". The empty string
// is outbound.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "outbound", "out":
		return Outbound, nil
	case "inbound", "in":
		return Inbound, nil
	case "both":
		return Both, nil
	default:
		return 0, model.Constraint("parse direction", "unknown direction %q", s)
	}
}

// TraverseOptions controls GetNeighbors and Subgraph.
type TraverseOptions struct {
	// EdgeKinds restricts the followed kinds. Empty follows every kind.
	EdgeKinds []model.EdgeKind

	Direction Direction

	// Depth is the maximum number of hops. It must be positive.
	Depth int

	// MinConfidence skips edges below this confidence.
	MinConfidence float64

	// At, if set, only follows edges live at that time.
	At *time.Time
}

// Neighbor is a node reached by a traversal.
type Neighbor struct {
	ID uuid.UUID

	// Depth is the minimum hop count from the start node.
	Depth int

	// Path is the edge kinds of the first shortest path that reached ID.
	Path []model.EdgeKind

	// Parent is the node ID was discovered from.
	Parent uuid.UUID
}

func normalizeKinds(kinds []model.EdgeKind) ([]model.EdgeKind, error) {
	if len(kinds) == 0 {
		return model.AllEdgeKinds, nil
	}
	out := slices.Clone(kinds)
	for _, k := range out {
		if !k.Valid() {
			return nil, model.Constraint("traverse", "unknown edge kind %d", k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (s *Store) follows(e *model.Edge, opts *TraverseOptions) bool {
	if e.Confidence < opts.MinConfidence {
		return false
	}
	return opts.At == nil || e.Window.LiveAt(*opts.At)
}

// GetNeighbors returns every node reachable from start within opts.Depth
// hops at snap, in breadth-first discovery order. The start node is not
// included.
func (s *Store) GetNeighbors(ctx context.Context, snap uint64, start uuid.UUID, opts TraverseOptions) ([]Neighbor, error) {
	if opts.Depth <= 0 {
		return nil, model.Constraint("get neighbors", "depth must be positive, got %d", opts.Depth)
	}
	kinds, err := normalizeKinds(opts.EdgeKinds)
	if err != nil {
		return nil, err
	}
	if !s.HasNode(snap, start) {
		return nil, model.NotFound("node", start)
	}

	visited := map[uuid.UUID]struct{}{start: {}}
	frontier := []Neighbor{{ID: start}}
	var result []Neighbor

	for depth := 1; depth <= opts.Depth && len(frontier) > 0; depth++ {
		var next []Neighbor
		for _, from := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, kind := range kinds {
				for _, out := range directions(opts.Direction) {
					for _, e := range s.EdgesOf(snap, from.ID, kind, out) {
						if !s.follows(e, &opts) {
							continue
						}
						other := e.Target
						if !out {
							other = e.Source
						}
						if _, seen := visited[other]; seen {
							continue
						}
						if !s.HasNode(snap, other) {
							continue
						}
						visited[other] = struct{}{}

						path := make([]model.EdgeKind, len(from.Path), len(from.Path)+1)
						copy(path, from.Path)
						nb := Neighbor{ID: other, Depth: depth, Path: append(path, kind), Parent: from.ID}
						result = append(result, nb)
						next = append(next, nb)
					}
				}
			}
		}
		frontier = next
	}

	return result, nil
}

func directions(d Direction) []bool {
	switch d {
	case Inbound:
		return []bool{false}
	case Both:
		return []bool{true, false}
	default:
		return []bool{true}
	}
}

// Path is one simple path between two nodes.
type Path struct {
	Nodes []uuid.UUID
	Edges []uuid.UUID
	Kinds []model.EdgeKind
}

// Len returns the number of hops.
func (p Path) Len() int { return len(p.Edges) }

// PathOptions controls FindPaths.
type PathOptions struct {
	EdgeKinds []model.EdgeKind

	// MaxPaths caps the number of returned paths.
	MaxPaths int

	At *time.Time
}

// DefaultMaxPaths is used when PathOptions.MaxPaths is zero.
const DefaultMaxPaths = 64

// FindPaths returns simple outbound paths from one node to another of at
// most maxDepth hops, shortest first.
func (s *Store) FindPaths(ctx context.Context, snap uint64, from, to uuid.UUID, maxDepth int, opts PathOptions) ([]Path, error) {
	if maxDepth <= 0 {
		return nil, model.Constraint("find paths", "max depth must be positive, got %d", maxDepth)
	}
	kinds, err := normalizeKinds(opts.EdgeKinds)
	if err != nil {
		return nil, err
	}
	for _, id := range []uuid.UUID{from, to} {
		if !s.HasNode(snap, id) {
			return nil, model.NotFound("node", id)
		}
	}
	limit := opts.MaxPaths
	if limit <= 0 {
		limit = DefaultMaxPaths
	}
	if from == to {
		return []Path{{Nodes: []uuid.UUID{from}}}, nil
	}

	topts := TraverseOptions{At: opts.At}
	queue := []Path{{Nodes: []uuid.UUID{from}}}
	var found []Path

	for len(queue) > 0 && len(found) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := queue[0]
		queue = queue[1:]
		if p.Len() >= maxDepth {
			continue
		}
		last := p.Nodes[len(p.Nodes)-1]
		for _, kind := range kinds {
			for _, e := range s.EdgesOf(snap, last, kind, true) {
				if !s.follows(e, &topts) || slices.Contains(p.Nodes, e.Target) || !s.HasNode(snap, e.Target) {
					continue
				}
				np := Path{
					Nodes: append(slices.Clone(p.Nodes), e.Target),
					Edges: append(slices.Clone(p.Edges), e.ID),
					Kinds: append(slices.Clone(p.Kinds), kind),
				}
				if e.Target == to {
					found = append(found, np)
					if len(found) == limit {
						return found, nil
					}
					continue
				}
				queue = append(queue, np)
			}
		}
	}

	return found, nil
}

// SubgraphNode is a node of a Subgraph with its hop distance from the root.
type SubgraphNode struct {
	Node  *model.Node
	Depth int
}

// Subgraph is the neighbourhood of a root node.
type Subgraph struct {
	Nodes []SubgraphNode
	Edges []*model.Edge
}

// Subgraph returns the nodes within opts.Depth hops of root in either
// direction and every followed edge among them. opts.Direction is ignored.
func (s *Store) Subgraph(ctx context.Context, snap uint64, root uuid.UUID, opts TraverseOptions) (*Subgraph, error) {
	opts.Direction = Both
	neighbors, err := s.GetNeighbors(ctx, snap, root, opts)
	if err != nil {
		return nil, err
	}
	kinds, _ := normalizeKinds(opts.EdgeKinds)

	depth := make(map[uuid.UUID]int, len(neighbors)+1)
	depth[root] = 0
	for _, nb := range neighbors {
		depth[nb.ID] = nb.Depth
	}

	sg := &Subgraph{}
	for id, d := range depth {
		n, err := s.GetNode(snap, id)
		if err != nil {
			continue
		}
		sg.Nodes = append(sg.Nodes, SubgraphNode{Node: n, Depth: d})
		for _, kind := range kinds {
			for _, e := range s.EdgesOf(snap, id, kind, true) {
				if _, ok := depth[e.Target]; ok && s.follows(e, &opts) {
					sg.Edges = append(sg.Edges, e.Clone())
				}
			}
		}
	}

	slices.SortFunc(sg.Nodes, func(a, b SubgraphNode) int {
		if a.Depth != b.Depth {
			return a.Depth - b.Depth
		}
		return model.CompareIDs(a.Node.ID, b.Node.ID)
	})
	slices.SortFunc(sg.Edges, func(a, b *model.Edge) int { return model.CompareIDs(a.ID, b.ID) })
	return sg, nil
}
