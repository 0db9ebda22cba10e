package hnsw

import (
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/model"
)

// DistanceFunc returns the distance between two vectors. Lower is closer.
type DistanceFunc func(v1, v2 []float32) float32

// CosineDistance is 1 - dot for L2-normalized vectors.
func CosineDistance(v1, v2 []float32) float32 {
	return 1 - distance.Dot(v1, v2)
}

// Node is one row in the HNSW graph.
type Node struct {
	Connections [][]uint32 // Links to other rows, per layer
	Vector      []float32
	Layer       int
	ID          uint32
}

// Options represents the options for configuring HNSW.
type Options struct {
	// M is the number of connections established for every new element.
	// Layer 0 allows 2*M. The range 12-48 suits most embedding models.
	M int

	// EF is the size of the dynamic candidate list during search.
	EF int

	// EFConstruction is the size of the candidate list while linking.
	EFConstruction int

	// Heuristic selects the diversity-preserving neighbour selection instead
	// of plain k-NN.
	Heuristic bool

	// DistanceFunc calculates distances between vectors.
	DistanceFunc DistanceFunc

	// Seed drives level generation. Equal seeds build equal graphs for equal
	// insertion orders.
	Seed int64
}

var DefaultOptions = Options{
	M:              16,
	EF:             64,
	EFConstruction: 200,
	Heuristic:      true,
	DistanceFunc:   CosineDistance,
	Seed:           1,
}

// Result is one search hit.
type Result struct {
	ID       uint32
	Distance float32
}

// HNSW is a Hierarchical Navigable Small World graph keyed by caller-chosen
// row ids. Deleted rows stay in the graph for navigation and are filtered
// from results.
type HNSW struct {
	dimension int
	mmax      int
	mmax0     int
	ml        float64
	ep        uint32
	hasEP     bool
	maxLevel  int

	nodes   []*Node
	deleted bitset.BitSet
	live    int

	rng  *rand.Rand
	opts Options

	mu sync.RWMutex
}

// New creates a new HNSW instance with the given dimension and options.
func New(dimension int, optFns ...func(o *Options)) *HNSW {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.M < 2 {
		// M == 1 makes the level normalization 1/log(1).
		opts.M = 2
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.DistanceFunc == nil {
		opts.DistanceFunc = CosineDistance
	}

	return &HNSW{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		rng:       rand.New(rand.NewSource(opts.Seed)), // nolint gosec
		opts:      opts,
	}
}

// Len returns the number of live (non-deleted) rows.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Contains reports whether row id is present and not deleted.
func (h *HNSW) Contains(id uint32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.has(id) && !h.deleted.Test(uint(id))
}

func (h *HNSW) has(id uint32) bool {
	return int(id) < len(h.nodes) && h.nodes[id] != nil
}

// Upsert inserts row id or replaces its vector. A deleted row is revived.
func (h *HNSW) Upsert(id uint32, v []float32) error {
	if len(v) != h.dimension {
		return &model.DimensionMismatchError{Expected: h.dimension, Actual: len(v)}
	}

	vectorCopy := slices.Clone(v)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.has(id) {
		node := h.nodes[id]
		if h.deleted.Test(uint(id)) {
			h.deleted.Clear(uint(id))
			h.live++
		}
		node.Vector = vectorCopy
		h.relink(node)
		return nil
	}

	for int(id) >= len(h.nodes) {
		h.nodes = append(h.nodes, nil)
	}

	node := &Node{
		ID:          id,
		Vector:      vectorCopy,
		Layer:       int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml)),
		Connections: nil,
	}
	node.Connections = make([][]uint32, node.Layer+1)
	h.nodes[id] = node
	h.live++

	if !h.hasEP {
		h.ep = id
		h.hasEP = true
		h.maxLevel = node.Layer
		return nil
	}

	h.relink(node)

	if node.Layer > h.maxLevel {
		h.ep = node.ID
		h.maxLevel = node.Layer
	}

	return nil
}

// relink (re)computes the connections of node on every layer it shares with
// the graph and links the chosen neighbours back to it.
func (h *HNSW) relink(node *Node) {
	if h.ep == node.ID && h.maxLevel == node.Layer && h.live == 1 {
		return
	}

	currObj, currDist := h.greedyDescend(node.Vector, node.Layer, node.ID)

	beam := &candidateHeap{farthest: true}

	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		h.searchLayer(node.Vector, candidate{row: currObj.ID, dist: currDist}, beam, h.opts.EFConstruction, level, node.ID)

		h.selectNeighbours(beam, h.opts.M)
		conns := beam.rows()
		node.Connections[level] = conns

		if len(conns) > 0 {
			currObj = h.nodes[conns[0]]
			currDist = h.opts.DistanceFunc(node.Vector, currObj.Vector)
		}
	}

	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		for _, neighbour := range node.Connections[level] {
			h.link(neighbour, node.ID, level)
		}
	}
}

// greedyDescend walks from the entry point down to stopLevel+1, moving to
// any closer neighbour. skip is never chosen.
func (h *HNSW) greedyDescend(q []float32, stopLevel int, skip uint32) (*Node, float32) {
	currObj := h.nodes[h.ep]
	if currObj.ID == skip {
		// The entry point is being relinked; start from any other row.
		for _, n := range h.nodes {
			if n != nil && n.ID != skip {
				currObj = n
				break
			}
		}
	}
	currDist := h.opts.DistanceFunc(q, currObj.Vector)

	for level := h.maxLevel; level > stopLevel; level-- {
		changed := true
		for changed {
			changed = false
			if level >= len(currObj.Connections) {
				break
			}
			for _, nodeID := range currObj.Connections[level] {
				if nodeID == skip {
					continue
				}
				newObj := h.nodes[nodeID]
				if newDist := h.opts.DistanceFunc(q, newObj.Vector); newDist < currDist {
					currObj = newObj
					currDist = newDist
					changed = true
				}
			}
		}
	}

	return currObj, currDist
}

// link adds second to first's connections on level, shrinking the list
// back to the layer maximum when it overflows.
func (h *HNSW) link(first, second uint32, level int) {
	maxConnections := h.mmax
	if level == 0 {
		maxConnections = h.mmax0
	}

	node := h.nodes[first]
	if level >= len(node.Connections) || slices.Contains(node.Connections[level], second) {
		return
	}
	node.Connections[level] = append(node.Connections[level], second)

	if len(node.Connections[level]) <= maxConnections {
		return
	}

	beam := &candidateHeap{farthest: true}
	for _, id := range node.Connections[level] {
		beam.push(candidate{row: id, dist: h.opts.DistanceFunc(node.Vector, h.nodes[id].Vector)})
	}

	h.selectNeighbours(beam, maxConnections)
	node.Connections[level] = beam.rows()
}

// Delete tombstones row id. The row keeps serving as a navigation hop.
func (h *HNSW) Delete(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.has(id) || h.deleted.Test(uint(id)) {
		return false
	}
	h.deleted.Set(uint(id))
	h.live--
	return true
}

// Search returns up to k live rows closest to q, nearest first. allow, when
// non-nil, filters rows before they count towards k.
func (h *HNSW) Search(q []float32, k, ef int, allow func(id uint32) bool) ([]Result, error) {
	if len(q) != h.dimension {
		return nil, &model.DimensionMismatchError{Expected: h.dimension, Actual: len(q)}
	}
	if k <= 0 {
		return nil, model.Constraint("hnsw search", "k must be positive, got %d", k)
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEP || h.live == 0 {
		return nil, nil
	}

	currObj, currDist := h.greedyDescend(q, 0, math.MaxUint32)

	beam := &candidateHeap{farthest: true}
	h.searchLayer(q, candidate{row: currObj.ID, dist: currDist}, beam, ef, 0, math.MaxUint32)

	results := make([]Result, 0, beam.Len())
	for beam.Len() > 0 {
		c := beam.pop()
		if h.deleted.Test(uint(c.row)) {
			continue
		}
		if allow != nil && !allow(c.row) {
			continue
		}
		results = append(results, Result{ID: c.row, Distance: c.dist})
	}
	slices.Reverse(results)
	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return int(a.ID) - int(b.ID)
		}
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// searchLayer performs a beam search of width ef in one layer and leaves
// the ef nearest rows in beam. Rows equal to skip are never visited.
func (h *HNSW) searchLayer(q []float32, ep candidate, beam *candidateHeap, ef int, level int, skip uint32) {
	var visited bitset.BitSet

	visited.Set(uint(ep.row))
	if skip != math.MaxUint32 {
		visited.Set(uint(skip))
	}

	frontier := &candidateHeap{}
	frontier.push(ep)

	beam.farthest = true
	beam.reset()
	beam.push(ep)

	for frontier.Len() > 0 {
		c := frontier.pop()
		if c.dist > beam.top().dist {
			break
		}

		node := h.nodes[c.row]
		if len(node.Connections) <= level {
			continue
		}

		for _, n := range node.Connections[level] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))

			next := candidate{row: n, dist: h.opts.DistanceFunc(q, h.nodes[n].Vector)}
			if beam.Len() < ef {
				beam.push(next)
				frontier.push(next)
			} else if beam.top().dist > next.dist {
				beam.pop()
				beam.push(next)
				frontier.push(next)
			}
		}
	}
}

// selectNeighbours trims a farthest-first beam to at most m rows.
func (h *HNSW) selectNeighbours(beam *candidateHeap, m int) {
	if h.opts.Heuristic {
		h.selectNeighboursHeuristic(beam, m)
		return
	}
	beam.truncate(m)
}

// selectNeighboursHeuristic keeps up to m candidates of a farthest-first
// beam, preferring ones that are closer to the base than to any already
// selected neighbour, then fills up with the remaining nearest.
func (h *HNSW) selectNeighboursHeuristic(beam *candidateHeap, m int) {
	if beam.Len() <= m {
		return
	}

	nearest := &candidateHeap{}
	for beam.Len() > 0 {
		nearest.push(beam.pop())
	}

	picked := make([]candidate, 0, m)
	skipped := &candidateHeap{}

	for nearest.Len() > 0 && len(picked) < m {
		c := nearest.pop()
		diverse := true
		for _, sel := range picked {
			if h.opts.DistanceFunc(h.nodes[sel.row].Vector, h.nodes[c.row].Vector) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			picked = append(picked, c)
		} else {
			skipped.push(c)
		}
	}

	for len(picked) < m && skipped.Len() > 0 {
		picked = append(picked, skipped.pop())
	}

	for _, c := range picked {
		beam.push(c)
	}
}
