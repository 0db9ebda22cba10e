package hnsw

import "container/heap"

// candidate is a row and its distance to the query being served.
type candidate struct {
	row  uint32
	dist float32
}

// candidateHeap orders candidates nearest first, or farthest first when
// farthest is set. A beam of results is kept farthest first so its worst
// member is on top. Equal distances order by row.
type candidateHeap struct {
	farthest bool
	items    []candidate
}

var _ heap.Interface = (*candidateHeap)(nil)

func (h *candidateHeap) Len() int { return len(h.items) }

func (h *candidateHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.dist != b.dist {
		return (a.dist < b.dist) != h.farthest
	}
	return (a.row < b.row) != h.farthest
}

func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x any) { h.items = append(h.items, x.(candidate)) }

func (h *candidateHeap) Pop() any {
	n := len(h.items) - 1
	c := h.items[n]
	h.items = h.items[:n]
	return c
}

func (h *candidateHeap) push(c candidate) { heap.Push(h, c) }

func (h *candidateHeap) pop() candidate { return heap.Pop(h).(candidate) }

func (h *candidateHeap) top() candidate { return h.items[0] }

func (h *candidateHeap) reset() { h.items = h.items[:0] }

// truncate pops until at most n candidates remain.
func (h *candidateHeap) truncate(n int) {
	for h.Len() > n {
		h.pop()
	}
}

// rows empties a farthest-first heap and returns its rows nearest first.
func (h *candidateHeap) rows() []uint32 {
	out := make([]uint32, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop().row
	}
	return out
}
