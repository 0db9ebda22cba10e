package query

import (
	"cmp"
	"slices"

	"github.com/hupe1980/strata/model"
)

// GraphScore is the score of a node discovered depth hops from a seed.
func GraphScore(weight float64, depth int) float64 {
	return weight / float64(1+depth)
}

// Rank orders items by descending score, then shallower depth, then id.
func Rank(items []Item) {
	slices.SortFunc(items, func(a, b Item) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Depth, b.Depth); c != 0 {
			return c
		}
		return model.CompareIDs(a.NodeID, b.NodeID)
	})
}
