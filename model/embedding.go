package model

import (
	"math"
	"slices"

	"github.com/google/uuid"
)

// Embedding is a vector owned by a node.
type Embedding struct {
	NodeID uuid.UUID `json:"node_id"`
	Vector []float32 `json:"vector"`
}

// CheckDimension returns a *DimensionMismatchError when len(vec) != dim.
func CheckDimension(dim int, vec []float32) error {
	if len(vec) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}
	return nil
}

// Normalize returns an L2-normalized copy of the vector. Zero vectors
// cannot be normalized.
func (e Embedding) Normalize() ([]float32, error) {
	return Normalize(e.Vector)
}

// Normalize returns an L2-normalized copy of v.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, Constraint("embedding", "vector has no finite, non-zero norm")
	}
	inv := 1 / math.Sqrt(sum)
	out := slices.Clone(v)
	for i := range out {
		out[i] = float32(float64(out[i]) * inv)
	}
	return out, nil
}
