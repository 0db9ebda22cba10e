package hnsw

import (
	"math/rand"

	"github.com/hupe1980/strata/distance"
)

// GenerateRandomVectors returns num L2-normalized random vectors. It is used
// by tests and benchmarks across the module.
func GenerateRandomVectors(num int, dimensions int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed)) // nolint gosec

	vectors := make([][]float32, num)

	for i := 0; i < num; i++ {
		vectors[i] = make([]float32, dimensions)

		for j := 0; j < dimensions; j++ {
			vectors[i][j] = r.Float32()*2 - 1
		}
		distance.NormalizeL2InPlace(vectors[i])
	}

	return vectors
}
