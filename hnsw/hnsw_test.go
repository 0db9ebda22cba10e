package hnsw

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/model"
)

func bruteForce(vectors [][]float32, deleted map[uint32]bool, q []float32, k int) []uint32 {
	type hit struct {
		id   uint32
		dist float32
	}
	hits := make([]hit, 0, len(vectors))
	for i, v := range vectors {
		if deleted[uint32(i)] {
			continue
		}
		hits = append(hits, hit{uint32(i), CosineDistance(q, v)})
	}
	slices.SortFunc(hits, func(a, b hit) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		default:
			return int(a.id) - int(b.id)
		}
	})
	ids := make([]uint32, 0, k)
	for i := 0; i < k && i < len(hits); i++ {
		ids = append(ids, hits[i].id)
	}
	return ids
}

func recall(got []Result, want []uint32) float64 {
	set := map[uint32]bool{}
	for _, w := range want {
		set[w] = true
	}
	n := 0
	for _, g := range got {
		if set[g.ID] {
			n++
		}
	}
	return float64(n) / float64(len(want))
}

func TestHNSW_RecallAgainstBruteForce(t *testing.T) {
	const (
		dim = 16
		n   = 600
		k   = 10
	)
	vectors := GenerateRandomVectors(n, dim, 42)
	h := New(dim)
	for i, v := range vectors {
		require.NoError(t, h.Upsert(uint32(i), v))
	}
	assert.Equal(t, n, h.Len())

	queries := GenerateRandomVectors(30, dim, 7)
	total := 0.0
	for _, q := range queries {
		got, err := h.Search(q, k, 100, nil)
		require.NoError(t, err)
		require.Len(t, got, k)
		total += recall(got, bruteForce(vectors, nil, q, k))
	}
	assert.GreaterOrEqual(t, total/float64(len(queries)), 0.9)
}

func TestHNSW_DeleteAndRevive(t *testing.T) {
	vectors := GenerateRandomVectors(50, 8, 1)
	h := New(8)
	for i, v := range vectors {
		require.NoError(t, h.Upsert(uint32(i), v))
	}

	require.True(t, h.Delete(3))
	require.False(t, h.Delete(3))
	assert.False(t, h.Contains(3))
	assert.Equal(t, 49, h.Len())

	got, err := h.Search(vectors[3], 50, 100, nil)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, uint32(3), r.ID)
	}

	require.NoError(t, h.Upsert(3, vectors[3]))
	got, err = h.Search(vectors[3], 1, 50, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(3), got[0].ID)
}

func TestHNSW_UpdateMovesRow(t *testing.T) {
	vectors := GenerateRandomVectors(40, 8, 3)
	h := New(8)
	for i, v := range vectors {
		require.NoError(t, h.Upsert(uint32(i), v))
	}

	// Move row 0 onto row 20's position.
	require.NoError(t, h.Upsert(0, vectors[20]))
	got, err := h.Search(vectors[20], 2, 50, nil)
	require.NoError(t, err)
	ids := []uint32{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []uint32{0, 20}, ids)
}

func TestHNSW_Filter(t *testing.T) {
	vectors := GenerateRandomVectors(100, 8, 5)
	h := New(8)
	for i, v := range vectors {
		require.NoError(t, h.Upsert(uint32(i), v))
	}

	even := func(id uint32) bool { return id%2 == 0 }
	got, err := h.Search(vectors[1], 5, 100, even)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, r := range got {
		assert.Zero(t, r.ID%2)
	}
}

func TestHNSW_Errors(t *testing.T) {
	h := New(4)
	err := h.Upsert(0, []float32{1, 2})
	assert.ErrorIs(t, err, model.ErrDimensionMismatch)

	_, err = h.Search([]float32{1, 0, 0, 0}, 0, 10, nil)
	assert.ErrorIs(t, err, model.ErrConstraintViolation)

	res, err := h.Search([]float32{1, 0, 0, 0}, 3, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestHNSW_Stats(t *testing.T) {
	h := New(8, func(o *Options) { o.M = 4 })
	for i, v := range GenerateRandomVectors(64, 8, 9) {
		require.NoError(t, h.Upsert(uint32(i), v))
	}
	s := h.Stats()
	assert.Equal(t, 64, s.Rows)
	assert.Equal(t, 64, s.Live)
	assert.Equal(t, 64, s.Levels[0].Nodes)
	assert.LessOrEqual(t, s.Levels[0].AvgConnections, float64(2*4))
}
