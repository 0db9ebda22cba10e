package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Single", []float32{2}, []float32{3}, 6},
		{"Unrolled", []float32{1, 1, 1, 1, 1, 1, 1}, []float32{1, 2, 3, 4, 5, 6, 7}, 28},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 27, SquaredL2([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-5)
}

func TestNormalize(t *testing.T) {
	v, ok := NormalizeL2Copy([]float32{1, 2, 2})
	require.True(t, ok)
	assert.InDelta(t, 1.0, math.Sqrt(float64(Dot(v, v))), 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
	assert.False(t, NormalizeL2InPlace(nil))
}

func TestProvider(t *testing.T) {
	f, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, -2, f([]float32{0, 0}, []float32{1, 1}), 1e-6)

	_, err = Provider(Metric(42))
	assert.Error(t, err)
}
