package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/model"
)

func TestByName(t *testing.T) {
	c, ok := ByName("json")
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	c, ok = ByName("go-json")
	require.True(t, ok)
	assert.Equal(t, "go-json", c.Name())

	_, ok = ByName("msgpack")
	assert.False(t, ok)
}

func TestCodecsAgree(t *testing.T) {
	e := model.NewEdge(model.EdgeCalls, uuid.New(), uuid.New(), 0.8)
	e.Metadata = map[string]string{"detection": "content_scan"}

	for _, c := range []Codec{JSON{}, GoJSON{}} {
		t.Run(c.Name(), func(t *testing.T) {
			b, err := Encode(c, e)
			require.NoError(t, err)

			// Both codecs read each other's output.
			for _, other := range []Codec{JSON{}, GoJSON{}} {
				got, err := Decode[*model.Edge](other, b)
				require.NoError(t, err)
				assert.Equal(t, e.ID, got.ID)
				assert.Equal(t, e.Kind, got.Kind)
				assert.InDelta(t, e.Confidence, got.Confidence, 1e-9)
				assert.Equal(t, e.Metadata, got.Metadata)
			}
		})
	}

	_, err := Decode[model.Edge](GoJSON{}, []byte("{not json"))
	assert.ErrorIs(t, err, model.ErrCorruption)
}

func TestEncodeDecodeNode(t *testing.T) {
	n := model.NewNode(model.KindFunction, "calculate_total", "func calculate_total() {}")
	n.Metadata = map[string]string{"lang": "go"}

	b, err := Encode(nil, n)
	require.NoError(t, err)

	got, err := Decode[*model.Node](JSON{}, b)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.Kind, got.Kind)
	assert.Equal(t, n.ContentHash, got.ContentHash)
	require.NoError(t, got.Validate())
}

func TestDecodeCorruption(t *testing.T) {
	_, err := Decode[model.Edge](nil, []byte("{not json"))
	require.ErrorIs(t, err, model.ErrCorruption)
}

func BenchmarkEncodeNode(b *testing.B) {
	n := model.NewNode(model.KindFunction, "apply_discount", "func apply_discount(total float64) float64 { return total * 0.9 }")
	b.ReportAllocs()
	for b.Loop() {
		if _, err := Encode(Default, n); err != nil {
			b.Fatal(err)
		}
	}
}
