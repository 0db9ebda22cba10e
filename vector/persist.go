package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
)

// EncodeVector returns vec as little-endian float32s.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector parses the output of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("vector payload of %d bytes", len(b))}
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return vec, nil
}

// Load reads every persisted vector from r as the base state at sequence 0.
// It must run before the store serves reads or writes.
func (s *Store) Load(ctx context.Context, r kv.Reader) (int, error) {
	n := 0
	err := r.Scan(ctx, []byte(kv.PrefixEmbedding), func(key, value []byte) error {
		id, err := kv.TrimID(key, kv.PrefixEmbedding)
		if err != nil {
			return &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("embedding key %q", key), Err: err}
		}
		vec, err := DecodeVector(value)
		if err != nil {
			return err
		}
		if err := model.CheckDimension(s.dim, vec); err != nil {
			return &model.CorruptionError{Offset: -1, Reason: "embedding " + id.String(), Err: err}
		}
		norm, err := model.Normalize(vec)
		if err != nil {
			return &model.CorruptionError{Offset: -1, Reason: "embedding " + id.String(), Err: err}
		}
		row := s.rowFor(id)
		s.data.Put(id, entry{row: row, vec: norm}, 0)
		n++
		return s.indexAdd(row, norm)
	})
	if err != nil {
		return n, fmt.Errorf("load vectors: %w", err)
	}
	return n, nil
}

// WriteDirty adds every vector changed at or below snap to b, as its value
// at snap or as a delete. It returns the number of keys written.
func (s *Store) WriteDirty(snap uint64, b *kv.Batch) int {
	ids := s.tracker.Dirty(snap)
	for _, id := range ids {
		if e, ok := s.data.Get(id, snap); ok {
			b.Put(kv.EmbeddingKey(id), EncodeVector(e.vec))
		} else {
			b.Delete(kv.EmbeddingKey(id))
		}
	}
	return len(ids)
}

// Clean forgets dirty ids flushed by a successful checkpoint at snap.
func (s *Store) Clean(snap uint64) { s.tracker.Clean(snap) }

// Export calls fn with the persisted form of every vector visible at snap.
func (s *Store) Export(ctx context.Context, snap uint64, fn func(key, value []byte) error) error {
	for id, e := range s.data.All(snap) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(kv.EmbeddingKey(id), EncodeVector(e.vec)); err != nil {
			return err
		}
	}
	return nil
}
