package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/kv"
)

func TestBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "strata.db")

	b, err := Open(ctx, path)
	require.NoError(t, err)
	assert.True(t, b.Durable())

	batch := kv.NewBatch()
	batch.Put([]byte("node/b"), []byte("2"))
	batch.Put([]byte("node/a"), []byte("1"))
	batch.Put([]byte("nodf"), []byte("x"))
	batch.Put([]byte("edge/a"), []byte("e"))
	require.NoError(t, b.Apply(ctx, batch))

	var keys []string
	require.NoError(t, b.Scan(ctx, []byte("node/"), func(k, v []byte) error {
		keys = append(keys, string(k)+"="+string(v))
		return nil
	}))
	assert.Equal(t, []string{"node/a=1", "node/b=2"}, keys)

	batch = kv.NewBatch()
	batch.Put([]byte("node/a"), []byte("updated"))
	batch.Delete([]byte("node/b"))
	require.NoError(t, b.Apply(ctx, batch))
	require.NoError(t, b.Close())

	b, err = Open(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	v, err := b.Get(ctx, []byte("node/a"))
	require.NoError(t, err)
	assert.Equal(t, "updated", string(v))

	_, err = b.Get(ctx, []byte("node/b"))
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	n := 0
	require.NoError(t, b.Scan(ctx, nil, func(_, _ []byte) error { n++; return nil }))
	assert.Equal(t, 3, n)
}

func TestBackend_MigrateFromMemory(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	batch := kv.NewBatch()
	for _, k := range []string{"a", "b", "c"} {
		batch.Put([]byte("branch/"+k), []byte(k))
	}
	require.NoError(t, mem.Apply(ctx, batch))

	b, err := Open(ctx, filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer b.Close()

	stats, err := kv.Migrate(ctx, mem, b)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Keys)

	v, err := b.Get(ctx, []byte("branch/c"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(v))
}
