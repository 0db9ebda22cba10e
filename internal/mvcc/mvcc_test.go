package mvcc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_SnapshotReads(t *testing.T) {
	m := New[string, int]()

	_, ok := m.Get("a", 10)
	require.False(t, ok)

	m.Put("a", 1, 10)
	m.Put("a", 2, 15)

	v, ok := m.Get("a", 10)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = m.Get("a", 14)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = m.Get("a", 15)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.Get("a", 9)
	assert.False(t, ok)

	assert.True(t, m.Delete("a", 20))
	assert.False(t, m.Delete("a", 21))
	_, ok = m.Get("a", 20)
	assert.False(t, ok)
	v, ok = m.Get("a", 19)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	assert.Equal(t, uint64(20), m.Head("a"))
	assert.Equal(t, uint64(0), m.Head("missing"))
}

func TestMap_SameSequenceReplaces(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1, 3)
	m.Put("a", 2, 3)

	v, ok := m.Get("a", 3)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	assert.True(t, m.Delete("a", 3))
	_, ok = m.Get("a", 3)
	assert.False(t, ok)
}

func TestMap_Revert(t *testing.T) {
	m := New[string, string]()
	m.Put("k", "committed", 1)
	m.Put("k", "staged", 2)
	m.Put("new", "staged", 2)

	v, seq, ok := m.Latest("k")
	require.True(t, ok)
	assert.Equal(t, "staged", v)
	assert.Equal(t, uint64(2), seq)

	m.Revert("k", 2)
	m.Revert("new", 2)

	v, ok = m.Get("k", 100)
	require.True(t, ok)
	assert.Equal(t, "committed", v)
	assert.Equal(t, uint64(1), m.Head("k"))

	_, ok = m.Get("new", 100)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), m.Head("new"))
}

func TestMap_All(t *testing.T) {
	m := New[int, int]()
	for i := 1; i <= 10; i++ {
		m.Put(i, i*i, uint64(i))
	}
	m.Delete(3, 11)

	got := map[int]int{}
	for k, v := range m.All(11) {
		got[k] = v
	}
	assert.Len(t, got, 9)
	assert.NotContains(t, got, 3)
	assert.Equal(t, 5, m.Len(5))
}

func TestMap_PruneAndRemove(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1, 1)
	m.Put("a", 2, 2)
	m.Put("a", 3, 3)
	m.Put("b", 1, 1)
	m.Delete("b", 2)

	pruned, dead := m.Prune(2, nil)
	assert.Equal(t, 2, pruned)
	assert.Equal(t, []string{"b"}, dead)

	v, ok := m.Get("a", 2)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = m.Get("a", 3)
	require.True(t, ok)
	assert.Equal(t, 3, v)

	// Idempotent.
	pruned, _ = m.Prune(2, nil)
	assert.Equal(t, 0, pruned)

	assert.False(t, m.Remove("a", 2))
	assert.True(t, m.Remove("b", 2))
	assert.Equal(t, 1, m.Keys())
}

func TestMap_ConcurrentReaders(t *testing.T) {
	m := New[int, int]()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			m.Put(0, i, uint64(i))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if v, ok := m.Get(0, uint64(i)); ok {
					if v > i {
						t.Errorf("read %d at snapshot %d", v, i)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestTracker(t *testing.T) {
	tr := NewTracker[string]()
	tr.Touch(1, "a")
	tr.Touch(2, "b")
	tr.Touch(2, "a")

	assert.ElementsMatch(t, []string{"b", "a"}, tr.Take(2))
	assert.Empty(t, tr.Take(2))

	assert.Equal(t, []string{"a"}, tr.Dirty(1))
	assert.ElementsMatch(t, []string{"a", "b"}, tr.Dirty(2))

	tr.Touch(3, "c")
	tr.Touch(3, "a")
	tr.Clean(2)
	assert.Equal(t, 2, tr.Pending())
	assert.Empty(t, tr.Dirty(2))
	assert.ElementsMatch(t, []string{"a", "c"}, tr.Dirty(3))

	tr.Forget(3)
	assert.Empty(t, tr.Take(3))
	assert.Equal(t, 2, tr.Pending(), "forget keeps keys dirty")
}
