package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/strata/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, dir string, optFns ...func(o *Options)) *WAL {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
	}}, optFns...)
	w, err := Open(fns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func commitTx(t *testing.T, w *WAL, id uint64, payload string) {
	t.Helper()
	require.NoError(t, w.Prepare(id, []byte(payload)))
	require.NoError(t, w.Commit(id))
}

func replayAll(t *testing.T, w *WAL) ([]Tx, ReplayInfo) {
	t.Helper()
	var txs []Tx
	info, err := w.Replay(func(tx Tx) error {
		txs = append(txs, Tx{ID: tx.ID, Payload: bytes.Clone(tx.Payload)})
		return nil
	})
	require.NoError(t, err)
	return txs, info
}

func appendRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestOpenWritesHeader(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	assert.Equal(t, filepath.Join(dir, FileName), w.Path())
	assert.Equal(t, "json", w.Codec().Name())
	assert.False(t, w.Compressed())
	assert.Equal(t, int64(walHeaderFixedLen+len("json")), w.Size())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")
	assert.ErrorIs(t, w.Prepare(1, nil), ErrClosed)
}

func TestOpenRejectsUnknownCodec(t *testing.T) {
	_, err := Open(func(o *Options) {
		o.Path = t.TempDir()
		o.Codec = "msgpack"
	})
	assert.Equal(t, model.KindConstraintViolation, model.KindOf(err))
}

func TestHeaderCodecWinsOnReopen(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, func(o *Options) { o.Codec = "go-json" })
	commitTx(t, w, 1, "a")
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	assert.Equal(t, "go-json", w.Codec().Name())
	txs, _ := replayAll(t, w)
	require.Len(t, txs, 1)
	assert.Equal(t, []byte("a"), txs[0].Payload)
}

func TestReplayReturnsOnlyCommitted(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	commitTx(t, w, 1, "one")
	require.NoError(t, w.Prepare(2, []byte("pending")))
	require.NoError(t, w.Prepare(3, []byte("aborted")))
	require.NoError(t, w.Abort(3))
	commitTx(t, w, 4, "four")
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	txs, info := replayAll(t, w)

	require.Len(t, txs, 2)
	assert.Equal(t, uint64(1), txs[0].ID)
	assert.Equal(t, "one", string(txs[0].Payload))
	assert.Equal(t, uint64(4), txs[1].ID)
	assert.Equal(t, "four", string(txs[1].Payload))

	assert.Equal(t, 2, info.Committed)
	assert.Equal(t, 1, info.Aborted)
	assert.Equal(t, 1, info.Discarded)
	assert.Equal(t, uint64(4), info.LastTxID)
	assert.Equal(t, uint64(4), w.LastTxID())
	assert.False(t, info.TornTail)
}

func TestReplayOrdersByTxID(t *testing.T) {
	w := openTestWAL(t, t.TempDir())

	require.NoError(t, w.Prepare(5, []byte("five")))
	require.NoError(t, w.Prepare(3, []byte("three")))
	require.NoError(t, w.Commit(5))
	require.NoError(t, w.Commit(3))

	txs, _ := replayAll(t, w)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(3), txs[0].ID)
	assert.Equal(t, uint64(5), txs[1].ID)
}

func TestReplayCallbackErrorStops(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	commitTx(t, w, 1, "a")
	commitTx(t, w, 2, "b")

	boom := fmt.Errorf("boom")
	calls := 0
	_, err := w.Replay(func(Tx) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestTornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	commitTx(t, w, 1, "kept")
	size := w.Size()
	require.NoError(t, w.Close())

	partial := appendRecord(nil, RecordPrepare, 2, []byte("lost"))
	appendRaw(t, filepath.Join(dir, FileName), partial[:len(partial)-3])

	w = openTestWAL(t, dir)
	assert.Equal(t, size, w.Size(), "torn tail cut off on open")

	commitTx(t, w, 2, "after")
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	txs, info := replayAll(t, w)
	require.Len(t, txs, 2)
	assert.Equal(t, "kept", string(txs[0].Payload))
	assert.Equal(t, "after", string(txs[1].Payload))
	assert.False(t, info.TornTail)
}

func TestTornFrameHeaderIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	commitTx(t, w, 1, "kept")
	require.NoError(t, w.Close())

	appendRaw(t, filepath.Join(dir, FileName), []byte{0x01, 0x02, 0x03})

	w = openTestWAL(t, dir)
	txs, _ := replayAll(t, w)
	assert.Len(t, txs, 1)
}

func TestCorruptionIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, w *WAL, path string)
	}{
		{
			name: "checksum mismatch",
			build: func(t *testing.T, w *WAL, path string) {
				commitTx(t, w, 1, "payload")
				require.NoError(t, w.Close())

				data, err := os.ReadFile(path)
				require.NoError(t, err)
				// First byte of the prepare payload.
				data[w.header.HeaderLen+frameLen+bodyFixedLen] ^= 0xFF
				require.NoError(t, os.WriteFile(path, data, 0600))
			},
		},
		{
			name: "commit for unknown tx",
			build: func(t *testing.T, w *WAL, path string) {
				require.NoError(t, w.Close())
				appendRaw(t, path, appendRecord(nil, RecordCommit, 7, nil))
			},
		},
		{
			name: "abort for committed tx",
			build: func(t *testing.T, w *WAL, path string) {
				commitTx(t, w, 1, "x")
				require.NoError(t, w.Close())
				appendRaw(t, path, appendRecord(nil, RecordAbort, 1, nil))
			},
		},
		{
			name: "duplicate prepare",
			build: func(t *testing.T, w *WAL, _ string) {
				require.NoError(t, w.Prepare(1, []byte("a")))
				require.NoError(t, w.Prepare(1, []byte("b")))
				require.NoError(t, w.Close())
			},
		},
		{
			name: "unknown record type",
			build: func(t *testing.T, w *WAL, path string) {
				require.NoError(t, w.Close())
				appendRaw(t, path, appendRecord(nil, RecordType(42), 1, nil))
			},
		},
		{
			name: "invalid record length",
			build: func(t *testing.T, w *WAL, path string) {
				require.NoError(t, w.Close())
				appendRaw(t, path, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0})
			},
		},
		{
			name: "bad magic",
			build: func(t *testing.T, w *WAL, path string) {
				require.NoError(t, w.Close())
				require.NoError(t, os.WriteFile(path, []byte("NOPE0000000000000000"), 0600))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			w, err := Open(func(o *Options) {
				o.Path = dir
				o.DurabilityMode = DurabilitySync
			})
			require.NoError(t, err)

			tt.build(t, w, filepath.Join(dir, FileName))

			_, err = Open(func(o *Options) { o.Path = dir })
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrCorruption)
			assert.Equal(t, model.KindCorruption, model.KindOf(err))
		})
	}
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	commitTx(t, w, 1, "one")
	commitTx(t, w, 2, "two")
	require.NoError(t, w.Prepare(3, []byte("aborted")))
	require.NoError(t, w.Abort(3))
	commitTx(t, w, 4, "four")
	require.NoError(t, w.Checkpoint(2))

	before := w.Size()
	require.NoError(t, w.Truncate(2))
	assert.Less(t, w.Size(), before)

	txs, info := replayAll(t, w)
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(4), txs[0].ID)
	assert.Equal(t, uint64(2), info.Checkpoint)
	assert.Zero(t, info.Aborted)

	commitTx(t, w, 5, "five")
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	txs, info = replayAll(t, w)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(5), txs[1].ID)
	assert.Equal(t, uint64(5), info.LastTxID)

	_, err := os.Stat(filepath.Join(dir, FileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestTruncateKeepsCheckpointFloor(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	commitTx(t, w, 1, "one")

	require.NoError(t, w.Truncate(10))

	txs, info := replayAll(t, w)
	assert.Empty(t, txs)
	assert.Equal(t, uint64(10), info.Checkpoint)
	assert.Equal(t, uint64(10), w.LastTxID())
}

func TestCompressedPayloads(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, func(o *Options) {
		o.Compress = true
		o.CompressionLevel = 3
	})
	payload := bytes.Repeat([]byte("strata "), 1024)
	commitTx(t, w, 1, string(payload))
	assert.Less(t, w.Size(), int64(len(payload)))
	require.NoError(t, w.Close())

	// The header decides, not the options of the reopening process.
	w = openTestWAL(t, dir, func(o *Options) { o.Compress = false })
	assert.True(t, w.Compressed())

	txs, _ := replayAll(t, w)
	require.Len(t, txs, 1)
	assert.Equal(t, payload, txs[0].Payload)

	require.NoError(t, w.Truncate(0))
	txs, _ = replayAll(t, w)
	require.Len(t, txs, 1)
	assert.Equal(t, payload, txs[0].Payload)
}

func TestDurabilityModes(t *testing.T) {
	for _, mode := range []DurabilityMode{DurabilityAsync, DurabilityGroupCommit, DurabilitySync} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			w := openTestWAL(t, dir, func(o *Options) {
				o.DurabilityMode = mode
				o.GroupCommitInterval = time.Millisecond
				o.GroupCommitMaxOps = 4
			})

			for i := uint64(1); i <= 10; i++ {
				commitTx(t, w, i, fmt.Sprintf("tx-%d", i))
			}
			require.NoError(t, w.Close())

			w = openTestWAL(t, dir)
			txs, _ := replayAll(t, w)
			assert.Len(t, txs, 10)
		})
	}
}

func TestGroupCommitConcurrent(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, func(o *Options) {
		o.DurabilityMode = DurabilityGroupCommit
		o.GroupCommitInterval = 2 * time.Millisecond
		o.GroupCommitMaxOps = 16
	})

	var next atomic.Uint64
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := next.Add(1)
				if err := w.Prepare(id, []byte("x")); err != nil {
					errs <- err
					return
				}
				if err := w.Commit(id); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	txs, info := replayAll(t, w)
	assert.Len(t, txs, 200)
	assert.Equal(t, uint64(200), info.LastTxID)
	for i, tx := range txs {
		assert.Equal(t, uint64(i+1), tx.ID)
	}
}

func BenchmarkCommit(b *testing.B) {
	for _, mode := range []DurabilityMode{DurabilityAsync, DurabilityGroupCommit, DurabilitySync} {
		b.Run(mode.String(), func(b *testing.B) {
			w, err := Open(func(o *Options) {
				o.Path = b.TempDir()
				o.DurabilityMode = mode
			})
			if err != nil {
				b.Fatal(err)
			}
			defer w.Close()

			payload := bytes.Repeat([]byte{0xAB}, 256)
			var id uint64
			for b.Loop() {
				id++
				if err := w.Prepare(id, payload); err != nil {
					b.Fatal(err)
				}
				if err := w.Commit(id); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func TestParseDurabilityMode(t *testing.T) {
	for in, want := range map[string]DurabilityMode{
		"async":        DurabilityAsync,
		"group":        DurabilityGroupCommit,
		"group_commit": DurabilityGroupCommit,
		"sync":         DurabilitySync,
	} {
		got, err := ParseDurabilityMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDurabilityMode("fsync")
	assert.ErrorIs(t, err, model.ErrConstraintViolation)
}
