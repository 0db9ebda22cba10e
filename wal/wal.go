// Package wal provides the transactional write-ahead log used for
// durability and crash recovery.
//
// Every transaction is logged as a Prepare record carrying its encoded
// operations, followed by exactly one Commit or Abort record. Recovery
// applies only committed transactions. Records are framed with a length and
// a CRC32-C checksum; an incomplete final record (torn tail) is ignored with
// a warning while any other inconsistency is reported as corruption.
//
// Features:
//   - Configurable fsync behavior (Async, GroupCommit, Sync) for commit records
//   - Optional zstd compression of prepare payloads
//   - Checkpoint records and truncation of transactions persisted elsewhere
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/model"
	"github.com/klauspost/compress/zstd"
)

// FileName is the name of the log file inside Options.Path.
const FileName = "strata.wal"

// ErrClosed is returned by operations on a closed WAL.
var ErrClosed = errors.New("wal: closed")

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu        sync.Mutex
	file      *os.File
	bufWriter *bufio.Writer
	filePath  string
	header    walHeaderInfo
	codec     codec.Codec
	logger    *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	size     int64
	lastTxID uint64
	scratch  []byte

	// Group commit support (background goroutine lifecycle)
	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}  // Shutdown signal for worker goroutine
	groupCommitPending  int            // Commits since last fsync
	groupCommitWg       sync.WaitGroup // Tracks worker goroutine lifecycle

	// Blocking Group Commit
	syncCond     *sync.Cond // Condition variable for blocking group commit
	commitSeq    uint64     // Number of commit records appended
	persistedSeq uint64     // Highest commitSeq persisted to disk
	syncErr      error      // Sticky error from the last failed group fsync
}

// Open opens the WAL in opts.Path, creating it if needed. An existing log
// is validated: a torn tail is cut off, any other damage fails with a
// *model.CorruptionError.
func Open(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.GroupCommitMaxOps <= 0 {
		opts.GroupCommitMaxOps = DefaultOptions.GroupCommitMaxOps
	}
	if opts.GroupCommitInterval <= 0 {
		opts.GroupCommitInterval = DefaultOptions.GroupCommitInterval
	}

	// Ensure directory exists
	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, model.Storage("wal mkdir", err)
	}

	filePath := filepath.Join(opts.Path, FileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, model.Storage("wal open", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		logger:              opts.Logger,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if err := w.initialize(opts); err != nil {
		_ = file.Close()
		w.closeCodecs()
		return nil, err
	}

	// Start group commit worker if needed
	if w.durabilityMode == DurabilityGroupCommit {
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) initialize(opts Options) error {
	hdr, ok, err := readWALHeader(w.file)
	if err != nil {
		return err
	}
	if !ok {
		if _, known := codec.ByName(opts.Codec); !known {
			return model.Constraint("wal open", "unknown codec %q", opts.Codec)
		}
		hdr = walHeaderInfo{
			Compressed:       opts.Compress,
			CompressionLevel: opts.CompressionLevel,
			Codec:            opts.Codec,
		}
		if _, err := w.file.Seek(0, io.SeekStart); err != nil {
			return model.Storage("wal seek", err)
		}
		n, err := writeWALHeader(w.file, hdr)
		if err != nil {
			return model.Storage("wal header", err)
		}
		hdr.HeaderLen = n
		if err := fdatasync(w.file); err != nil {
			return model.Storage("wal sync", err)
		}
	}
	w.header = hdr

	c, ok := codec.ByName(hdr.Codec)
	if !ok {
		return &model.CorruptionError{Offset: 0, Reason: fmt.Sprintf("wal header: unknown codec %q", hdr.Codec)}
	}
	w.codec = c

	if hdr.Compressed {
		level := zstd.EncoderLevelFromZstd(hdr.CompressionLevel)
		if w.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level)); err != nil {
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		if w.decoder, err = zstd.NewReader(nil); err != nil {
			return fmt.Errorf("failed to create decompressor: %w", err)
		}
	}

	s, err := w.scan()
	if err != nil {
		return err
	}
	if s.info.TornTail {
		w.logger.Warn("wal: ignoring torn tail", "path", w.filePath, "offset", s.end)
		if err := w.file.Truncate(s.end); err != nil {
			return model.Storage("wal truncate tail", err)
		}
		if err := fdatasync(w.file); err != nil {
			return model.Storage("wal sync", err)
		}
	}

	if _, err := w.file.Seek(s.end, io.SeekStart); err != nil {
		return model.Storage("wal seek", err)
	}
	w.size = s.end
	w.lastTxID = s.info.LastTxID
	w.bufWriter = bufio.NewWriterSize(w.file, 64<<10)
	return nil
}

// Path returns the path to the WAL file.
func (w *WAL) Path() string { return w.filePath }

// Codec returns the payload codec recorded in the log header.
func (w *WAL) Codec() codec.Codec { return w.codec }

// Compressed reports whether prepare payloads are zstd compressed.
func (w *WAL) Compressed() bool { return w.header.Compressed }

// Size returns the logical size of the log in bytes, buffered records included.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// LastTxID returns the highest transaction id or checkpoint sequence the
// log has seen.
func (w *WAL) LastTxID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTxID
}

// Prepare appends the encoded operations of transaction txid. Nothing is
// synced; durability is established by Commit.
func (w *WAL) Prepare(txid uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.encoder != nil {
		payload = w.encoder.EncodeAll(payload, nil)
	}
	return w.appendLocked(RecordPrepare, txid, payload)
}

// Commit appends the commit marker of txid and waits for it to become
// durable according to the configured DurabilityMode.
func (w *WAL) Commit(txid uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendLocked(RecordCommit, txid, nil); err != nil {
		return err
	}
	if err := w.bufWriter.Flush(); err != nil {
		return model.Storage("wal flush", err)
	}
	w.commitSeq++
	return w.syncIfNeeded()
}

// Abort appends the abort marker of txid.
func (w *WAL) Abort(txid uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendLocked(RecordAbort, txid, nil); err != nil {
		return err
	}
	if err := w.bufWriter.Flush(); err != nil {
		return model.Storage("wal flush", err)
	}
	return nil
}

// Checkpoint records that every transaction up to seq is persisted in the
// backend and syncs the log.
func (w *WAL) Checkpoint(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendLocked(RecordCheckpoint, seq, nil); err != nil {
		return err
	}
	return w.syncLocked()
}

// Sync flushes buffered records and fsyncs the log.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	return w.syncLocked()
}

func (w *WAL) appendLocked(t RecordType, txid uint64, payload []byte) error {
	if w.file == nil {
		return ErrClosed
	}
	if len(payload)+bodyFixedLen > maxRecordBody {
		return model.Constraint("wal append", "payload of tx %d exceeds %d bytes", txid, maxRecordBody)
	}

	w.scratch = appendRecord(w.scratch[:0], t, txid, payload)
	if _, err := w.bufWriter.Write(w.scratch); err != nil {
		return model.Storage("wal append", err)
	}
	w.size += int64(len(w.scratch))
	w.lastTxID = max(w.lastTxID, txid)
	return nil
}

func (w *WAL) syncLocked() error {
	if err := w.bufWriter.Flush(); err != nil {
		return model.Storage("wal flush", err)
	}
	if err := fdatasync(w.file); err != nil {
		return model.Storage("wal sync", err)
	}
	w.groupCommitPending = 0
	w.persistedSeq = w.commitSeq
	w.syncCond.Broadcast()
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold w.mu.
func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		if err := fdatasync(w.file); err != nil {
			return model.Storage("wal sync", err)
		}
		w.persistedSeq = w.commitSeq
		return nil

	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.commitSeq

		// Trigger immediate fsync if batch size threshold reached
		if w.groupCommitPending >= w.groupCommitMaxOps {
			return w.doGroupCommit()
		}

		// syncCond.Wait() releases w.mu, allowing the background worker
		// (or other committers) to acquire it and perform the sync.
		for w.persistedSeq < targetSeq && w.syncErr == nil && w.file != nil {
			w.syncCond.Wait()
		}
		if w.persistedSeq < targetSeq {
			if w.syncErr != nil {
				return model.Storage("wal sync", w.syncErr)
			}
			return ErrClosed
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and wakes waiting committers.
// Caller must hold w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 || w.file == nil {
		return nil
	}

	if err := fdatasync(w.file); err != nil {
		w.syncErr = err
		w.syncCond.Broadcast()
		return model.Storage("wal sync", err)
	}

	w.syncErr = nil
	w.groupCommitPending = 0
	w.persistedSeq = w.commitSeq
	w.syncCond.Broadcast()
	return nil
}

// groupCommitWorker runs in a background goroutine and performs periodic fsync.
func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	for {
		select {
		case <-w.groupCommitStopCh:
			// Final fsync before shutdown
			w.mu.Lock()
			if err := w.doGroupCommit(); err != nil {
				w.logger.Error("wal: final group commit failed", "error", err)
			}
			w.mu.Unlock()
			return

		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			if err := w.doGroupCommit(); err != nil {
				w.logger.Error("wal: group commit failed", "error", err)
			}
			w.mu.Unlock()
		}
	}
}

// Truncate drops every transaction with txid <= upTo. Committed
// transactions above upTo are kept in order; prepared or aborted ones are
// dropped. The new log starts with a checkpoint record for upTo and
// replaces the old file atomically.
func (w *WAL) Truncate(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return err
	}

	s, err := w.scan()
	if err != nil {
		return err
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return model.Storage("wal truncate", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	bw := bufio.NewWriterSize(tmp, 64<<10)
	size, err := writeWALHeader(bw, w.header)
	if err != nil {
		cleanup()
		return model.Storage("wal truncate", err)
	}

	var buf []byte
	buf = appendRecord(buf, RecordCheckpoint, max(upTo, s.info.Checkpoint), nil)
	for _, id := range s.committed() {
		if id <= upTo {
			continue
		}
		buf = appendRecord(buf, RecordPrepare, id, s.txs[id].prepare)
		buf = appendRecord(buf, RecordCommit, id, nil)
	}
	if _, err := bw.Write(buf); err != nil {
		cleanup()
		return model.Storage("wal truncate", err)
	}
	size += int64(len(buf))

	if err := bw.Flush(); err != nil {
		cleanup()
		return model.Storage("wal truncate", err)
	}
	if err := fdatasync(tmp); err != nil {
		cleanup()
		return model.Storage("wal truncate", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return model.Storage("wal truncate", err)
	}

	if err := os.Rename(tmpPath, w.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return model.Storage("wal truncate", err)
	}
	if err := syncDir(filepath.Dir(w.filePath)); err != nil {
		return model.Storage("wal truncate", err)
	}

	file, err := os.OpenFile(w.filePath, os.O_RDWR, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return model.Storage("wal reopen", err)
	}
	if _, err := file.Seek(size, io.SeekStart); err != nil {
		_ = file.Close()
		return model.Storage("wal reopen", err)
	}

	_ = w.file.Close()
	w.file = file
	w.bufWriter.Reset(file)
	w.size = size
	w.lastTxID = max(w.lastTxID, upTo)
	return nil
}

// Close closes the WAL file gracefully.
//
// This method:
// 1. Signals the group commit worker to stop (if running)
// 2. Waits for the worker to finish (ensuring clean shutdown)
// 3. Flushes and syncs pending records
// 4. Closes the file
//
// After Close() returns, the WAL is no longer usable.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Check if already closed (idempotency)
	if w.file == nil {
		return nil
	}

	// Stop group commit worker if running (only once)
	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait() // Wait for worker to finish (ensures no goroutine leak)
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	syncErr := w.syncLocked()
	err := w.file.Close()
	w.file = nil // Mark as closed
	w.syncCond.Broadcast()
	w.closeCodecs()

	if syncErr != nil {
		return syncErr
	}
	return err
}

func (w *WAL) closeCodecs() {
	if w.encoder != nil {
		_ = w.encoder.Close()
		w.encoder = nil
	}
	if w.decoder != nil {
		w.decoder.Close()
		w.decoder = nil
	}
}
