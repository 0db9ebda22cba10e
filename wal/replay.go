package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/hupe1980/strata/model"
)

type txState struct {
	prepare []byte // raw, possibly compressed
	marker  RecordType
}

type logState struct {
	txs  map[uint64]*txState
	info ReplayInfo
	end  int64 // offset after the last complete record
}

// scan validates every record after the header. Caller must hold w.mu and
// have flushed the buffered writer.
func (w *WAL) scan() (*logState, error) {
	st, err := w.file.Stat()
	if err != nil {
		return nil, model.Storage("wal stat", err)
	}

	r := bufio.NewReaderSize(io.NewSectionReader(w.file, w.header.HeaderLen, st.Size()-w.header.HeaderLen), 64<<10)
	s := &logState{txs: make(map[uint64]*txState), end: w.header.HeaderLen}

	for {
		rec, n, err := readRecord(r, s.end)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, errTornTail) {
				s.info.TornTail = true
				break
			}
			return nil, err
		}

		if err := s.apply(rec); err != nil {
			var ce *model.CorruptionError
			if errors.As(err, &ce) {
				ce.Offset = s.end
			}
			return nil, err
		}
		s.end += n
	}

	for _, tx := range s.txs {
		switch tx.marker {
		case RecordCommit:
			s.info.Committed++
		case RecordAbort:
			s.info.Aborted++
		default:
			s.info.Discarded++
		}
	}
	return s, nil
}

func (s *logState) apply(rec record) error {
	s.info.LastTxID = max(s.info.LastTxID, rec.TxID)

	switch rec.Type {
	case RecordPrepare:
		if _, ok := s.txs[rec.TxID]; ok {
			return &model.CorruptionError{Reason: fmt.Sprintf("duplicate prepare for tx %d", rec.TxID)}
		}
		s.txs[rec.TxID] = &txState{prepare: rec.Payload}
	case RecordCommit, RecordAbort:
		tx, ok := s.txs[rec.TxID]
		if !ok {
			return &model.CorruptionError{Reason: fmt.Sprintf("%s for unknown tx %d", rec.Type, rec.TxID)}
		}
		if tx.marker != 0 {
			return &model.CorruptionError{Reason: fmt.Sprintf("%s for finished tx %d", rec.Type, rec.TxID)}
		}
		tx.marker = rec.Type
	case RecordCheckpoint:
		s.info.Checkpoint = max(s.info.Checkpoint, rec.TxID)
	}
	return nil
}

func (s *logState) committed() []uint64 {
	ids := make([]uint64, 0, s.info.Committed)
	for id, tx := range s.txs {
		if tx.marker == RecordCommit {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Replay calls fn for every committed transaction in txid order. Prepared
// transactions without a commit marker are discarded. The whole log is
// validated before fn is first called, so a corrupt log applies nothing.
func (w *WAL) Replay(fn func(tx Tx) error) (ReplayInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ReplayInfo{}, ErrClosed
	}
	if err := w.bufWriter.Flush(); err != nil {
		return ReplayInfo{}, model.Storage("wal flush", err)
	}

	s, err := w.scan()
	if err != nil {
		return ReplayInfo{}, err
	}

	for _, id := range s.committed() {
		payload, err := w.decodePayload(s.txs[id].prepare)
		if err != nil {
			return s.info, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("payload of tx %d", id), Err: err}
		}
		if err := fn(Tx{ID: id, Payload: payload}); err != nil {
			return s.info, err
		}
	}
	return s.info, nil
}

func (w *WAL) decodePayload(raw []byte) ([]byte, error) {
	if !w.header.Compressed {
		return raw, nil
	}
	return w.decoder.DecodeAll(raw, nil)
}
