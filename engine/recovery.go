package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/wal"
)

// recover loads the backend and replays committed WAL transactions above
// the checkpoint.
func (e *Engine) recover(ctx context.Context) error {
	start := time.Now()

	ckpt, err := ReadCheckpoint(ctx, e.backend)
	if err != nil {
		return err
	}

	nv, err := e.vectors.Load(ctx, e.backend)
	if err != nil {
		return err
	}
	nn, ne, err := e.graph.Load(ctx, e.backend)
	if err != nil {
		return err
	}
	nh, err := e.history.Load(ctx, e.backend)
	if err != nil {
		return err
	}

	e.visible.Store(ckpt)
	e.checkpointSeq.Store(ckpt)
	e.nextSeq = ckpt

	replayed := 0
	info, err := e.durability.Replay(func(tx wal.Tx) error {
		if tx.ID <= ckpt {
			return nil
		}
		ops, err := decodeOps(e.codec, tx.Payload)
		if err != nil {
			return &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("decode tx %d", tx.ID), Err: err}
		}
		if _, _, err := e.apply(tx.ID, ops, true); err != nil {
			e.revert(tx.ID)
			return &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("replay tx %d", tx.ID), Err: err}
		}
		e.settle(tx.ID)
		e.visible.Store(tx.ID)
		e.nextSeq = tx.ID
		replayed++
		return nil
	})
	if err != nil {
		e.logger.Error("recovery failed", "error", err)
		return fmt.Errorf("recover: %w", err)
	}
	e.nextSeq = max(e.nextSeq, info.LastTxID)

	d := time.Since(start)
	e.metrics.OnRecovery(replayed, d)
	e.logger.Info("recovered",
		"checkpoint", ckpt,
		"visible", e.visible.Load(),
		"embeddings", nv,
		"nodes", nn,
		"edges", ne,
		"versions", nh,
		"replayed", replayed,
		"discarded", info.Discarded,
		"aborted", info.Aborted,
		"torn_tail", info.TornTail,
		"duration", d,
	)
	return nil
}

// ReadCheckpoint returns the checkpoint sequence stored in r, or 0 when
// none was written.
func ReadCheckpoint(ctx context.Context, r kv.Reader) (uint64, error) {
	v, err := r.Get(ctx, kv.CheckpointKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, model.Storage("read checkpoint", err)
	}
	if len(v) != 8 {
		return 0, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("checkpoint value has %d bytes", len(v))}
	}
	return binary.LittleEndian.Uint64(v), nil
}

// EncodeCheckpoint returns the stored form of a checkpoint sequence.
func EncodeCheckpoint(seq uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, seq)
}
