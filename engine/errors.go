package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/strata/model"
)

var (
	// ErrTxTimeout is returned by Commit when the transaction outlived its
	// timeout. It is classified as a conflict: the caller may retry.
	ErrTxTimeout = &model.ConflictError{Reason: "transaction timed out"}

	// ErrTxDone is returned when a committed or rolled back transaction is
	// used again.
	ErrTxDone = model.Constraint("transaction", "already committed or rolled back")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")
)

// Stage names a step of the commit protocol.
type Stage string

const (
	StageValidate    Stage = "validate"
	StageEncode      Stage = "encode"
	StagePrepare     Stage = "wal_prepare"
	StageVector      Stage = "vector"
	StageGraph       Stage = "graph"
	StageHistory     Stage = "history"
	StageVerify      Stage = "verify"
	StageWALCommit   Stage = "wal_commit"
	StageUnavailable Stage = "unavailable"
)

// CommitError reports a failed commit. Every store was reverted before it
// is returned; Err is the original failure and keeps its taxonomy kind.
type CommitError struct {
	TxID  uint64
	Stage Stage
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit tx %d failed at %s: %v", e.TxID, e.Stage, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
