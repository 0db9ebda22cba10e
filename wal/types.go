package wal

import (
	"log/slog"
	"time"

	"github.com/hupe1980/strata/model"
)

// DurabilityMode defines the fsync behavior for commit records.
type DurabilityMode int

const (
	// DurabilityAsync represents asynchronous durability.
	// No fsync, fastest commits but committed transactions may be lost on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit represents group commit durability.
	// Commits block until a batched fsync covers them.
	// Amortizes fsync cost across concurrent committers.
	DurabilityGroupCommit

	// DurabilitySync represents synchronous durability.
	// fsync after every commit record.
	DurabilitySync
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilityAsync:
		return "async"
	case DurabilityGroupCommit:
		return "group_commit"
	case DurabilitySync:
		return "sync"
	default:
		return "unknown"
	}
}

// ParseDurabilityMode parses "async", "group" (or "group_commit") and "sync".
func ParseDurabilityMode(s string) (DurabilityMode, error) {
	switch s {
	case "async":
		return DurabilityAsync, nil
	case "group", "group_commit", "":
		return DurabilityGroupCommit, nil
	case "sync":
		return DurabilitySync, nil
	default:
		return 0, model.Constraint("parse durability", "unknown durability mode %q", s)
	}
}

// RecordType identifies a framed WAL record.
type RecordType uint8

const (
	// RecordPrepare carries the encoded operations of a transaction.
	RecordPrepare RecordType = iota + 1
	// RecordCommit marks a prepared transaction as committed.
	RecordCommit
	// RecordAbort marks a prepared transaction as abandoned.
	RecordAbort
	// RecordCheckpoint records that all transactions up to a sequence are
	// persisted in the backend.
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	case RecordCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Tx is a committed transaction returned by replay.
type Tx struct {
	ID      uint64
	Payload []byte
}

// ReplayInfo summarizes a replay pass.
type ReplayInfo struct {
	// Committed is the number of committed transactions found.
	Committed int
	// Aborted is the number of transactions with an abort marker.
	Aborted int
	// Discarded is the number of prepared transactions without any marker.
	Discarded int
	// Checkpoint is the highest checkpoint sequence recorded in the log.
	Checkpoint uint64
	// LastTxID is the highest transaction id seen in any record.
	LastTxID uint64
	// TornTail is true when an incomplete final record was ignored.
	TornTail bool
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// Codec is the name of the codec the payloads are encoded with. It is
	// recorded in the header of a new log; an existing log keeps its own.
	Codec string

	// Compress enables zstd compression of prepare payloads.
	Compress bool

	// CompressionLevel sets the zstd compression level (1-22).
	// Default (3) provides good balance. Higher = better compression but slower.
	CompressionLevel int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time to wait before fsync in GroupCommit mode.
	// Default: 10ms (100 fsync/sec max)
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum number of commits to batch before fsync in GroupCommit mode.
	// Default: 100
	GroupCommitMaxOps int

	// Logger receives warnings such as an ignored torn tail.
	Logger *slog.Logger
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Path:                ".",
	Codec:               "json",
	Compress:            false,
	CompressionLevel:    3,                     // zstd default level
	DurabilityMode:      DurabilityGroupCommit, // Balanced performance/durability
	GroupCommitInterval: 10 * time.Millisecond, // 100 fsync/sec max
	GroupCommitMaxOps:   100,                   // Batch up to 100 commits
}
