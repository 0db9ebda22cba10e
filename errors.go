package strata

import (
	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/model"
)

// Sentinel errors. Every error returned by strata matches exactly one of
// them with errors.Is, or none if it is a plain context error.
var (
	ErrNotFound            = model.ErrNotFound
	ErrDimensionMismatch   = model.ErrDimensionMismatch
	ErrConstraintViolation = model.ErrConstraintViolation
	ErrConflict            = model.ErrConflict
	ErrStorageFailure      = model.ErrStorageFailure
	ErrCorruption          = model.ErrCorruption

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = engine.ErrClosed

	// ErrTxTimeout is a conflict returned when a transaction outlived its timeout.
	ErrTxTimeout = engine.ErrTxTimeout
)

// Typed errors carrying detail. Use errors.As to inspect them.
type (
	NotFoundError          = model.NotFoundError
	DimensionMismatchError = model.DimensionMismatchError
	ConstraintError        = model.ConstraintError
	ConflictError          = model.ConflictError
	StorageError           = model.StorageError
	CorruptionError        = model.CorruptionError

	// CommitError reports a commit that was rolled back at Stage.
	CommitError = engine.CommitError
)

// ErrorKind classifies an error within the taxonomy.
type ErrorKind = model.ErrorKind

// Error kinds.
const (
	KindUnknown             = model.KindUnknown
	KindNotFound            = model.KindNotFound
	KindDimensionMismatch   = model.KindDimensionMismatch
	KindConstraintViolation = model.KindConstraintViolation
	KindConflict            = model.KindConflict
	KindStorageFailure      = model.KindStorageFailure
	KindCorruption          = model.KindCorruption
)

// KindOf returns the taxonomy kind of err.
func KindOf(err error) ErrorKind { return model.KindOf(err) }
