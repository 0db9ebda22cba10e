package model

import (
	"errors"
	"fmt"
)

// Sentinel errors of the strata error taxonomy.
var (
	ErrNotFound            = errors.New("not found")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrConflict            = errors.New("conflict")
	ErrStorageFailure      = errors.New("storage failure")
	ErrCorruption          = errors.New("corruption")
)

// ErrorKind classifies an error into the taxonomy.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindDimensionMismatch
	KindConstraintViolation
	KindConflict
	KindStorageFailure
	KindCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindConflict:
		return "conflict"
	case KindStorageFailure:
		return "storage_failure"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraintViolation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrStorageFailure):
		return KindStorageFailure
	default:
		return KindUnknown
	}
}

// NotFoundError reports a missing node, edge, version, branch or entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a *NotFoundError.
func NotFound(resource string, id fmt.Stringer) error {
	return &NotFoundError{Resource: resource, ID: id.String()}
}

// DimensionMismatchError reports a vector of the wrong size.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is matches ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// ConstraintError reports a violated contract: invalid arguments, dangling
// references, malformed merges.
type ConstraintError struct {
	Op     string
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Is matches ErrConstraintViolation.
func (e *ConstraintError) Is(target error) bool { return target == ErrConstraintViolation }

// Constraint builds a *ConstraintError with a formatted reason.
func Constraint(op, format string, args ...any) error {
	return &ConstraintError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports an optimistic-concurrency conflict or an unresolved
// branch merge.
type ConflictError struct {
	Reason string
	Key    string
}

func (e *ConflictError) Error() string {
	if e.Key == "" {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict on %s: %s", e.Key, e.Reason)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StorageError wraps a backend I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorageFailure.
func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// Storage wraps err as a *StorageError. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// CorruptionError reports inconsistent persisted state, typically found during
// WAL replay. It is fatal at startup.
type CorruptionError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	msg := "corruption"
	if e.Offset >= 0 {
		msg = fmt.Sprintf("corruption at offset %d", e.Offset)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is matches ErrCorruption.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }
