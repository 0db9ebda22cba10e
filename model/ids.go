package model

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
)

// VersionID identifies a VersionEntry.
//
// Identifiers are built from time-ordered UUIDs, so comparing two ids created by
// the same process orders them by creation.
type VersionID string

const versionPrefix = "v-"

// NewVersionID returns a fresh, monotonically ordered version identifier.
func NewVersionID() VersionID {
	return VersionID(versionPrefix + uuid.Must(uuid.NewV7()).String())
}

// String implements fmt.Stringer.
func (v VersionID) String() string { return string(v) }

// IsZero reports whether v is unset.
func (v VersionID) IsZero() bool { return v == "" }

// Valid reports whether v has the version id shape.
func (v VersionID) Valid() bool {
	rest, ok := strings.CutPrefix(string(v), versionPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// Before reports whether v was created before o.
func (v VersionID) Before(o VersionID) bool { return v < o }

// NewNodeID returns a random node identifier.
func NewNodeID() uuid.UUID { return uuid.New() }

// NewEdgeID returns a random edge identifier.
func NewEdgeID() uuid.UUID { return uuid.New() }

// CompareIDs orders two uuids bytewise. It is the tie-break used wherever
// results must be deterministic.
func CompareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
