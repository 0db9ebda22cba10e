package model

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// EdgeKind is the closed set of relationship kinds.
type EdgeKind uint8

const (
	EdgeDefines EdgeKind = iota + 1
	EdgeCalls
	EdgeImports
	EdgeDocuments
	EdgeTestsOf
	EdgeVersionedBy
	EdgeContains
	EdgeImplements
	EdgeDependsOn
	EdgeConfigures
)

var edgeKindNames = [...]string{
	EdgeDefines:     "defines",
	EdgeCalls:       "calls",
	EdgeImports:     "imports",
	EdgeDocuments:   "documents",
	EdgeTestsOf:     "tests_of",
	EdgeVersionedBy: "versioned_by",
	EdgeContains:    "contains",
	EdgeImplements:  "implements",
	EdgeDependsOn:   "depends_on",
	EdgeConfigures:  "configures",
}

// AllEdgeKinds lists every edge kind in enum order.
var AllEdgeKinds = []EdgeKind{
	EdgeDefines, EdgeCalls, EdgeImports, EdgeDocuments, EdgeTestsOf,
	EdgeVersionedBy, EdgeContains, EdgeImplements, EdgeDependsOn, EdgeConfigures,
}

func (k EdgeKind) String() string {
	if k.Valid() {
		return edgeKindNames[k]
	}
	return fmt.Sprintf("edge_kind(%d)", k)
}

// Valid reports whether k is a member of the closed set.
func (k EdgeKind) Valid() bool {
	return k >= EdgeDefines && k <= EdgeConfigures
}

// ParseEdgeKind parses an edge kind name. Unknown names are a contract
// violation.
func ParseEdgeKind(s string) (EdgeKind, error) {
	for _, k := range AllEdgeKinds {
		if edgeKindNames[k] == s {
			return k, nil
		}
	}
	return 0, Constraint("parse edge kind", "unknown edge kind %q", s)
}

// ParseEdgeKinds parses a list of names, failing on the first unknown one.
func ParseEdgeKinds(names []string) ([]EdgeKind, error) {
	kinds := make([]EdgeKind, 0, len(names))
	for _, n := range names {
		k, err := ParseEdgeKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k EdgeKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, Constraint("edge kind", "invalid value %d", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EdgeKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEdgeKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TemporalWindow bounds the validity of an edge. A zero Until means the edge
// is currently active.
type TemporalWindow struct {
	Since     VersionID `json:"since,omitempty"`
	Until     VersionID `json:"until,omitempty"`
	SinceTime time.Time `json:"since_ts"`
	UntilTime time.Time `json:"until_ts"`
	ViaCommit string    `json:"via_commit,omitempty"`
}

// LiveAt reports whether the window covers t.
func (w TemporalWindow) LiveAt(t time.Time) bool {
	if w.SinceTime.After(t) {
		return false
	}
	return w.Until.IsZero() || w.UntilTime.After(t)
}

// Active reports whether the window is open-ended.
func (w TemporalWindow) Active() bool { return w.Until.IsZero() }

// Validate checks that Until, when set, is causally after Since.
func (w TemporalWindow) Validate() error {
	if w.Until.IsZero() {
		return nil
	}
	if !w.Since.IsZero() && !w.Since.Before(w.Until) {
		return Constraint("edge window", "until %s is not after since %s", w.Until, w.Since)
	}
	if w.UntilTime.Before(w.SinceTime) {
		return Constraint("edge window", "until timestamp precedes since timestamp")
	}
	return nil
}

// Edge is a directed relationship between two nodes.
type Edge struct {
	ID         uuid.UUID         `json:"id"`
	Kind       EdgeKind          `json:"kind"`
	Source     uuid.UUID         `json:"source"`
	Target     uuid.UUID         `json:"target"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Window     TemporalWindow    `json:"window"`
}

// NewEdge returns an edge with a fresh id. Confidence is clamped to [0,1].
func NewEdge(kind EdgeKind, source, target uuid.UUID, confidence float64) *Edge {
	return &Edge{
		ID:         NewEdgeID(),
		Kind:       kind,
		Source:     source,
		Target:     target,
		Confidence: ClampConfidence(confidence),
	}
}

// ClampConfidence clamps c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Validate checks the edge-local invariants. Endpoint existence is checked by
// the graph store.
func (e *Edge) Validate() error {
	if e.ID == uuid.Nil {
		return Constraint("edge", "id is nil")
	}
	if !e.Kind.Valid() {
		return Constraint("edge", "invalid kind %d", e.Kind)
	}
	if e.Source == uuid.Nil || e.Target == uuid.Nil {
		return Constraint("edge", "endpoint is nil")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return Constraint("edge", "confidence %v outside [0,1]", e.Confidence)
	}
	return e.Window.Validate()
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id uuid.UUID) uuid.UUID {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

// Clone returns a deep copy of e.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}
