package query

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// AsOf anchors a query in time. Version wins over Time.
type AsOf struct {
	Version model.VersionID
	Time    *time.Time
}

// IsZero reports whether no anchor is set.
func (a AsOf) IsZero() bool { return a.Version.IsZero() && a.Time == nil }

// Request describes one query.
type Request struct {
	// Embedding is the similarity query. It may be nil when Seeds are given.
	Embedding []float32

	// TopK is the number of similarity hits. It must be positive when
	// Embedding is set.
	TopK int

	// MaxDepth bounds graph expansion. Zero disables it.
	MaxDepth int

	// EdgeKinds restricts expansion to these kind names. Empty follows all.
	EdgeKinds []string

	// Direction is "outbound" (default), "inbound" or "both".
	Direction string

	IncludeHistory bool
	MinConfidence  float64
	AsOf           AsOf

	// Seeds are expanded in addition to the similarity hits.
	Seeds []uuid.UUID

	// Limit truncates the ranked items when positive.
	Limit int
}

// Source tells which stage produced an item.
type Source uint8

const (
	SourceVectorSearch Source = iota + 1
	SourceGraphTraversal
	SourceCombined
)

func (s Source) String() string {
	switch s {
	case SourceVectorSearch:
		return "vector_search"
	case SourceGraphTraversal:
		return "graph_traversal"
	case SourceCombined:
		return "combined"
	default:
		return fmt.Sprintf("source(%d)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is a query execution state.
type State uint8

const (
	StatePlanned State = iota
	StateVectorSearching
	StateGraphExpanding
	StateTemporalFiltering
	StateFusing
	StateDone
)

var stateNames = [...]string{
	StatePlanned:           "planned",
	StateVectorSearching:   "vector_searching",
	StateGraphExpanding:    "graph_expanding",
	StateTemporalFiltering: "temporal_filtering",
	StateFusing:            "fusing",
	StateDone:              "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Item is one ranked result.
type Item struct {
	NodeID  uuid.UUID      `json:"node_id"`
	Name    string         `json:"name"`
	Kind    model.NodeKind `json:"kind"`
	Content string         `json:"content"`
	Source  Source         `json:"source"`
	Score   float64        `json:"score"`

	// VectorScore and GraphScore are the contributions fused into Score.
	VectorScore float64 `json:"vector_score,omitempty"`
	GraphScore  float64 `json:"graph_score,omitempty"`

	// Depth is the hop count from the nearest seed; 0 for pure vector hits.
	Depth    int                 `json:"depth"`
	EdgePath []model.EdgeKind    `json:"edge_path,omitempty"`
	Seed     uuid.UUID           `json:"seed,omitzero"`
	Versions []model.VersionInfo `json:"versions,omitempty"`
}

// Metadata describes how a query ran.
type Metadata struct {
	State State `json:"state"`

	// Snapshot is the commit sequence the query read.
	Snapshot uint64 `json:"snapshot"`

	// Stages holds the duration of every stage that ran.
	Stages map[State]time.Duration `json:"stages"`

	// Degraded maps the name of a failed stage to its error. The stage's
	// contribution is missing from the items.
	Degraded map[string]string `json:"degraded,omitempty"`
}

// Response is the result of a query.
type Response struct {
	Items         []Item        `json:"items"`
	NodesExamined int           `json:"nodes_examined"`
	QueryTime     time.Duration `json:"query_time"`
	Metadata      Metadata      `json:"metadata"`
}

// Impacted is a node affected by a change, at its hop distance.
type Impacted struct {
	NodeID   uuid.UUID        `json:"node_id"`
	Name     string           `json:"name"`
	Distance int              `json:"distance"`
	Path     []model.EdgeKind `json:"path"`
}
