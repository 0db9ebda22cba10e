package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/model"
)

// OpKind identifies a staged operation.
type OpKind uint8

const (
	OpUpsertVector OpKind = iota + 1
	OpDeleteVector
	OpPutNode
	OpCreateNode
	OpDeleteNode
	OpPutEdge
	OpDeleteEdge
	OpAppendVersion
	OpCreateBranch
	OpMergeBranch
)

var opNames = map[OpKind]string{
	OpUpsertVector:  "upsert_vector",
	OpDeleteVector:  "delete_vector",
	OpPutNode:       "put_node",
	OpCreateNode:    "create_node",
	OpDeleteNode:    "delete_node",
	OpPutEdge:       "put_edge",
	OpDeleteEdge:    "delete_edge",
	OpAppendVersion: "append_version",
	OpCreateBranch:  "create_branch",
	OpMergeBranch:   "merge_branch",
}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k OpKind) MarshalText() ([]byte, error) {
	if _, ok := opNames[k]; !ok {
		return nil, fmt.Errorf("unknown op kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OpKind) UnmarshalText(b []byte) error {
	for kind, name := range opNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown op kind %q", b)
}

// store returns the apply phase an op belongs to.
func (k OpKind) store() Stage {
	switch k {
	case OpUpsertVector, OpDeleteVector:
		return StageVector
	case OpAppendVersion, OpCreateBranch, OpMergeBranch:
		return StageHistory
	default:
		return StageGraph
	}
}

// BranchOp creates a branch.
type BranchOp struct {
	Name      string          `json:"name"`
	Base      model.VersionID `json:"base"`
	CreatedAt time.Time       `json:"created_at"`
}

// Op is one staged operation. It is also the unit logged in a WAL Prepare
// record, so every field needed to re-apply it deterministically (ids,
// timestamps) is fixed when it is staged.
type Op struct {
	Kind    OpKind                 `json:"op"`
	ID      uuid.UUID              `json:"id,omitzero"`
	Vector  []float32              `json:"vector,omitempty"`
	Node    *model.Node            `json:"node,omitempty"`
	Edge    *model.Edge            `json:"edge,omitempty"`
	Version *history.AppendRequest `json:"version,omitempty"`
	Branch  *BranchOp              `json:"branch,omitempty"`
	Merge   *history.MergeRequest  `json:"merge,omitempty"`
}

type txPayload struct {
	Ops []Op `json:"ops"`
}

func encodeOps(c codec.Codec, ops []Op) ([]byte, error) {
	return codec.Encode(c, txPayload{Ops: ops})
}

func decodeOps(c codec.Codec, data []byte) ([]Op, error) {
	p, err := codec.Decode[txPayload](c, data)
	if err != nil {
		return nil, err
	}
	return p.Ops, nil
}
