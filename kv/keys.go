package kv

import (
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// Key space prefixes.
const (
	PrefixNode      = "node/"
	PrefixEdge      = "edge/"
	PrefixOut       = "out/"
	PrefixIn        = "in/"
	PrefixEmbedding = "emb/"
	PrefixVersion   = "ver/"
	PrefixChain     = "chain/"
	PrefixBranch    = "branch/"
	PrefixMeta      = "meta/"
)

// CheckpointKey holds the sequence the persisted state reflects.
var CheckpointKey = []byte(PrefixMeta + "checkpoint_seq")

func NodeKey(id uuid.UUID) []byte      { return []byte(PrefixNode + id.String()) }
func EdgeKey(id uuid.UUID) []byte      { return []byte(PrefixEdge + id.String()) }
func EmbeddingKey(id uuid.UUID) []byte { return []byte(PrefixEmbedding + id.String()) }
func ChainKey(id uuid.UUID) []byte     { return []byte(PrefixChain + id.String()) }
func VersionKey(id model.VersionID) []byte {
	return []byte(PrefixVersion + string(id))
}
func BranchKey(name string) []byte { return []byte(PrefixBranch + name) }

// OutKey is the outbound adjacency key of node for kind.
func OutKey(node uuid.UUID, kind model.EdgeKind) []byte {
	return []byte(PrefixOut + node.String() + "/" + kind.String())
}

// InKey is the inbound adjacency key of node for kind.
func InKey(node uuid.UUID, kind model.EdgeKind) []byte {
	return []byte(PrefixIn + node.String() + "/" + kind.String())
}

// ParseAdjacencyKey splits an out/ or in/ key into its node and kind.
func ParseAdjacencyKey(key []byte) (node uuid.UUID, kind model.EdgeKind, outbound bool, err error) {
	s := string(key)
	switch {
	case strings.HasPrefix(s, PrefixOut):
		s, outbound = s[len(PrefixOut):], true
	case strings.HasPrefix(s, PrefixIn):
		s = s[len(PrefixIn):]
	default:
		return uuid.Nil, 0, false, model.Constraint("parse adjacency key", "unexpected key %q", key)
	}
	idPart, kindPart, ok := strings.Cut(s, "/")
	if !ok {
		return uuid.Nil, 0, false, model.Constraint("parse adjacency key", "malformed key %q", key)
	}
	if node, err = uuid.Parse(idPart); err != nil {
		return uuid.Nil, 0, false, model.Constraint("parse adjacency key", "bad node id in %q", key)
	}
	if kind, err = model.ParseEdgeKind(kindPart); err != nil {
		return uuid.Nil, 0, false, err
	}
	return node, kind, outbound, nil
}

// TrimID parses the uuid that follows prefix in key.
func TrimID(key []byte, prefix string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimPrefix(string(key), prefix))
}
