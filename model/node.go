package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the top-level discriminator of a node kind.
type Category uint8

const (
	CategoryCodeEntity Category = iota + 1
	CategoryDocument
	CategoryTest
	CategoryConfiguration
)

func (c Category) String() string {
	switch c {
	case CategoryCodeEntity:
		return "code_entity"
	case CategoryDocument:
		return "document"
	case CategoryTest:
		return "test"
	case CategoryConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("category(%d)", c)
	}
}

// CodeKind is the sub-kind of a code entity.
type CodeKind uint8

const (
	CodeNone CodeKind = iota
	CodeFunction
	CodeMethod
	CodeStruct
	CodeEnum
	CodeTrait
	CodeInterface
	CodeModule
	CodeClass
	CodeConstant
	CodeVariable
	CodeTypeAlias
	CodeMacro
)

var codeKindNames = [...]string{
	CodeNone:      "",
	CodeFunction:  "function",
	CodeMethod:    "method",
	CodeStruct:    "struct",
	CodeEnum:      "enum",
	CodeTrait:     "trait",
	CodeInterface: "interface",
	CodeModule:    "module",
	CodeClass:     "class",
	CodeConstant:  "constant",
	CodeVariable:  "variable",
	CodeTypeAlias: "type_alias",
	CodeMacro:     "macro",
}

func (k CodeKind) String() string {
	if int(k) < len(codeKindNames) {
		return codeKindNames[k]
	}
	return fmt.Sprintf("code(%d)", k)
}

// NodeKind is the closed set of node kinds. Code entities carry a sub-kind;
// all other categories leave Code at CodeNone.
type NodeKind struct {
	Category Category
	Code     CodeKind
}

// Convenience kinds.
var (
	KindFunction      = NodeKind{Category: CategoryCodeEntity, Code: CodeFunction}
	KindMethod        = NodeKind{Category: CategoryCodeEntity, Code: CodeMethod}
	KindStruct        = NodeKind{Category: CategoryCodeEntity, Code: CodeStruct}
	KindModule        = NodeKind{Category: CategoryCodeEntity, Code: CodeModule}
	KindDocument      = NodeKind{Category: CategoryDocument}
	KindTest          = NodeKind{Category: CategoryTest}
	KindConfiguration = NodeKind{Category: CategoryConfiguration}
)

// CodeEntity returns the code entity kind with the given sub-kind.
func CodeEntity(code CodeKind) NodeKind {
	return NodeKind{Category: CategoryCodeEntity, Code: code}
}

func (k NodeKind) String() string {
	if k.Category == CategoryCodeEntity {
		return k.Category.String() + ":" + k.Code.String()
	}
	return k.Category.String()
}

// Validate checks that k is a member of the closed set.
func (k NodeKind) Validate() error {
	switch k.Category {
	case CategoryCodeEntity:
		if k.Code == CodeNone || int(k.Code) >= len(codeKindNames) {
			return Constraint("node kind", "code entity requires a known sub-kind")
		}
		return nil
	case CategoryDocument, CategoryTest, CategoryConfiguration:
		if k.Code != CodeNone {
			return Constraint("node kind", "%s does not take a sub-kind", k.Category)
		}
		return nil
	default:
		return Constraint("node kind", "unknown category %d", k.Category)
	}
}

// IsModule reports whether k is the module code kind.
func (k NodeKind) IsModule() bool { return k == KindModule }

// ParseNodeKind parses the String form of a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	cat, code, hasCode := strings.Cut(s, ":")
	var k NodeKind
	switch cat {
	case "code_entity":
		k.Category = CategoryCodeEntity
		for i, name := range codeKindNames {
			if i > 0 && name == code {
				k.Code = CodeKind(i)
			}
		}
		if k.Code == CodeNone {
			return NodeKind{}, Constraint("parse node kind", "unknown code entity sub-kind in %q", s)
		}
	case "document":
		k.Category = CategoryDocument
	case "test":
		k.Category = CategoryTest
	case "configuration":
		k.Category = CategoryConfiguration
	default:
		return NodeKind{}, Constraint("parse node kind", "unknown kind %q", s)
	}
	if hasCode && k.Category != CategoryCodeEntity {
		return NodeKind{}, Constraint("parse node kind", "%s does not take a sub-kind: %q", cat, s)
	}
	if err := k.Validate(); err != nil {
		return NodeKind{}, Constraint("parse node kind", "invalid kind %q", s)
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k NodeKind) MarshalText() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *NodeKind) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Hash is a SHA-256 content digest.
type Hash [sha256.Size]byte

// HashContent returns the digest of content.
func HashContent(content string) Hash {
	return sha256.Sum256([]byte(content))
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	n, err := hex.Decode(h[:], b)
	if err != nil {
		return err
	}
	if n != len(h) {
		return fmt.Errorf("hash: expected %d bytes, got %d", len(h), n)
	}
	return nil
}

// LineRange is an inclusive 1-based line span.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Provenance records where a node came from.
type Provenance struct {
	FilePath   string     `json:"file_path"`
	Lines      *LineRange `json:"lines,omitempty"`
	CommitID   string     `json:"commit_id,omitempty"`
	RepoURL    string     `json:"repo_url,omitempty"`
	RepoBranch string     `json:"repo_branch,omitempty"`
}

// Node is a versioned artifact in the graph.
type Node struct {
	ID             uuid.UUID         `json:"id"`
	Kind           NodeKind          `json:"kind"`
	Name           string            `json:"name"`
	Content        string            `json:"content"`
	ContentHash    Hash              `json:"content_hash"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Provenance     Provenance        `json:"provenance"`
	Embedding      []float32         `json:"embedding,omitempty"`
	CurrentVersion VersionID         `json:"current_version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewNode returns a node with a fresh id, hashed content and both timestamps
// set to now.
func NewNode(kind NodeKind, name, content string) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:          NewNodeID(),
		Kind:        kind,
		Name:        name,
		Content:     content,
		ContentHash: HashContent(content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Rehash recomputes ContentHash from Content.
func (n *Node) Rehash() { n.ContentHash = HashContent(n.Content) }

// Validate checks the node-local invariants. The current_version invariant
// spans stores and is enforced by the transaction coordinator.
func (n *Node) Validate() error {
	if n.ID == uuid.Nil {
		return Constraint("node", "id is nil")
	}
	if n.Name == "" {
		return Constraint("node", "name is empty")
	}
	if err := n.Kind.Validate(); err != nil {
		return err
	}
	if n.ContentHash != HashContent(n.Content) {
		return Constraint("node", "content hash does not match content of %s", n.ID)
	}
	if !n.CurrentVersion.IsZero() && !n.CurrentVersion.Valid() {
		return Constraint("node", "malformed current version %q", n.CurrentVersion)
	}
	return nil
}

// Identity is the ingestion identity of a node: its file path and name.
func (n *Node) Identity() string {
	return IdentityOf(n.Provenance.FilePath, n.Name)
}

// IdentityOf builds the identity key used for ingestion dedup.
func IdentityOf(filePath, name string) string {
	return filePath + "\x00" + name
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Metadata = maps.Clone(n.Metadata)
	if n.Embedding != nil {
		c.Embedding = append([]float32(nil), n.Embedding...)
	}
	if n.Provenance.Lines != nil {
		lr := *n.Provenance.Lines
		c.Provenance.Lines = &lr
	}
	return &c
}
