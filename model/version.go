package model

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MainBranch is the implicit default branch every entity has.
const MainBranch = "main"

// DiffKind discriminates the Diff variants.
type DiffKind uint8

const (
	DiffInitial DiffKind = iota + 1
	DiffContentChanged
	DiffMetadataChanged
	DiffComposite
)

func (k DiffKind) String() string {
	switch k {
	case DiffInitial:
		return "initial"
	case DiffContentChanged:
		return "content_changed"
	case DiffMetadataChanged:
		return "metadata_changed"
	case DiffComposite:
		return "composite"
	default:
		return fmt.Sprintf("diff_kind(%d)", k)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k DiffKind) MarshalText() ([]byte, error) {
	if k < DiffInitial || k > DiffComposite {
		return nil, Constraint("diff kind", "invalid value %d", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DiffKind) UnmarshalText(b []byte) error {
	for c := DiffInitial; c <= DiffComposite; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return Constraint("diff kind", "unknown kind %q", b)
}

// FieldChange is one metadata field substitution. Deleted removes the
// field; otherwise New is its value, which may be empty.
type FieldChange struct {
	Old     string `json:"old"`
	New     string `json:"new"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Diff is a tagged variant. Only the fields of the active Kind are set:
//
//   - DiffInitial: Content
//   - DiffContentChanged: Patch, Additions, Deletions
//   - DiffMetadataChanged: Fields
//   - DiffComposite: Parts
type Diff struct {
	Kind      DiffKind               `json:"kind"`
	Content   string                 `json:"content,omitempty"`
	Patch     string                 `json:"patch,omitempty"`
	Additions int                    `json:"additions,omitempty"`
	Deletions int                    `json:"deletions,omitempty"`
	Fields    map[string]FieldChange `json:"fields,omitempty"`
	Parts     []Diff                 `json:"parts,omitempty"`
}

// InitialDiff records full initial content.
func InitialDiff(content string) Diff {
	return Diff{Kind: DiffInitial, Content: content}
}

// ContentDiff records a textual patch.
func ContentDiff(patch string, additions, deletions int) Diff {
	return Diff{Kind: DiffContentChanged, Patch: patch, Additions: additions, Deletions: deletions}
}

// MetadataDiff records metadata field substitutions.
func MetadataDiff(fields map[string]FieldChange) Diff {
	return Diff{Kind: DiffMetadataChanged, Fields: fields}
}

// CompositeDiff groups sub-diffs applied in order.
func CompositeDiff(parts ...Diff) Diff {
	return Diff{Kind: DiffComposite, Parts: parts}
}

// Validate checks that only the fields of the active variant are set.
func (d Diff) Validate() error {
	switch d.Kind {
	case DiffInitial:
		if d.Patch != "" || d.Fields != nil || d.Parts != nil {
			return Constraint("diff", "initial diff carries foreign fields")
		}
	case DiffContentChanged:
		if d.Content != "" || d.Fields != nil || d.Parts != nil {
			return Constraint("diff", "content diff carries foreign fields")
		}
		if d.Additions < 0 || d.Deletions < 0 {
			return Constraint("diff", "negative line counts")
		}
	case DiffMetadataChanged:
		if len(d.Fields) == 0 {
			return Constraint("diff", "metadata diff without fields")
		}
	case DiffComposite:
		if len(d.Parts) == 0 {
			return Constraint("diff", "empty composite diff")
		}
		for _, p := range d.Parts {
			if err := p.Validate(); err != nil {
				return err
			}
		}
	default:
		return Constraint("diff", "invalid kind %d", d.Kind)
	}
	return nil
}

// LinesChanged is the size of the change in lines (fields for metadata
// diffs).
func (d Diff) LinesChanged() int {
	switch d.Kind {
	case DiffInitial:
		if d.Content == "" {
			return 0
		}
		return strings.Count(strings.TrimSuffix(d.Content, "\n"), "\n") + 1
	case DiffContentChanged:
		return d.Additions + d.Deletions
	case DiffMetadataChanged:
		return len(d.Fields)
	case DiffComposite:
		n := 0
		for _, p := range d.Parts {
			n += p.LinesChanged()
		}
		return n
	default:
		return 0
	}
}

// TouchesContent reports whether applying d can change content.
func (d Diff) TouchesContent() bool {
	switch d.Kind {
	case DiffInitial, DiffContentChanged:
		return true
	case DiffComposite:
		return slices.ContainsFunc(d.Parts, Diff.TouchesContent)
	default:
		return false
	}
}

// Clone returns a deep copy of d.
func (d Diff) Clone() Diff {
	c := d
	c.Fields = maps.Clone(d.Fields)
	if d.Parts != nil {
		c.Parts = make([]Diff, len(d.Parts))
		for i, p := range d.Parts {
			c.Parts[i] = p.Clone()
		}
	}
	return c
}

// VersionEntry is one immutable point in an entity's history.
type VersionEntry struct {
	ID        VersionID `json:"id"`
	EntityID  uuid.UUID `json:"entity_id"`
	Parent    VersionID `json:"parent,omitempty"`
	Branch    string    `json:"branch"`
	Diff      Diff      `json:"diff"`
	CommitID  string    `json:"commit_id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsRoot reports whether v starts a chain.
func (v *VersionEntry) IsRoot() bool { return v.Parent.IsZero() }

// Info projects v into the summary returned with query results.
func (v *VersionEntry) Info() VersionInfo {
	return VersionInfo{
		VersionID:    v.ID,
		Timestamp:    v.Timestamp,
		Message:      v.Message,
		Author:       v.Author,
		LinesChanged: v.Diff.LinesChanged(),
	}
}

// VersionInfo summarizes a version entry.
type VersionInfo struct {
	VersionID    VersionID `json:"version_id"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message,omitempty"`
	Author       string    `json:"author,omitempty"`
	LinesChanged int       `json:"lines_changed"`
}

// Branch is a named mutable pointer into a history chain.
type Branch struct {
	Name       string    `json:"name"`
	EntityID   uuid.UUID `json:"entity_id"`
	Head       VersionID `json:"head"`
	Base       VersionID `json:"base"`
	CreatedAt  time.Time `json:"created_at"`
	MergedInto string    `json:"merged_into,omitempty"`
}

// Merged reports whether b was merged.
func (b *Branch) Merged() bool { return b.MergedInto != "" }

// ValidateBranchName rejects empty names and the implicit main branch.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return Constraint("branch", "name is empty")
	case name == MainBranch:
		return Constraint("branch", "%q is implicit and cannot be created", MainBranch)
	case strings.ContainsAny(name, "/\x00"):
		return Constraint("branch", "name %q contains a reserved character", name)
	}
	return nil
}
