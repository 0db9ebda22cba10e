package ingest

import (
	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// Artifact is a parsed entity ready for ingestion.
type Artifact struct {
	Name       string
	Kind       model.NodeKind
	Content    string
	Provenance model.Provenance
	Metadata   map[string]string

	// Embedding is optional. When set it must have the engine dimension.
	Embedding []float32

	// Edges are explicit outbound relationships to existing nodes.
	Edges []EdgeSpec

	// Author and Message annotate the version entry.
	Author  string
	Message string
}

// EdgeSpec is an explicit outbound edge of an artifact.
type EdgeSpec struct {
	Kind       model.EdgeKind
	Target     uuid.UUID
	Confidence float64
	Metadata   map[string]string
}

func (a *Artifact) validate() error {
	if a.Name == "" {
		return model.Constraint("ingest", "artifact name is empty")
	}
	if err := a.Kind.Validate(); err != nil {
		return err
	}
	for _, e := range a.Edges {
		if !e.Kind.Valid() {
			return model.Constraint("ingest", "artifact %q has an edge of unknown kind %d", a.Name, e.Kind)
		}
		if e.Target == uuid.Nil {
			return model.Constraint("ingest", "artifact %q has an edge without target", a.Name)
		}
	}
	return nil
}

func (a *Artifact) identity() string {
	return model.IdentityOf(a.Provenance.FilePath, a.Name)
}

// Result describes one ingested artifact.
type Result struct {
	NodeID       uuid.UUID       `json:"node_id"`
	VersionID    model.VersionID `json:"version_id"`
	EdgesCreated int             `json:"edges_created"`

	// Created is set for new nodes, Unchanged when the content hash matched
	// the live node and nothing was written.
	Created   bool `json:"created"`
	Unchanged bool `json:"unchanged"`
}
