package ingest

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

var (
	callPattern   = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	importPattern = regexp.MustCompile(`(?m)^\s*(?:import|use|from)\b(.*)$`)
	identPattern  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

// DetectionKey marks edges created by the content scan.
const DetectionKey = "detection"

type known struct {
	id   uuid.UUID
	kind model.NodeKind
	file string
}

// catalog indexes the names a content scan can resolve.
type catalog struct {
	byName  map[string][]known
	modules map[string][]known // by file path
}

func newCatalog() *catalog {
	return &catalog{byName: make(map[string][]known), modules: make(map[string][]known)}
}

func (c *catalog) add(id uuid.UUID, name string, kind model.NodeKind, file string) {
	k := known{id: id, kind: kind, file: file}
	for _, e := range c.byName[name] {
		if e.id == id {
			return
		}
	}
	c.byName[name] = append(c.byName[name], k)
	if kind.IsModule() {
		c.modules[file] = append(c.modules[file], k)
	}
}

// reference is one detected relationship.
type reference struct {
	kind   model.EdgeKind
	source uuid.UUID
	target uuid.UUID
}

// scan returns the relationships content of node self implies.
func (c *catalog) scan(self uuid.UUID, name string, kind model.NodeKind, file, content string) []reference {
	var refs []reference
	seen := make(map[reference]struct{})
	add := func(r reference) {
		if r.source == r.target {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	}

	for _, m := range callPattern.FindAllStringSubmatch(content, -1) {
		callee := m[1]
		if callee == name {
			continue
		}
		for _, k := range c.byName[callee] {
			if k.kind.IsModule() {
				continue
			}
			add(reference{kind: model.EdgeCalls, source: self, target: k.id})
		}
	}

	for _, m := range importPattern.FindAllStringSubmatch(content, -1) {
		for _, tok := range identPattern.FindAllString(m[1], -1) {
			for _, k := range c.byName[tok] {
				if k.kind.IsModule() {
					add(reference{kind: model.EdgeImports, source: self, target: k.id})
				}
			}
		}
	}

	if !kind.IsModule() && file != "" {
		for _, k := range c.modules[file] {
			add(reference{kind: model.EdgeContains, source: k.id, target: self})
		}
	}
	return refs
}
