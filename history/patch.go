package history

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/hupe1980/strata/model"
)

// ContentPatch returns the ContentChanged diff turning oldText into
// newText, with line addition and deletion counts.
func ContentPatch(oldText, newText string) model.Diff {
	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(oldText, newText))
	adds, dels := lineCounts(dmp, oldText, newText)
	return model.ContentDiff(patch, adds, dels)
}

func lineCounts(dmp *diffmatchpatch.DiffMatchPatch, oldText, newText string) (adds, dels int) {
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			adds += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			dels += countLines(d.Text)
		}
	}
	return adds, dels
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

// MetadataPatch returns the MetadataChanged diff turning oldMeta into
// newMeta. ok is false when both are equal.
func MetadataPatch(oldMeta, newMeta map[string]string) (d model.Diff, ok bool) {
	fields := make(map[string]model.FieldChange)
	for k, v := range newMeta {
		if old, found := oldMeta[k]; !found || old != v {
			fields[k] = model.FieldChange{Old: oldMeta[k], New: v}
		}
	}
	for k, v := range oldMeta {
		if _, found := newMeta[k]; !found {
			fields[k] = model.FieldChange{Old: v, Deleted: true}
		}
	}
	if len(fields) == 0 {
		return model.Diff{}, false
	}
	return model.MetadataDiff(fields), true
}

// State is the reconstructed content and metadata of an entity.
type State struct {
	VersionID model.VersionID
	Content   string
	Metadata  map[string]string
}

// Apply replays d onto st. A patch that does not apply cleanly is
// corruption of the chain.
func Apply(st *State, d model.Diff) error {
	switch d.Kind {
	case model.DiffInitial:
		st.Content = d.Content
	case model.DiffContentChanged:
		dmp := diffmatchpatch.New()
		patches, err := dmp.PatchFromText(d.Patch)
		if err != nil {
			return &model.CorruptionError{Offset: -1, Reason: "malformed content patch", Err: err}
		}
		out, applied := dmp.PatchApply(patches, st.Content)
		for _, ok := range applied {
			if !ok {
				return &model.CorruptionError{Offset: -1, Reason: "content patch does not apply"}
			}
		}
		st.Content = out
	case model.DiffMetadataChanged:
		if st.Metadata == nil {
			st.Metadata = make(map[string]string, len(d.Fields))
		}
		for k, fc := range d.Fields {
			if fc.Deleted {
				delete(st.Metadata, k)
				continue
			}
			st.Metadata[k] = fc.New
		}
	case model.DiffComposite:
		for _, p := range d.Parts {
			if err := Apply(st, p); err != nil {
				return err
			}
		}
	default:
		return &model.CorruptionError{Offset: -1, Reason: "unknown diff kind " + d.Kind.String()}
	}
	return nil
}
