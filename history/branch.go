package history

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// CreateBranch stages a named branch forked at base.
func (s *Store) CreateBranch(seq uint64, name string, base model.VersionID, createdAt time.Time) (*model.Branch, error) {
	if err := model.ValidateBranchName(name); err != nil {
		return nil, err
	}
	v := s.newest()
	if _, exists := v.branch(name); exists {
		return nil, model.Constraint("create branch", "branch %q already exists", name)
	}
	b, ok := v.version(base)
	if !ok {
		return nil, &model.NotFoundError{Resource: "version", ID: base.String()}
	}
	if createdAt.IsZero() {
		createdAt = s.opts.Now()
	}

	br := &model.Branch{
		Name:      name,
		EntityID:  b.EntityID,
		Head:      base,
		Base:      base,
		CreatedAt: createdAt,
	}
	s.putBranch(seq, br)
	c := *br
	return &c, nil
}

// GetBranch returns the named branch visible at snap.
func (s *Store) GetBranch(snap uint64, name string) (*model.Branch, error) {
	b, ok := s.at(snap).branch(name)
	if !ok {
		return nil, &model.NotFoundError{Resource: "branch", ID: name}
	}
	c := *b
	return &c, nil
}

// ListBranches returns the named branches visible at snap sorted by name.
// A non-nil entity restricts the list to that entity's branches.
func (s *Store) ListBranches(snap uint64, entity uuid.UUID) []*model.Branch {
	var out []*model.Branch
	for _, b := range s.branches.All(snap) {
		if entity != uuid.Nil && b.EntityID != entity {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *model.Branch) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// MergeRequest describes a branch merge.
type MergeRequest struct {
	Source string

	// Target defaults to main of the source's entity.
	Target string

	// ID of the merge version, generated when empty.
	ID model.VersionID

	// Resolution, when set, is the diff recorded for the merge. It is
	// required when the target changed since the source forked.
	Resolution *model.Diff

	Author    string
	CommitID  string
	Timestamp time.Time
}

// MergeBranch stages one version on the target whose diff combines every
// change made on the source since its base, and marks the source merged.
func (s *Store) MergeBranch(seq uint64, req MergeRequest) (*model.VersionEntry, error) {
	v := s.newest()
	src, ok := v.branch(req.Source)
	if !ok {
		return nil, &model.NotFoundError{Resource: "branch", ID: req.Source}
	}
	if src.Merged() {
		return nil, model.Constraint("merge branch", "branch %q was already merged into %q", src.Name, src.MergedInto)
	}
	if req.Target == "" {
		req.Target = model.MainBranch
	}
	if req.Target == src.Name {
		return nil, model.Constraint("merge branch", "cannot merge %q into itself", src.Name)
	}
	if req.Target != model.MainBranch {
		dst, ok := v.branch(req.Target)
		if !ok {
			return nil, &model.NotFoundError{Resource: "branch", ID: req.Target}
		}
		if dst.Merged() {
			return nil, model.Constraint("merge branch", "target %q was merged into %q", dst.Name, dst.MergedInto)
		}
	}

	targetHead, err := v.head(src.EntityID, req.Target)
	if err != nil {
		return nil, err
	}
	ok, err = v.isAncestor(src.Base, targetHead)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Constraint("merge branch", "base %s of %q is not an ancestor of %q head %s", src.Base, src.Name, req.Target, targetHead)
	}

	var diffs []model.Diff
	for id := src.Head; id != src.Base; {
		e, ok := v.version(id)
		if !ok || id == "" {
			return nil, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("branch %q does not descend from its base %s", src.Name, src.Base)}
		}
		diffs = append(diffs, e.Diff.Clone())
		id = e.Parent
	}
	if len(diffs) == 0 {
		return nil, model.Constraint("merge branch", "branch %q has no changes since %s", src.Name, src.Base)
	}
	slices.Reverse(diffs)

	diff := model.CompositeDiff(diffs...)
	if targetHead != src.Base {
		if req.Resolution == nil {
			return nil, &model.ConflictError{
				Reason: fmt.Sprintf("%q and %q both changed since %s; a resolution diff is required", src.Name, req.Target, src.Base),
				Key:    src.EntityID.String(),
			}
		}
		diff = req.Resolution.Clone()
	} else if req.Resolution != nil {
		diff = req.Resolution.Clone()
	}

	entry, err := s.AppendVersion(seq, AppendRequest{
		ID:        req.ID,
		EntityID:  src.EntityID,
		Diff:      diff,
		Parent:    targetHead,
		Branch:    req.Target,
		CommitID:  req.CommitID,
		Author:    req.Author,
		Message:   fmt.Sprintf("merge %s into %s", src.Name, req.Target),
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	merged := *src
	merged.MergedInto = req.Target
	s.putBranch(seq, &merged)
	return entry, nil
}
