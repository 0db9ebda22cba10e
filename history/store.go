package history

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/internal/mvcc"
	"github.com/hupe1980/strata/model"
)

// Options configures a Store.
type Options struct {
	Codec codec.Codec

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// DefaultOptions persists rows as JSON and uses the wall clock.
var DefaultOptions = Options{
	Codec: codec.Default,
	Now:   func() time.Time { return time.Now().UTC() },
}

// Store holds version entries, per-entity chains and named branches.
// Writes take the sequence of the staging transaction and must be
// serialized by the caller; reads are safe from any goroutine.
type Store struct {
	opts Options

	versions *mvcc.Map[model.VersionID, *model.VersionEntry]
	chains   *mvcc.Map[uuid.UUID, []model.VersionID]
	branches *mvcc.Map[string, *model.Branch]

	versionT *mvcc.Tracker[model.VersionID]
	chainT   *mvcc.Tracker[uuid.UUID]
	branchT  *mvcc.Tracker[string]

	gcMu sync.Mutex
	dead struct {
		versions []model.VersionID
		chains   []uuid.UUID
		branches []string
	}
}

// New returns an empty store.
func New(optFns ...func(o *Options)) *Store {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Now == nil {
		opts.Now = DefaultOptions.Now
	}
	return &Store{
		opts:     opts,
		versions: mvcc.New[model.VersionID, *model.VersionEntry](),
		chains:   mvcc.New[uuid.UUID, []model.VersionID](),
		branches: mvcc.New[string, *model.Branch](),
		versionT: mvcc.NewTracker[model.VersionID](),
		chainT:   mvcc.NewTracker[uuid.UUID](),
		branchT:  mvcc.NewTracker[string](),
	}
}

// view reads either a snapshot or, for the writer, the newest state.
type view struct {
	s      *Store
	snap   uint64
	latest bool
}

func (v view) version(id model.VersionID) (*model.VersionEntry, bool) {
	if v.latest {
		e, _, ok := v.s.versions.Latest(id)
		return e, ok
	}
	return v.s.versions.Get(id, v.snap)
}

func (v view) chain(entity uuid.UUID) []model.VersionID {
	if v.latest {
		c, _, _ := v.s.chains.Latest(entity)
		return c
	}
	c, _ := v.s.chains.Get(entity, v.snap)
	return c
}

func (v view) branch(name string) (*model.Branch, bool) {
	if v.latest {
		b, _, ok := v.s.branches.Latest(name)
		return b, ok
	}
	return v.s.branches.Get(name, v.snap)
}

func (s *Store) at(snap uint64) view { return view{s: s, snap: snap} }
func (s *Store) newest() view        { return view{s: s, latest: true} }

// head resolves the head of (entity, branch). main is the newest chain
// entry recorded on main.
func (v view) head(entity uuid.UUID, branch string) (model.VersionID, error) {
	if branch == "" || branch == model.MainBranch {
		c := v.chain(entity)
		for i := len(c) - 1; i >= 0; i-- {
			if e, ok := v.version(c[i]); ok && e.Branch == model.MainBranch {
				return e.ID, nil
			}
		}
		return "", &model.NotFoundError{Resource: "history of entity", ID: entity.String()}
	}
	b, ok := v.branch(branch)
	if !ok {
		return "", &model.NotFoundError{Resource: "branch", ID: branch}
	}
	if b.EntityID != entity {
		return "", model.Constraint("history", "branch %q belongs to entity %s", branch, b.EntityID)
	}
	return b.Head, nil
}

// isAncestor reports whether anc is on the parent path of id, including id
// itself.
func (v view) isAncestor(anc, id model.VersionID) (bool, error) {
	for steps := 0; id != ""; steps++ {
		if id == anc {
			return true, nil
		}
		e, ok := v.version(id)
		if !ok {
			return false, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("dangling parent %s", id)}
		}
		if steps > chainLimit {
			return false, &model.CorruptionError{Offset: -1, Reason: "parent cycle at " + string(id)}
		}
		id = e.Parent
	}
	return false, nil
}

const chainLimit = 1 << 24

// AppendRequest describes a new version entry.
type AppendRequest struct {
	// ID is generated when empty.
	ID       model.VersionID
	EntityID uuid.UUID
	Diff     model.Diff

	// Parent defaults to the head of (EntityID, Branch).
	Parent model.VersionID

	// Branch defaults to main.
	Branch string

	CommitID string
	Author   string
	Message  string

	// Timestamp defaults to now and is raised to the parent's timestamp
	// when older.
	Timestamp time.Time
}

// AppendVersion stages a new version entry at seq.
func (s *Store) AppendVersion(seq uint64, req AppendRequest) (*model.VersionEntry, error) {
	if req.EntityID == uuid.Nil {
		return nil, model.Constraint("append version", "entity id is nil")
	}
	if err := req.Diff.Validate(); err != nil {
		return nil, err
	}
	if req.Branch == "" {
		req.Branch = model.MainBranch
	}
	if req.ID == "" {
		req.ID = model.NewVersionID()
	} else if !req.ID.Valid() {
		return nil, model.Constraint("append version", "malformed version id %q", req.ID)
	}

	v := s.newest()
	if _, exists := v.version(req.ID); exists {
		return nil, model.Constraint("append version", "version %s already exists", req.ID)
	}

	var branch *model.Branch
	if req.Branch != model.MainBranch {
		b, ok := v.branch(req.Branch)
		if !ok {
			return nil, &model.NotFoundError{Resource: "branch", ID: req.Branch}
		}
		if b.EntityID != req.EntityID {
			return nil, model.Constraint("append version", "branch %q belongs to entity %s", req.Branch, b.EntityID)
		}
		if b.Merged() {
			return nil, model.Constraint("append version", "branch %q was merged into %q", b.Name, b.MergedInto)
		}
		branch = b
	}

	chain := v.chain(req.EntityID)
	if req.Parent == "" && len(chain) > 0 {
		head, err := v.head(req.EntityID, req.Branch)
		if err != nil {
			return nil, err
		}
		req.Parent = head
	}

	var parent *model.VersionEntry
	if req.Parent == "" {
		if req.Diff.Kind != model.DiffInitial {
			return nil, model.Constraint("append version", "first version of %s must be an initial diff", req.EntityID)
		}
	} else {
		p, ok := v.version(req.Parent)
		if !ok {
			return nil, &model.NotFoundError{Resource: "version", ID: req.Parent.String()}
		}
		if p.EntityID != req.EntityID {
			return nil, model.Constraint("append version", "parent %s belongs to entity %s", p.ID, p.EntityID)
		}
		parent = p
	}
	// Branches are linear: a new entry extends the head, so the base stays
	// on the head's parent path.
	if branch != nil && req.Parent != branch.Head {
		return nil, model.Constraint("append version", "parent %s is not the head %s of branch %q", req.Parent, branch.Head, branch.Name)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.opts.Now()
	}
	if parent != nil && ts.Before(parent.Timestamp) {
		ts = parent.Timestamp
	}

	entry := &model.VersionEntry{
		ID:        req.ID,
		EntityID:  req.EntityID,
		Parent:    req.Parent,
		Branch:    req.Branch,
		Diff:      req.Diff.Clone(),
		CommitID:  req.CommitID,
		Author:    req.Author,
		Message:   req.Message,
		Timestamp: ts,
	}

	s.versions.Put(entry.ID, entry, seq)
	s.versionT.Touch(seq, entry.ID)

	next := make([]model.VersionID, len(chain), len(chain)+1)
	copy(next, chain)
	s.chains.Put(entry.EntityID, append(next, entry.ID), seq)
	s.chainT.Touch(seq, entry.EntityID)

	if branch != nil {
		nb := *branch
		nb.Head = entry.ID
		s.putBranch(seq, &nb)
	}

	c := *entry
	return &c, nil
}

func (s *Store) putBranch(seq uint64, b *model.Branch) {
	s.branches.Put(b.Name, b, seq)
	s.branchT.Touch(seq, b.Name)
}

// Exists reports whether version id exists for entity in the newest state.
// The coordinator uses it to check node current_version pointers before
// committing.
func (s *Store) Exists(id model.VersionID, entity uuid.UUID) bool {
	e, ok := s.newest().version(id)
	return ok && e.EntityID == entity
}

// GetVersion returns the entry visible at snap.
func (s *Store) GetVersion(snap uint64, id model.VersionID) (*model.VersionEntry, error) {
	e, ok := s.at(snap).version(id)
	if !ok {
		return nil, &model.NotFoundError{Resource: "version", ID: id.String()}
	}
	c := *e
	c.Diff = e.Diff.Clone()
	return &c, nil
}

// ListVersions returns the chain of entity at snap ordered oldest to
// newest by timestamp, then id. An unknown entity has no versions.
func (s *Store) ListVersions(snap uint64, entity uuid.UUID) ([]*model.VersionEntry, error) {
	v := s.at(snap)
	chain := v.chain(entity)
	out := make([]*model.VersionEntry, 0, len(chain))
	for _, id := range chain {
		e, ok := v.version(id)
		if !ok {
			return nil, &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("chain of %s references missing version %s", entity, id)}
		}
		c := *e
		c.Diff = e.Diff.Clone()
		out = append(out, &c)
	}
	slices.SortStableFunc(out, func(a, b *model.VersionEntry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

// Head returns the head version of (entity, branch) at snap.
func (s *Store) Head(snap uint64, entity uuid.UUID, branch string) (model.VersionID, error) {
	return s.at(snap).head(entity, branch)
}

// At selects the point ReconstructAt rebuilds. Version wins over Time;
// with neither set the branch head is used.
type At struct {
	Version model.VersionID
	Time    *time.Time

	// Branch is the ancestry searched for Time and the head used when
	// nothing else is set. Empty means main.
	Branch string
}

// ReconstructAt rebuilds the content and metadata of entity at the
// requested point.
func (s *Store) ReconstructAt(snap uint64, entity uuid.UUID, at At) (*State, error) {
	v := s.at(snap)
	if len(v.chain(entity)) == 0 {
		return nil, &model.NotFoundError{Resource: "history of entity", ID: entity.String()}
	}

	target := at.Version
	switch {
	case target != "":
		e, ok := v.version(target)
		if !ok || e.EntityID != entity {
			return nil, &model.NotFoundError{Resource: "version", ID: target.String()}
		}
	case at.Time != nil:
		id, err := v.head(entity, at.Branch)
		if err != nil {
			return nil, err
		}
		for id != "" {
			e, ok := v.version(id)
			if !ok {
				return nil, &model.CorruptionError{Offset: -1, Reason: "dangling parent " + id.String()}
			}
			if !e.Timestamp.After(*at.Time) {
				target = id
				break
			}
			id = e.Parent
		}
		if target == "" {
			return nil, &model.NotFoundError{Resource: "version of " + entity.String() + " at", ID: at.Time.Format(time.RFC3339Nano)}
		}
	default:
		id, err := v.head(entity, at.Branch)
		if err != nil {
			return nil, err
		}
		target = id
	}

	path, err := v.pathTo(target)
	if err != nil {
		return nil, err
	}
	st := &State{}
	for _, e := range path {
		if err := Apply(st, e.Diff); err != nil {
			return nil, fmt.Errorf("reconstruct %s at %s: %w", entity, e.ID, err)
		}
	}
	st.VersionID = target
	return st, nil
}

// pathTo returns the entries from the root to id.
func (v view) pathTo(id model.VersionID) ([]*model.VersionEntry, error) {
	var path []*model.VersionEntry
	for id != "" {
		e, ok := v.version(id)
		if !ok {
			return nil, &model.CorruptionError{Offset: -1, Reason: "dangling parent " + id.String()}
		}
		if len(path) > chainLimit {
			return nil, &model.CorruptionError{Offset: -1, Reason: "parent cycle at " + id.String()}
		}
		path = append(path, e)
		id = e.Parent
	}
	if path[len(path)-1].Diff.Kind != model.DiffInitial {
		return nil, &model.CorruptionError{Offset: -1, Reason: "chain root " + path[len(path)-1].ID.String() + " is not an initial diff"}
	}
	slices.Reverse(path)
	return path, nil
}

// Revert drops everything staged at seq.
func (s *Store) Revert(seq uint64) {
	for _, k := range s.branchT.Take(seq) {
		s.branches.Revert(k, seq)
	}
	for _, k := range s.chainT.Take(seq) {
		s.chains.Revert(k, seq)
	}
	for _, k := range s.versionT.Take(seq) {
		s.versions.Revert(k, seq)
	}
}

// Settle forgets the revert record of a committed seq.
func (s *Store) Settle(seq uint64) {
	s.branchT.Forget(seq)
	s.chainT.Forget(seq)
	s.versionT.Forget(seq)
}

// VersionCount returns the number of version entries visible at snap.
func (s *Store) VersionCount(snap uint64) int { return s.versions.Len(snap) }

// BranchCount returns the number of named branches visible at snap.
func (s *Store) BranchCount(snap uint64) int { return s.branches.Len(snap) }

// ChainHead returns the sequence of the newest write to an entity's chain.
func (s *Store) ChainHead(entity uuid.UUID) uint64 { return s.chains.Head(entity) }
