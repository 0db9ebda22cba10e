package vector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/hnsw"
	"github.com/hupe1980/strata/internal/mvcc"
	"github.com/hupe1980/strata/model"
)

// IndexType selects the search strategy.
type IndexType uint8

const (
	IndexFlat IndexType = iota
	IndexHNSW
)

func (t IndexType) String() string {
	switch t {
	case IndexFlat:
		return "flat"
	case IndexHNSW:
		return "hnsw"
	default:
		return "unknown"
	}
}

// ParseIndexType parses "flat" or "hnsw".
func ParseIndexType(s string) (IndexType, error) {
	switch s {
	case "flat":
		return IndexFlat, nil
	case "hnsw", "":
		return IndexHNSW, nil
	default:
		return 0, model.Constraint("parse index type", "unknown index type %q", s)
	}
}

// Options configures a Store.
type Options struct {
	Index IndexType

	// HNSW parameters, ignored for IndexFlat.
	M              int
	EF             int
	EFConstruction int

	// Seed makes HNSW level assignment reproducible.
	Seed int64
}

// DefaultOptions uses the HNSW accelerator with its default parameters.
var DefaultOptions = Options{
	Index:          IndexHNSW,
	M:              hnsw.DefaultOptions.M,
	EF:             hnsw.DefaultOptions.EF,
	EFConstruction: hnsw.DefaultOptions.EFConstruction,
	Seed:           hnsw.DefaultOptions.Seed,
}

// Hit is one search result. Score is the cosine similarity.
type Hit struct {
	ID    uuid.UUID
	Score float32
}

// SearchOptions restricts a search.
type SearchOptions struct {
	// Allow, if non-nil, limits results to these node ids. An empty non-nil
	// slice matches nothing.
	Allow []uuid.UUID
}

type entry struct {
	row uint32
	vec []float32
}

// Store is the multi-version vector index.
type Store struct {
	dim  int
	opts Options

	data    *mvcc.Map[uuid.UUID, entry]
	tracker *mvcc.Tracker[uuid.UUID]

	rowMu   sync.Mutex
	rows    map[uuid.UUID]uint32
	rowIDs  sync.Map // uint32 -> uuid.UUID
	nextRow uint32

	// idxMu keeps the accelerator and live in step.
	idxMu sync.RWMutex
	index *hnsw.HNSW
	live  *roaring.Bitmap

	// lastWrite is the highest sequence ever written, staged or not.
	lastWrite atomic.Uint64

	gcMu sync.Mutex
	dead []uuid.UUID
}

// New returns an empty store for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if dim <= 0 {
		return nil, model.Constraint("vector store", "dimension must be positive, got %d", dim)
	}

	s := &Store{
		dim:     dim,
		opts:    opts,
		data:    mvcc.New[uuid.UUID, entry](),
		tracker: mvcc.NewTracker[uuid.UUID](),
		rows:    make(map[uuid.UUID]uint32),
		live:    roaring.New(),
	}

	switch opts.Index {
	case IndexFlat:
	case IndexHNSW:
		s.index = hnsw.New(dim, func(o *hnsw.Options) {
			o.M = opts.M
			o.EF = opts.EF
			o.EFConstruction = opts.EFConstruction
			o.Seed = opts.Seed
		})
	default:
		return nil, model.Constraint("vector store", "unknown index type %d", opts.Index)
	}

	return s, nil
}

// Dimension returns the configured dimension.
func (s *Store) Dimension() int { return s.dim }

// IndexType returns the configured search strategy.
func (s *Store) IndexType() IndexType { return s.opts.Index }

func (s *Store) rowFor(id uuid.UUID) uint32 {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	if r, ok := s.rows[id]; ok {
		return r
	}
	r := s.nextRow
	s.nextRow++
	s.rows[id] = r
	s.rowIDs.Store(r, id)
	return r
}

func (s *Store) idOf(row uint32) (uuid.UUID, bool) {
	v, ok := s.rowIDs.Load(row)
	if !ok {
		return uuid.Nil, false
	}
	return v.(uuid.UUID), true
}

func (s *Store) noteWrite(seq uint64) {
	for {
		cur := s.lastWrite.Load()
		if seq <= cur || s.lastWrite.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Upsert stages vec for id at seq. The vector is normalized; a wrong
// dimension or a zero vector fails without side effects.
func (s *Store) Upsert(seq uint64, id uuid.UUID, vec []float32) error {
	if err := model.CheckDimension(s.dim, vec); err != nil {
		return err
	}
	norm, err := model.Normalize(vec)
	if err != nil {
		return err
	}

	row := s.rowFor(id)
	s.noteWrite(seq)
	s.data.Put(id, entry{row: row, vec: norm}, seq)
	s.tracker.Touch(seq, id)

	return s.indexAdd(row, norm)
}

// Delete stages the removal of id at seq and reports whether a vector was
// present.
func (s *Store) Delete(seq uint64, id uuid.UUID) bool {
	e, _, ok := s.data.Latest(id)
	if !ok {
		return false
	}
	s.noteWrite(seq)
	s.data.Delete(id, seq)
	s.tracker.Touch(seq, id)
	s.indexRemove(e.row)
	return true
}

// Revert drops everything staged at seq and restores the accelerator to the
// newest remaining vector of each touched id. The stored vectors are always
// reverted; an error reports accelerator rows that could not be restored
// and are left out of approximate search.
func (s *Store) Revert(seq uint64) error {
	var errs []error
	for _, id := range s.tracker.Take(seq) {
		s.data.Revert(id, seq)
		e, _, ok := s.data.Latest(id)
		if ok {
			if err := s.indexAdd(e.row, e.vec); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
			}
			continue
		}
		s.rowMu.Lock()
		row, known := s.rows[id]
		s.rowMu.Unlock()
		if known {
			s.indexRemove(row)
		}
	}
	return errors.Join(errs...)
}

// Settle forgets the revert record of a committed seq.
func (s *Store) Settle(seq uint64) { s.tracker.Forget(seq) }

// indexAdd marks row live only once the accelerator holds vec.
func (s *Store) indexAdd(row uint32, vec []float32) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if s.index != nil {
		if err := s.index.Upsert(row, vec); err != nil {
			s.live.Remove(row)
			s.index.Delete(row)
			return err
		}
	}
	s.live.Add(row)
	return nil
}

func (s *Store) indexRemove(row uint32) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.live.Remove(row)
	if s.index != nil {
		s.index.Delete(row)
	}
}

// Get returns the normalized vector of id visible at snap.
func (s *Store) Get(snap uint64, id uuid.UUID) ([]float32, bool) {
	e, ok := s.data.Get(id, snap)
	if !ok {
		return nil, false
	}
	return slices.Clone(e.vec), true
}

// Contains reports whether id has a vector at snap.
func (s *Store) Contains(snap uint64, id uuid.UUID) bool {
	_, ok := s.data.Get(id, snap)
	return ok
}

// Head returns the sequence of the newest write to id.
func (s *Store) Head(id uuid.UUID) uint64 { return s.data.Head(id) }

// Len returns the number of vectors visible at snap.
func (s *Store) Len(snap uint64) int { return s.data.Len(snap) }

// Search returns the k vectors most similar to query at snap, ordered by
// descending score and then node id.
func (s *Store) Search(ctx context.Context, snap uint64, query []float32, k int, opts SearchOptions) ([]Hit, error) {
	if k <= 0 {
		return nil, model.Constraint("vector search", "k must be positive, got %d", k)
	}
	if err := model.CheckDimension(s.dim, query); err != nil {
		return nil, err
	}
	q, err := model.Normalize(query)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var allowIDs map[uuid.UUID]struct{}
	var allowRows *roaring.Bitmap
	if opts.Allow != nil {
		if len(opts.Allow) == 0 {
			return []Hit{}, nil
		}
		allowIDs = make(map[uuid.UUID]struct{}, len(opts.Allow))
		allowRows = roaring.New()
		s.rowMu.Lock()
		for _, id := range opts.Allow {
			allowIDs[id] = struct{}{}
			if r, ok := s.rows[id]; ok {
				allowRows.Add(r)
			}
		}
		s.rowMu.Unlock()
	}

	// The accelerator only holds the newest vector per row. Snapshots that
	// predate a write must be answered exactly.
	if s.index == nil || s.lastWrite.Load() > snap {
		return s.flat(ctx, snap, q, k, allowIDs)
	}

	hits, eligible, err := s.approximate(snap, q, k, allowRows)
	if err != nil {
		return nil, err
	}
	if len(hits) < k && uint64(len(hits)) < eligible {
		return s.flat(ctx, snap, q, k, allowIDs)
	}
	return hits, nil
}

func (s *Store) approximate(snap uint64, q []float32, k int, allowRows *roaring.Bitmap) ([]Hit, uint64, error) {
	s.idxMu.RLock()
	eligible := s.live.GetCardinality()
	var allow func(uint32) bool
	if allowRows != nil {
		eligible = s.live.AndCardinality(allowRows)
		allow = allowRows.Contains
	}
	ef := max(s.opts.EF, k)
	raw, err := s.index.Search(q, k, ef, allow)
	s.idxMu.RUnlock()
	if err != nil {
		return nil, 0, err
	}

	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		id, ok := s.idOf(r.ID)
		if !ok {
			continue
		}
		e, ok := s.data.Get(id, snap)
		if !ok || e.row != r.ID {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: distance.Dot(q, e.vec)})
	}
	sortHits(hits)
	return hits, eligible, nil
}

func (s *Store) flat(ctx context.Context, snap uint64, q []float32, k int, allow map[uuid.UUID]struct{}) ([]Hit, error) {
	var hits []Hit
	n := 0
	for id, e := range s.data.All(snap) {
		if n++; n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if allow != nil {
			if _, ok := allow[id]; !ok {
				continue
			}
		}
		hits = append(hits, Hit{ID: id, Score: distance.Dot(q, e.vec)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

func sortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return model.CompareIDs(a.ID, b.ID)
	})
}

// Prune drops vector versions no reader at or above horizon can see. Ids
// left with only a tombstone are queued for Sweep.
func (s *Store) Prune(horizon uint64, visit func() bool) int {
	pruned, dead := s.data.Prune(horizon, visit)
	if len(dead) > 0 {
		s.gcMu.Lock()
		s.dead = append(s.dead, dead...)
		s.gcMu.Unlock()
	}
	return pruned
}

// Sweep physically removes the ids queued by Prune and frees their rows.
// The caller must exclude writers.
func (s *Store) Sweep(horizon uint64) int {
	s.gcMu.Lock()
	dead := s.dead
	s.dead = nil
	s.gcMu.Unlock()

	n := 0
	for _, id := range dead {
		if !s.data.Remove(id, horizon) {
			continue
		}
		n++
		s.rowMu.Lock()
		if r, ok := s.rows[id]; ok {
			delete(s.rows, id)
			s.rowIDs.Delete(r)
		}
		s.rowMu.Unlock()
	}
	return n
}

// Stats describes the store.
type Stats struct {
	Index   IndexType
	Rows    int
	Live    uint64
	Pending int
	HNSW    *hnsw.Stats
}

// Stats returns counters for the newest state.
func (s *Store) Stats() Stats {
	s.rowMu.Lock()
	rows := len(s.rows)
	s.rowMu.Unlock()

	s.idxMu.RLock()
	st := Stats{
		Index:   s.opts.Index,
		Rows:    rows,
		Live:    s.live.GetCardinality(),
		Pending: s.tracker.Pending(),
	}
	s.idxMu.RUnlock()

	if s.index != nil {
		hs := s.index.Stats()
		st.HNSW = &hs
	}
	return st
}
