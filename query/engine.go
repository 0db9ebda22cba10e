package query

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/graph"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/vector"
)

// Store is the read side of the unified store. *engine.Engine satisfies it.
type Store interface {
	Snapshot() *engine.Snapshot
	Dimension() int
	Vectors() *vector.Store
	Graph() *graph.Store
	History() *history.Store
}

var _ Store = (*engine.Engine)(nil)

// Engine plans and runs queries against a Store.
type Engine struct {
	store  Store
	opts   Options
	rc     *resource.Controller
	logger *slog.Logger
}

// New returns a query engine over store.
func New(store Store, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if store == nil {
		return nil, model.Constraint("new query engine", "store is nil")
	}
	if opts.GraphWeight <= 0 {
		return nil, model.Constraint("new query engine", "graph weight must be positive, got %v", opts.GraphWeight)
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewController(resource.DefaultConfig)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		store:  store,
		opts:   opts,
		rc:     opts.Resources,
		logger: opts.Logger.With("component", "query"),
	}, nil
}

// Query runs a similarity query seeded with the default TopK and depth.
func (q *Engine) Query(ctx context.Context, embedding []float32, optFns ...func(r *Request)) (*Response, error) {
	req := Request{
		Embedding: embedding,
		TopK:      q.opts.DefaultTopK,
		MaxDepth:  q.opts.DefaultDepth,
	}
	for _, fn := range optFns {
		fn(&req)
	}
	return q.Execute(ctx, req)
}

type plan struct {
	req   Request
	kinds []model.EdgeKind
	dir   graph.Direction
}

// validate rejects contract violations before any store is read.
func (q *Engine) validate(req Request) (*plan, error) {
	if req.Embedding == nil && len(req.Seeds) == 0 {
		return nil, model.Constraint("query", "an embedding or seeds are required")
	}
	if req.Embedding != nil {
		if err := model.CheckDimension(q.store.Dimension(), req.Embedding); err != nil {
			return nil, err
		}
		if req.TopK <= 0 {
			return nil, model.Constraint("query", "top k must be positive, got %d", req.TopK)
		}
	}
	if req.MaxDepth < 0 {
		return nil, model.Constraint("query", "max depth must not be negative, got %d", req.MaxDepth)
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		return nil, model.Constraint("query", "min confidence %v outside [0,1]", req.MinConfidence)
	}
	kinds, err := model.ParseEdgeKinds(req.EdgeKinds)
	if err != nil {
		return nil, err
	}
	dir, err := graph.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	return &plan{req: req, kinds: kinds, dir: dir}, nil
}

// discovery is a node reached by graph expansion.
type discovery struct {
	depth int
	path  []model.EdgeKind
	seed  uuid.UUID
}

// run is the mutable state of one query.
type run struct {
	q    *Engine
	p    *plan
	snap uint64
	at   *time.Time

	hits     []vector.Hit
	found    map[uuid.UUID]*discovery
	examined map[uuid.UUID]struct{}
	nodes    map[uuid.UUID]*model.Node
	versions map[uuid.UUID][]model.VersionInfo
	items    []Item
	meta     Metadata
}

func (r *run) degrade(stage string, err error) {
	if r.meta.Degraded == nil {
		r.meta.Degraded = make(map[string]string)
	}
	r.meta.Degraded[stage] = err.Error()
	r.q.logger.Warn("query stage degraded", "stage", stage, "error", err)
}

// Execute runs req through every stage at one snapshot. Cancellation
// returns ctx.Err() and discards partial results.
func (q *Engine) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	p, err := q.validate(req)
	if err != nil {
		return nil, err
	}

	snap := q.store.Snapshot()
	defer snap.Release()

	r := &run{
		q:        q,
		p:        p,
		snap:     snap.Seq,
		found:    make(map[uuid.UUID]*discovery),
		examined: make(map[uuid.UUID]struct{}),
		nodes:    make(map[uuid.UUID]*model.Node),
		versions: make(map[uuid.UUID][]model.VersionInfo),
		meta: Metadata{
			Snapshot: snap.Seq,
			Stages:   make(map[State]time.Duration, 5),
		},
	}

	stages := []struct {
		state State
		fn    func(ctx context.Context) error
	}{
		{StatePlanned, r.resolveAsOf},
		{StateVectorSearching, r.vectorSearch},
		{StateGraphExpanding, r.graphExpand},
		{StateTemporalFiltering, r.temporalFilter},
		{StateFusing, r.fuse},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.meta.State = st.state
		t := time.Now()
		if err := st.fn(ctx); err != nil {
			return nil, err
		}
		r.meta.Stages[st.state] = time.Since(t)
	}
	r.meta.State = StateDone

	resp := &Response{
		Items:         r.items,
		NodesExamined: len(r.examined),
		QueryTime:     time.Since(start),
		Metadata:      r.meta,
	}
	q.logger.Debug("query",
		"snapshot", snap.Seq,
		"items", len(resp.Items),
		"examined", resp.NodesExamined,
		"degraded", len(r.meta.Degraded),
		"duration", resp.QueryTime,
	)
	return resp, nil
}

// fatal reports whether err must fail the query instead of degrading a
// stage: cancellation and contract violations.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch model.KindOf(err) {
	case model.KindNotFound, model.KindDimensionMismatch, model.KindConstraintViolation:
		return true
	}
	return false
}

func stageErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func (r *run) resolveAsOf(_ context.Context) error {
	a := r.p.req.AsOf
	switch {
	case !a.Version.IsZero():
		v, err := r.q.store.History().GetVersion(r.snap, a.Version)
		if err != nil {
			return err
		}
		t := v.Timestamp
		r.at = &t
	case a.Time != nil:
		t := *a.Time
		r.at = &t
	}
	return nil
}

func (r *run) vectorSearch(ctx context.Context) error {
	if r.p.req.Embedding == nil {
		return nil
	}
	hits, err := r.q.store.Vectors().Search(ctx, r.snap, r.p.req.Embedding, r.p.req.TopK, vector.SearchOptions{})
	if err != nil {
		if fatal(ctx, err) {
			return stageErr(ctx, err)
		}
		r.degrade("vector_search", err)
		return nil
	}

	g := r.q.store.Graph()
	for _, h := range hits {
		r.examined[h.ID] = struct{}{}
		// An embedding may outlive its node until it is deleted explicitly.
		if h.Score <= 0 || !g.HasNode(r.snap, h.ID) {
			continue
		}
		r.hits = append(r.hits, h)
	}
	return nil
}

// graphExpand runs a BFS from every seed in parallel and merges the
// results in seed rank order: the smallest depth wins and ties keep the
// path of the better ranked seed.
func (r *run) graphExpand(ctx context.Context) error {
	if r.p.req.MaxDepth == 0 {
		return nil
	}

	g := r.q.store.Graph()
	seeds := make([]uuid.UUID, 0, len(r.hits)+len(r.p.req.Seeds))
	for _, h := range r.hits {
		seeds = append(seeds, h.ID)
	}
	for _, id := range r.p.req.Seeds {
		if slices.Contains(seeds, id) {
			continue
		}
		if !g.HasNode(r.snap, id) {
			return model.NotFound("seed node", id)
		}
		r.examined[id] = struct{}{}
		seeds = append(seeds, id)
	}
	if len(seeds) == 0 {
		return nil
	}

	opts := graph.TraverseOptions{
		EdgeKinds:     r.p.kinds,
		Direction:     r.p.dir,
		Depth:         r.p.req.MaxDepth,
		MinConfidence: r.p.req.MinConfidence,
		At:            r.at,
	}

	results := make([][]graph.Neighbor, len(seeds))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.q.rc.SeedParallelism())
	for i, seed := range seeds {
		eg.Go(func() error {
			nbs, err := g.GetNeighbors(egCtx, r.snap, seed, opts)
			if err != nil {
				return err
			}
			results[i] = nbs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if fatal(ctx, err) {
			return stageErr(ctx, err)
		}
		r.degrade("graph_expansion", err)
		return nil
	}

	for i, nbs := range results {
		for _, nb := range nbs {
			r.examined[nb.ID] = struct{}{}
			if d, ok := r.found[nb.ID]; ok && d.depth <= nb.Depth {
				continue
			}
			r.found[nb.ID] = &discovery{depth: nb.Depth, path: nb.Path, seed: seeds[i]}
		}
	}
	return nil
}

// temporalFilter loads every candidate node, drops nodes created after the
// anchor and collects version summaries up to it.
func (r *run) temporalFilter(ctx context.Context) error {
	g := r.q.store.Graph()

	load := func(id uuid.UUID) {
		if _, ok := r.nodes[id]; ok {
			return
		}
		n, err := g.GetNode(r.snap, id)
		if err != nil {
			return
		}
		if r.at != nil && n.CreatedAt.After(*r.at) {
			return
		}
		r.nodes[id] = n
	}
	for _, h := range r.hits {
		load(h.ID)
	}
	for id := range r.found {
		load(id)
	}

	if !r.p.req.IncludeHistory {
		return nil
	}
	h := r.q.store.History()
	for id := range r.nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := h.ListVersions(r.snap, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			r.degrade("history", err)
			continue
		}
		infos := make([]model.VersionInfo, 0, len(entries))
		for _, e := range entries {
			if r.at != nil && e.Timestamp.After(*r.at) {
				continue
			}
			infos = append(infos, e.Info())
		}
		r.versions[id] = infos
	}
	return nil
}

func (r *run) fuse(_ context.Context) error {
	vscore := make(map[uuid.UUID]float64, len(r.hits))
	for _, h := range r.hits {
		vscore[h.ID] = float64(h.Score)
	}

	items := make([]Item, 0, len(r.nodes))
	for id, n := range r.nodes {
		it := Item{
			NodeID:   id,
			Name:     n.Name,
			Kind:     n.Kind,
			Content:  n.Content,
			Versions: r.versions[id],
		}
		vs, vok := vscore[id]
		d, gok := r.found[id]
		if gok {
			it.Depth = d.depth
			it.EdgePath = d.path
			it.Seed = d.seed
			it.GraphScore = GraphScore(r.q.opts.GraphWeight, d.depth)
		}
		if vok {
			it.VectorScore = vs
		}
		switch {
		case vok && gok:
			it.Source = SourceCombined
		case vok:
			it.Source = SourceVectorSearch
		default:
			it.Source = SourceGraphTraversal
		}
		it.Score = it.VectorScore + it.GraphScore
		items = append(items, it)
	}

	Rank(items)
	if l := r.p.req.Limit; l > 0 && len(items) > l {
		items = items[:l]
	}
	r.items = items
	return nil
}
