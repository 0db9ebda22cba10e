package ingest

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/history"
	"github.com/hupe1980/strata/model"
)

// Options configures an Ingester.
type Options struct {
	// DetectReferences enables the content scan.
	DetectReferences bool

	// DetectedConfidence is the confidence of detected edges.
	DetectedConfidence float64

	// MaxRetries bounds how often a transaction that lost an optimistic
	// conflict is rebuilt and retried.
	MaxRetries int

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultOptions contains the default ingestion settings.
var DefaultOptions = Options{
	DetectReferences:   true,
	DetectedConfidence: 0.8,
	MaxRetries:         3,
	Now:                func() time.Time { return time.Now().UTC() },
}

// Ingester writes artifacts through the transaction coordinator.
type Ingester struct {
	e      *engine.Engine
	opts   Options
	logger *slog.Logger
}

// New returns an Ingester writing to e.
func New(e *engine.Engine, optFns ...func(o *Options)) *Ingester {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = DefaultOptions.Now
	}

	return &Ingester{e: e, opts: opts, logger: opts.Logger.With("component", "ingest")}
}

// Ingest ingests one artifact in its own transaction.
func (in *Ingester) Ingest(ctx context.Context, a Artifact) (*Result, error) {
	res, err := in.IngestBatch(ctx, []Artifact{a})
	if err != nil {
		return nil, err
	}
	return &res[0], nil
}

// IngestBatch ingests every artifact in one atomic transaction. Results
// are in input order.
func (in *Ingester) IngestBatch(ctx context.Context, artifacts []Artifact) ([]Result, error) {
	seen := make(map[string]int, len(artifacts))
	for i := range artifacts {
		a := &artifacts[i]
		if err := a.validate(); err != nil {
			return nil, err
		}
		if j, dup := seen[a.identity()]; dup {
			return nil, model.Constraint("ingest", "artifacts %d and %d share identity %s/%s", j, i, a.Provenance.FilePath, a.Name)
		}
		seen[a.identity()] = i
	}

	var results []Result
	err := in.retry(ctx, func(tx *engine.Tx) error {
		var err error
		results, err = in.stageBatch(tx, artifacts)
		return err
	}, func(res *engine.CommitResult) {
		for i := range results {
			if results[i].Unchanged {
				continue
			}
			in.logger.Debug("ingested", "node", results[i].NodeID, "version", results[i].VersionID, "seq", res.Seq, "edges", results[i].EdgesCreated)
		}
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// retry builds and commits a transaction, rebuilding it from a fresh
// snapshot when it loses an optimistic conflict.
func (in *Ingester) retry(ctx context.Context, build func(tx *engine.Tx) error, done func(res *engine.CommitResult)) error {
	for attempt := 0; ; attempt++ {
		tx, err := in.e.Begin(ctx)
		if err != nil {
			return err
		}
		if err := build(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		res, err := tx.Commit(ctx)
		if err == nil {
			if done != nil {
				done(res)
			}
			return nil
		}
		if !errors.Is(err, model.ErrConflict) || errors.Is(err, engine.ErrTxTimeout) || attempt >= in.opts.MaxRetries {
			return err
		}
		in.logger.Debug("retrying after conflict", "attempt", attempt+1, "error", err)
	}
}

type staged struct {
	a    *Artifact
	node *model.Node
	res  *Result
}

func (in *Ingester) stageBatch(tx *engine.Tx, artifacts []Artifact) ([]Result, error) {
	results := make([]Result, len(artifacts))
	batch := make([]staged, 0, len(artifacts))

	for i := range artifacts {
		a := &artifacts[i]
		cur, ok, err := tx.LookupIdentity(a.Provenance.FilePath, a.Name)
		if err != nil {
			return nil, err
		}
		var n *model.Node
		if ok {
			n, err = in.stageUpdate(tx, cur.ID, a, &results[i])
		} else {
			n, err = in.stageCreate(tx, a, &results[i])
		}
		if err != nil {
			return nil, err
		}
		if !results[i].Unchanged {
			batch = append(batch, staged{a: a, node: n, res: &results[i]})
		}
	}

	for _, s := range batch {
		for _, spec := range s.a.Edges {
			e := model.NewEdge(spec.Kind, s.node.ID, spec.Target, spec.Confidence)
			e.Metadata = maps.Clone(spec.Metadata)
			e.Window.Since = s.node.CurrentVersion
			e.Window.SinceTime = s.node.UpdatedAt
			if err := tx.PutEdge(e); err != nil {
				return nil, err
			}
			s.res.EdgesCreated++
		}
	}

	if in.opts.DetectReferences && len(batch) > 0 {
		if err := in.stageDetected(tx, batch); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (in *Ingester) stageCreate(tx *engine.Tx, a *Artifact, res *Result) (*model.Node, error) {
	now := in.opts.Now()
	n := model.NewNode(a.Kind, a.Name, a.Content)
	n.Provenance = a.Provenance
	n.Metadata = maps.Clone(a.Metadata)
	n.CreatedAt, n.UpdatedAt = now, now

	vid, err := tx.AppendVersion(history.AppendRequest{
		EntityID:  n.ID,
		Diff:      model.InitialDiff(a.Content),
		CommitID:  a.Provenance.CommitID,
		Author:    a.Author,
		Message:   a.Message,
		Timestamp: now,
	})
	if err != nil {
		return nil, err
	}
	n.CurrentVersion = vid

	if err := tx.CreateNode(n); err != nil {
		return nil, err
	}
	if a.Embedding != nil {
		if err := tx.UpsertVector(n.ID, a.Embedding); err != nil {
			return nil, err
		}
	}

	*res = Result{NodeID: n.ID, VersionID: vid, Created: true}
	return n, nil
}

func (in *Ingester) stageUpdate(tx *engine.Tx, id uuid.UUID, a *Artifact, res *Result) (*model.Node, error) {
	cur, err := tx.GetNode(id)
	if err != nil {
		return nil, err
	}
	if cur.ContentHash == model.HashContent(a.Content) {
		*res = Result{NodeID: cur.ID, VersionID: cur.CurrentVersion, Unchanged: true}
		return cur, nil
	}

	next, vid, err := in.stageContent(tx, cur, a.Content, a.Metadata, a.Author, a.Message, a.Provenance.CommitID)
	if err != nil {
		return nil, err
	}
	next.Provenance = a.Provenance
	next.Kind = a.Kind
	if err := tx.PutNode(next); err != nil {
		return nil, err
	}
	if a.Embedding != nil {
		if err := tx.UpsertVector(next.ID, a.Embedding); err != nil {
			return nil, err
		}
	}

	*res = Result{NodeID: next.ID, VersionID: vid}
	return next, nil
}

// stageContent appends the version that turns cur into content and meta and
// returns the rewritten node without staging it. A nil meta keeps the
// current metadata.
func (in *Ingester) stageContent(tx *engine.Tx, cur *model.Node, content string, meta map[string]string, author, message, commitID string) (*model.Node, model.VersionID, error) {
	var parts []model.Diff
	if content != cur.Content {
		parts = append(parts, history.ContentPatch(cur.Content, content))
	}
	if meta != nil {
		if d, ok := history.MetadataPatch(cur.Metadata, meta); ok {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return nil, "", model.Constraint("update content", "node %s is unchanged", cur.ID)
	}
	diff := parts[0]
	if len(parts) > 1 {
		diff = model.CompositeDiff(parts...)
	}

	now := in.opts.Now()
	vid, err := tx.AppendVersion(history.AppendRequest{
		EntityID:  cur.ID,
		Diff:      diff,
		CommitID:  commitID,
		Author:    author,
		Message:   message,
		Timestamp: now,
	})
	if err != nil {
		return nil, "", err
	}

	next := cur.Clone()
	next.Content = content
	next.Rehash()
	if meta != nil {
		next.Metadata = maps.Clone(meta)
	}
	next.CurrentVersion = vid
	next.UpdatedAt = now
	return next, vid, nil
}

// stageDetected scans the batch against every live node and the batch
// itself and stages the detected edges that do not exist yet.
func (in *Ingester) stageDetected(tx *engine.Tx, batch []staged) error {
	g := in.e.Graph()
	snap := tx.Snapshot()

	cat := newCatalog()
	for n := range g.Nodes(snap) {
		cat.add(n.ID, n.Name, n.Kind, n.Provenance.FilePath)
	}
	for _, s := range batch {
		cat.add(s.node.ID, s.node.Name, s.node.Kind, s.node.Provenance.FilePath)
	}

	// Existing edges only matter for nodes already live at the snapshot.
	exists := func(r reference) bool {
		for _, e := range g.EdgesOf(snap, r.source, r.kind, true) {
			if e.Target == r.target {
				return true
			}
		}
		return false
	}

	for _, s := range batch {
		refs := cat.scan(s.node.ID, s.node.Name, s.node.Kind, s.node.Provenance.FilePath, s.node.Content)
		for _, r := range refs {
			if exists(r) {
				continue
			}
			e := model.NewEdge(r.kind, r.source, r.target, in.opts.DetectedConfidence)
			e.Metadata = map[string]string{DetectionKey: "content_scan"}
			e.Window.Since = s.node.CurrentVersion
			e.Window.SinceTime = s.node.UpdatedAt
			if err := tx.PutEdge(e); err != nil {
				return err
			}
			s.res.EdgesCreated++
		}
	}
	return nil
}

// UpdateContent rewrites the content and optionally the metadata of a live
// node in one transaction and returns the new version id.
func (in *Ingester) UpdateContent(ctx context.Context, id uuid.UUID, content string, meta map[string]string) (model.VersionID, error) {
	var vid model.VersionID
	err := in.retry(ctx, func(tx *engine.Tx) error {
		cur, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		next, v, err := in.stageContent(tx, cur, content, meta, "", "", "")
		if err != nil {
			return err
		}
		vid = v
		return tx.PutNode(next)
	}, nil)
	if err != nil {
		return "", err
	}
	return vid, nil
}

// DeleteNode removes a node, its incident edges and its embedding in one
// transaction. History is retained.
func (in *Ingester) DeleteNode(ctx context.Context, id uuid.UUID) error {
	return in.retry(ctx, func(tx *engine.Tx) error {
		if _, err := tx.GetNode(id); err != nil {
			return err
		}
		if in.e.Vectors().Contains(tx.Snapshot(), id) {
			if err := tx.DeleteVector(id); err != nil {
				return err
			}
		}
		return tx.DeleteNode(id)
	}, nil)
}

// CloseEdge ends the validity window of an edge at version until.
func (in *Ingester) CloseEdge(ctx context.Context, id uuid.UUID, until model.VersionID) error {
	return in.retry(ctx, func(tx *engine.Tx) error {
		e, err := tx.GetEdge(id)
		if err != nil {
			return err
		}
		if !e.Window.Active() {
			return model.Constraint("close edge", "edge %s is already closed at %s", id, e.Window.Until)
		}
		v, err := in.e.History().GetVersion(tx.Snapshot(), until)
		if err != nil {
			return err
		}
		closed := e.Clone()
		closed.Window.Until = until
		closed.Window.UntilTime = v.Timestamp
		return tx.PutEdge(closed)
	}, nil)
}
