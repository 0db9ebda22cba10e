package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/engine"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/resource"
)

// Source produces a consistent key-value stream and the sequence it
// reflects. *engine.Engine is a Source.
type Source interface {
	Export(ctx context.Context, fn func(key, value []byte) error) (uint64, error)
}

var _ Source = (*engine.Engine)(nil)

// BackendSource exports a kv backend that nothing writes to concurrently,
// for example a closed database's SQLite file.
func BackendSource(r kv.Reader) Source { return backendSource{r} }

type backendSource struct{ r kv.Reader }

func (s backendSource) Export(ctx context.Context, fn func(key, value []byte) error) (uint64, error) {
	seq, err := engine.ReadCheckpoint(ctx, s.r)
	if err != nil {
		return 0, err
	}
	return seq, s.r.Scan(ctx, nil, fn)
}

// Options configures Export and Import.
type Options struct {
	// Catalog receives the manifest name after a successful export. Defaults
	// to a BlobCatalog on the target store.
	Catalog Catalog

	// Resources paces blob IO. Nil means unlimited.
	Resources *resource.Controller

	// CompressionLevel of the lz4 frame.
	CompressionLevel lz4.CompressionLevel

	// BatchSize is the number of records Import writes per batch.
	BatchSize int

	Logger *slog.Logger

	Now func() time.Time
}

// DefaultOptions are the defaults used by Export and Import.
var DefaultOptions = Options{
	CompressionLevel: lz4.Fast,
	BatchSize:        1000,
	Now:              time.Now,
}

func buildOptions(optFns []func(o *Options)) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return opts
}

// Export streams src into a new backup in bs, writes its manifest and
// publishes it to the catalog. A failed export deletes what it wrote.
func Export(ctx context.Context, src Source, bs blobstore.BlobStore, optFns ...func(o *Options)) (Manifest, error) {
	opts := buildOptions(optFns)
	if opts.Catalog == nil {
		opts.Catalog = NewBlobCatalog(bs)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		ID:        "b-" + id.String(),
		CreatedAt: opts.Now().UTC(),
	}
	m.Blob = BlobName(m.ID)

	start := time.Now()
	if err := writeStream(ctx, src, bs, &m, opts); err != nil {
		_ = bs.Delete(context.WithoutCancel(ctx), m.Blob)
		opts.Logger.Error("backup failed", "id", m.ID, "error", err)
		return Manifest{}, err
	}

	if err := writeManifest(ctx, bs, m); err != nil {
		_ = bs.Delete(context.WithoutCancel(ctx), m.Blob)
		return Manifest{}, err
	}
	if err := opts.Catalog.Publish(ctx, m.Name()); err != nil {
		return m, model.Storage("publish backup", err)
	}

	opts.Logger.Info("backup",
		"id", m.ID,
		"seq", m.Seq,
		"records", m.Records,
		"bytes", m.Bytes,
		"compressed", m.Compressed,
		"duration", time.Since(start),
	)
	return m, nil
}

func writeStream(ctx context.Context, src Source, bs blobstore.BlobStore, m *Manifest, opts Options) (err error) {
	w, err := bs.Create(ctx, m.Blob)
	if err != nil {
		return model.Storage("create backup blob", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = w.Close()
		}
	}()

	counter := &countingWriter{w: w}
	zw := lz4.NewWriter(resource.NewRateLimitedWriter(ctx, counter, opts.Resources))
	if err := zw.Apply(lz4.CompressionLevelOption(opts.CompressionLevel), lz4.ChecksumOption(true)); err != nil {
		return err
	}

	rw := &recordWriter{w: zw}
	seq, err := src.Export(ctx, rw.write)
	if err != nil {
		return fmt.Errorf("backup export: %w", err)
	}
	if err := zw.Close(); err != nil {
		return model.Storage("backup compress", err)
	}

	closed = true
	if err := w.Close(); err != nil {
		return model.Storage("backup upload", err)
	}

	m.Seq = seq
	m.Records = rw.records
	m.Bytes = rw.bytes
	m.Compressed = counter.n
	return nil
}

// ImportStats describes an Import.
type ImportStats struct {
	Records  int64
	Batches  int
	Duration time.Duration
}

// Import loads the backup described by m into dst, which must be empty.
// A stream whose record count differs from the manifest is corrupt.
func Import(ctx context.Context, bs blobstore.BlobStore, m Manifest, dst kv.Backend, optFns ...func(o *Options)) (ImportStats, error) {
	opts := buildOptions(optFns)
	start := time.Now()

	var stats ImportStats
	if err := requireEmpty(ctx, dst); err != nil {
		return stats, err
	}

	blob, err := bs.Open(ctx, m.Blob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return stats, &model.NotFoundError{Resource: "backup blob", ID: m.Blob}
		}
		return stats, model.Storage("open backup blob", err)
	}
	defer func() { _ = blob.Close() }()

	zr := lz4.NewReader(resource.NewRateLimitedReader(ctx, blobstore.NewReader(ctx, blob), opts.Resources))
	rr := newRecordReader(zr)

	batch := kv.NewBatch()
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		if err := dst.Apply(ctx, batch); err != nil {
			return model.Storage("import apply", err)
		}
		stats.Batches++
		batch = kv.NewBatch()
		return nil
	}

	for {
		key, value, err := rr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		batch.Put(key, value)
		if batch.Len() >= opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	stats.Records = rr.records

	if stats.Records != m.Records {
		return stats, &model.CorruptionError{
			Offset: -1,
			Reason: fmt.Sprintf("backup %s holds %d records, manifest says %d", m.ID, stats.Records, m.Records),
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	opts.Logger.Info("restore", "id", m.ID, "seq", m.Seq, "records", stats.Records, "duration", stats.Duration)
	return stats, nil
}

// Restore imports the latest backup published to catalog.
func Restore(ctx context.Context, bs blobstore.BlobStore, catalog Catalog, dst kv.Backend, optFns ...func(o *Options)) (Manifest, error) {
	name, err := catalog.Latest(ctx)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return Manifest{}, &model.NotFoundError{Resource: "backup", ID: "latest"}
		}
		return Manifest{}, model.Storage("resolve latest backup", err)
	}

	m, err := ReadManifest(ctx, bs, name)
	if err != nil {
		return Manifest{}, err
	}
	if _, err := Import(ctx, bs, m, dst, optFns...); err != nil {
		return m, err
	}
	return m, nil
}

var errNotEmpty = errors.New("stop")

func requireEmpty(ctx context.Context, dst kv.Backend) error {
	err := dst.Scan(ctx, nil, func(_, _ []byte) error { return errNotEmpty })
	if errors.Is(err, errNotEmpty) {
		return model.Constraint("restore", "destination backend is not empty")
	}
	if err != nil {
		return model.Storage("restore", err)
	}
	return nil
}
