package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/model"
)

// Dir is the blob name prefix of every backup.
const Dir = "backups/"

// Manifest describes one backup.
type Manifest struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`

	// Records is the number of key-value pairs in the stream.
	Records int64 `json:"records"`

	// Bytes is the uncompressed size of all keys and values.
	Bytes int64 `json:"bytes"`

	// Compressed is the size of the stored stream.
	Compressed int64 `json:"compressed"`

	// Blob names the lz4 stream.
	Blob string `json:"blob"`
}

// Name returns the blob name of the manifest itself.
func (m Manifest) Name() string { return ManifestName(m.ID) }

// BlobName returns the stream blob name for a backup id.
func BlobName(id string) string { return Dir + id + ".lz4" }

// ManifestName returns the manifest blob name for a backup id.
func ManifestName(id string) string { return Dir + id + ".json" }

func (m Manifest) validate() error {
	switch {
	case m.ID == "":
		return errors.New("missing id")
	case m.Blob == "":
		return errors.New("missing blob")
	case m.Records < 0 || m.Bytes < 0:
		return errors.New("negative counters")
	}
	return nil
}

// ReadManifest loads and validates the manifest stored under name.
func ReadManifest(ctx context.Context, bs blobstore.BlobStore, name string) (Manifest, error) {
	var m Manifest

	data, err := blobstore.ReadAll(ctx, bs, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return m, &model.NotFoundError{Resource: "backup manifest", ID: name}
		}
		return m, model.Storage("read manifest", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, &model.CorruptionError{Offset: -1, Reason: "manifest " + name, Err: err}
	}
	if err := m.validate(); err != nil {
		return m, &model.CorruptionError{Offset: -1, Reason: "manifest " + name, Err: err}
	}
	return m, nil
}

func writeManifest(ctx context.Context, bs blobstore.BlobStore, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := bs.Put(ctx, m.Name(), data); err != nil {
		return model.Storage("write manifest", err)
	}
	return nil
}

// List returns every manifest in bs, oldest first.
func List(ctx context.Context, bs blobstore.BlobStore) ([]Manifest, error) {
	names, err := bs.List(ctx, Dir)
	if err != nil {
		return nil, model.Storage("list backups", err)
	}

	var out []Manifest
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		m, err := ReadManifest(ctx, bs, name)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Manifest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete removes the stream and manifest of a backup.
func Delete(ctx context.Context, bs blobstore.BlobStore, m Manifest) error {
	if err := bs.Delete(ctx, m.Blob); err != nil {
		return model.Storage("delete backup", err)
	}
	if err := bs.Delete(ctx, m.Name()); err != nil {
		return model.Storage("delete manifest", err)
	}
	return nil
}
