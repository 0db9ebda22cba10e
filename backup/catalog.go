package backup

import (
	"context"
	"strings"

	"github.com/hupe1980/strata/blobstore"
)

// Catalog tracks the latest published backup.
type Catalog interface {
	// Publish makes the manifest named manifest the latest backup.
	Publish(ctx context.Context, manifest string) error

	// Latest returns the name of the latest manifest, or an error matching
	// blobstore.ErrNotFound when nothing was published.
	Latest(ctx context.Context) (string, error)
}

// LatestName is the pointer blob written by BlobCatalog.
const LatestName = Dir + "LATEST"

// BlobCatalog keeps the latest-manifest pointer as a blob. It is last
// writer wins; use s3.DDBCatalog when several processes publish backups to
// the same location.
type BlobCatalog struct {
	bs blobstore.BlobStore
}

// NewBlobCatalog returns a catalog stored in bs.
func NewBlobCatalog(bs blobstore.BlobStore) *BlobCatalog {
	return &BlobCatalog{bs: bs}
}

// Publish implements Catalog.
func (c *BlobCatalog) Publish(ctx context.Context, manifest string) error {
	return c.bs.Put(ctx, LatestName, []byte(manifest+"\n"))
}

// Latest implements Catalog.
func (c *BlobCatalog) Latest(ctx context.Context) (string, error) {
	data, err := blobstore.ReadAll(ctx, c.bs, LatestName)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", blobstore.ErrNotFound
	}
	return name, nil
}
