package strata

import (
	"context"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/strata/backup"
	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/kv"
)

// BackupManifest describes one backup.
type BackupManifest = backup.Manifest

// BackupOption configures Backup and Restore.
type BackupOption func(*backup.Options)

// WithCatalog publishes backups to c instead of backups/LATEST in the blob
// store. Restore resolves the latest backup through the same catalog.
func WithCatalog(c backup.Catalog) BackupOption {
	return func(o *backup.Options) {
		o.Catalog = c
	}
}

// WithBackupCompression sets the lz4 compression level of the backup stream.
func WithBackupCompression(level lz4.CompressionLevel) BackupOption {
	return func(o *backup.Options) {
		o.CompressionLevel = level
	}
}

// WithRestoreBatchSize sets the number of keys Restore writes per batch.
func WithRestoreBatchSize(n int) BackupOption {
	return func(o *backup.Options) {
		o.BatchSize = n
	}
}

func backupOptions(base func(*backup.Options), optFns []BackupOption) []func(*backup.Options) {
	fns := make([]func(*backup.Options), 0, len(optFns)+1)
	fns = append(fns, base)
	for _, fn := range optFns {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	return fns
}

// Backup writes the newest committed state to bs. Commits continue while
// the backup streams; it reflects exactly one sequence.
//
// Example:
//
//	store := blobstore.NewLocalStore("./backups")
//	m, err := db.Backup(ctx, store)
//	fmt.Println(m.ID, m.Seq, m.Records)
func (db *DB) Backup(ctx context.Context, bs blobstore.BlobStore, optFns ...BackupOption) (BackupManifest, error) {
	if err := db.check(ctx); err != nil {
		return BackupManifest{}, err
	}

	start := time.Now()
	m, err := backup.Export(ctx, db.engine, bs, backupOptions(func(o *backup.Options) {
		o.Resources = db.rc
		o.Logger = db.logger.WithComponent("backup").Logger
	}, optFns)...)
	db.metrics.RecordBackup(m.Records, time.Since(start), err)
	db.logger.LogBackup(ctx, "backup", m.ID, m.Records, err)
	return m, err
}

// Restore loads the latest backup published to catalog into dst, which
// must be empty. A nil catalog reads backups/LATEST from bs. Open a DB with
// WithBackend(dst) afterwards to serve the restored state.
func Restore(ctx context.Context, bs blobstore.BlobStore, catalog backup.Catalog, dst kv.Backend, optFns ...BackupOption) (BackupManifest, error) {
	if catalog == nil {
		catalog = backup.NewBlobCatalog(bs)
	}
	return backup.Restore(ctx, bs, catalog, dst, backupOptions(func(*backup.Options) {}, optFns)...)
}
