// Package blobstore provides storage targets for backups.
//
// A backup is a stream of key-value records plus a small JSON manifest, both
// stored as named blobs. BlobStore is the interface the backup package writes
// to and reads from. Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, for tests and ephemeral setups
//   - LocalStore: a directory on the local file system
//   - minio.Store: MinIO and other S3-compatible object stores
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)            // Open for reading
//	    Create(ctx, name) (WritableBlob, error)  // Create for writing
//	    Put(ctx, name, data) error               // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
