// Package backup writes point-in-time copies of the persisted key spaces to a
// blob store and loads them back into a kv backend.
//
// A backup consists of two blobs:
//
//	backups/<id>.lz4   lz4 frame of uvarint(len key) key uvarint(len value) value records
//	backups/<id>.json  manifest: id, seq, created_at, records, bytes, blob
//
// After both are written the manifest name is published to a Catalog, which
// Restore later asks for the latest backup. BlobCatalog keeps the pointer in
// backups/LATEST next to the data; s3.DDBCatalog keeps it in DynamoDB so
// concurrent writers cannot lose an update.
package backup
