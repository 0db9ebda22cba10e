// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore and
// a DynamoDB catalog that tracks the latest backup manifest.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("strata/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	catalog := s3.NewDDBCatalog(dynamodb.NewFromConfig(cfg), "strata-backups", "s3://my-bucket/strata")
//	info, err := db.Backup(ctx, store, strata.WithCatalog(catalog))
//
// # Features
//
//   - Range reads for streaming restores
//   - Multipart uploads with CRC32C checksums for backup streams
//   - Automatic pagination for listing
//   - Conditional DynamoDB writes for concurrent backup writers
package s3
