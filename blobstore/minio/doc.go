// Package minio provides a BlobStore implementation using the MinIO client.
//
// It works with MinIO and other S3-compatible object stores such as Ceph,
// SeaweedFS and Garage, and needs no AWS SDK.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "backups", "strata/")
//	info, err := db.Backup(ctx, store)
package minio
