// Package s3 provides an Amazon S3 implementation of the
// blobstore.BlobStore interface, plus a DynamoDB-backed registry of
// completed exports.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(s3.NewFromConfig(cfg), "my-bucket", "archives/shard-0")
//	exporter := blobstore.NewExporter(store)
//
// Reads use ranged GetObject calls; Create streams the upload in the
// background via the S3 transfer manager.
package s3
