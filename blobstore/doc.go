// Package blobstore provides storage abstraction for exported engine
// commits.
//
// BlobStore is the interface for reading and writing archive blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with range reads and streaming uploads
//   - minio.Store: MinIO and other S3-compatible object stores
//
// Exporter copies the files of an acquired engine commit into a
// BlobStore together with a metadata document describing the commit.
package blobstore
