// Package minio provides a BlobStore implementation using the MinIO
// Go client.
//
// It works with MinIO and other S3-compatible object stores (Ceph,
// SeaweedFS, Garage) without pulling in the AWS SDK.
//
// # Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "archives/shard-0")
//	exporter := blobstore.NewExporter(store)
package minio
