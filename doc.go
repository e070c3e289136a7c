// Package docengine is a transactional document storage engine: the
// layer of a search shard that sits between the replication machinery
// above and the segment index below.
//
// A Shard owns an embedded segment backend, a write-ahead translog and
// the engine core tying them together. Every write is sequence
// numbered, versioned, logged before it is acknowledged and replayed
// on restart, so an acknowledged write survives a crash.
//
//	shard, err := docengine.Open(dir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer shard.Close()
//
//	res, err := shard.Index(&model.Document{ID: "doc-1", Source: payload})
//
// Completed commits can be archived to a blobstore.BlobStore (local
// disk, S3, MinIO) with ExportSnapshot and adopted back with
// RestoreSnapshot.
//
// For replica and recovery traffic, or fine-grained control over
// versioning and CAS, use the engine package directly via Engine().
package docengine
