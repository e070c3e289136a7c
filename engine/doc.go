// Package engine is the transactional core of a shard: it assigns
// sequence numbers, enforces version and compare-and-swap semantics,
// applies operations to the storage backend, logs them to the translog
// and coordinates refresh, flush, force-merge and recovery.
//
// One Engine owns exactly one storage backend writer and one translog.
// Callers may index, delete and read concurrently; only operations on
// the same document id serialize against each other. A fatal I/O
// failure ("tragic event") closes the engine permanently; the owning
// shard layer reopens it from the last safe commit plus translog
// replay.
package engine
