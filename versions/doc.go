// Package versions implements the recent-write version map.
//
// The map remembers, per document id, the version and sequence number of
// the most recently accepted operation that searchers cannot see yet. It
// resolves optimistic-concurrency checks and real-time gets without
// reopening the on-disk index.
//
// The map is a cache, never the source of truth: correctness never
// depends on a hit, only on the on-disk index once refreshed. Mutating
// access to one id is serialized by a striped per-id lock so unrelated
// ids proceed concurrently.
package versions
