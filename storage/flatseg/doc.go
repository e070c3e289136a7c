// Package flatseg is the file-backed storage backend: an in-memory
// live table plus immutable segment files of lz4-compressed sequenced
// records, tied together by a manifest per commit with a CURRENT
// pointer.
//
// Every applied operation, deletes included, becomes a history record
// keyed by its sequence number. Live documents are resolved newest-wins
// across the live table and the segments; the retained history backs
// the engine's changes snapshots. Segments load fully into memory on
// open, which suits single-node deployments and tests.
package flatseg
