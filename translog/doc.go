// Package translog implements the write-ahead log of accepted
// operations.
//
// The log is split into generations: translog-<N>.log holds the framed
// operation records of generation N, translog-<N>.ckp its final
// checkpoint, and translog.ckp the live checkpoint of the generation
// currently being written. Generations are numbered monotonically and a
// generation is deleted only once the deletion policy certifies no
// future recovery needs it.
//
// Add buffers; Sync (or EnsureSynced) is the durability boundary a
// caller must cross before acknowledging a write as durable. A write or
// fsync error is terminal: the translog closes with a sticky tragic
// error and every later call fails with it. The translog never silently
// loses or reorders an operation.
package translog
