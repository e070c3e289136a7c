// Package seqno tracks per-shard sequence numbers and local checkpoints.
//
// The [Tracker] issues strictly increasing sequence numbers on the
// primary path and tracks out-of-order completion above the checkpoint
// in fixed-size bitset windows. Advancing the checkpoint drains a
// contiguous prefix of completed numbers, so it is O(1) amortized.
//
// The tracker cannot fail, only stall; callers must never hold their own
// locks while waiting on it.
package seqno
