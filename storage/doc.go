// Package storage defines the boundary between the engine and the
// embedded segment index that stores documents.
//
// The engine drives a [Backend]: it applies sequenced operations,
// acquires point-in-time [Searcher] views and takes commits carrying
// the engine's checkpoint metadata. Implementations live below this
// package; [github.com/hupe1980/docengine/storage/flatseg] is the
// file-backed one.
package storage
