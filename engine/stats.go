package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/docengine/seqno"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/translog"
)

// Stats aggregates the engine state the shard layer reports upstream.
type Stats struct {
	State                State
	SeqNo                seqno.Stats
	Translog             translog.Stats
	VersionMapLive       int
	VersionMapTombstones int
	Segments             int
}

// SeqNoStats returns the sequence number tracker snapshot.
func (e *Engine) SeqNoStats() seqno.Stats {
	return e.tracker.Stats()
}

// TranslogStats returns the translog footprint.
func (e *Engine) TranslogStats() translog.Stats {
	return e.translog.Stats()
}

// Stats returns an aggregated snapshot. The individual parts are read
// independently; do not expect them to be mutually consistent under
// concurrent writes.
func (e *Engine) Stats() Stats {
	live, tombstones := e.vmap.EntryCounts()
	return Stats{
		State:                e.State(),
		SeqNo:                e.tracker.Stats(),
		Translog:             e.translog.Stats(),
		VersionMapLive:       live,
		VersionMapTombstones: tombstones,
		Segments:             e.backend.SegmentCount(),
	}
}

// ChangesSnapshot is an ordered, replayable cursor over the retained
// operation history. It pins a point-in-time view for its lifetime;
// Close releases it.
type ChangesSnapshot struct {
	searcher storage.Searcher
	iter     storage.ChangeIterator
	once     sync.Once
	closeErr error
}

// Next returns the next document or tombstone in sequence number order,
// io.EOF when exhausted.
func (s *ChangesSnapshot) Next() (*storage.Document, error) {
	return s.iter.Next()
}

func (s *ChangesSnapshot) Close() error {
	s.once.Do(func() {
		s.closeErr = s.iter.Close()
		s.searcher.DecRef()
	})
	return s.closeErr
}

// NewChangesSnapshot opens a cursor over operations with
// fromSeqNo <= seqNo <= toSeqNo, for replication catch-up. Operations
// in the range that are still in flight are waited for, bounded by
// ctx. It fails with the backend's history-trimmed error when the
// range reaches below the retained soft-delete history.
func (e *Engine) NewChangesSnapshot(ctx context.Context, fromSeqNo, toSeqNo int64) (*ChangesSnapshot, error) {
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}
	upTo := toSeqNo
	if max := e.tracker.MaxSeqNo(); max < upTo {
		upTo = max
	}
	if err := e.tracker.WaitForProcessed(ctx, upTo); err != nil {
		return nil, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}

	// Refresh so every processed operation is part of the view.
	if err := e.refreshInternal(); err != nil {
		return nil, err
	}
	s, err := e.internal.acquire()
	if err != nil {
		return nil, err
	}
	iter, err := s.Changes(fromSeqNo, toSeqNo)
	if err != nil {
		s.DecRef()
		return nil, err
	}
	return &ChangesSnapshot{searcher: s, iter: iter}, nil
}
