package engine

import (
	"errors"
	"sync"

	"github.com/hupe1980/docengine/storage"
)

// CommitRef is a reference-counted handle on an on-disk commit. While
// any handle on a commit is outstanding, neither the commit nor the
// translog generations it needs for recovery are discarded. Close is
// idempotent.
type CommitRef struct {
	Info storage.CommitInfo

	e    *Engine
	once sync.Once
}

// Close releases the handle and lets retention reconsider the commit.
func (r *CommitRef) Close() error {
	r.once.Do(func() {
		r.e.releaseCommit(r.Info.Generation)
	})
	return nil
}

// AcquireSafeCommit returns a handle on the most recent commit whose
// max sequence number is at or below the current global checkpoint.
// That commit is the one a replica can be rebuilt from.
func (e *Engine) AcquireSafeCommit() (*CommitRef, error) {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}

	e.commitsMu.Lock()
	defer e.commitsMu.Unlock()
	commits, err := e.backend.ListCommits()
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errors.New("engine: no commit to acquire")
	}
	safe := findSafeCommit(commits, e.gcpSupplier())
	e.acquiredCommits[safe.Generation]++
	return &CommitRef{Info: safe, e: e}, nil
}

// AcquireLastCommit returns a handle on the most recent commit,
// optionally forcing a flush first so the handle covers everything
// processed so far.
func (e *Engine) AcquireLastCommit(flushFirst bool) (*CommitRef, error) {
	if flushFirst {
		if err := e.Flush(true, true); err != nil {
			return nil, err
		}
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}

	e.commitsMu.Lock()
	defer e.commitsMu.Unlock()
	last, ok := e.backend.LastCommit()
	if !ok {
		return nil, errors.New("engine: no commit to acquire")
	}
	e.acquiredCommits[last.Generation]++
	return &CommitRef{Info: last, e: e}, nil
}

func (e *Engine) releaseCommit(generation int64) {
	e.commitsMu.Lock()
	e.acquiredCommits[generation]--
	if e.acquiredCommits[generation] <= 0 {
		delete(e.acquiredCommits, generation)
	}
	e.commitsMu.Unlock()

	if e.State() == StateOpen {
		e.revisitRetention()
	}
}
