package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/docengine/storage"
)

// Scope selects which read view an operation targets.
type Scope uint8

const (
	// ScopeInternal is the view real-time gets read from; it is
	// refreshed on demand.
	ScopeInternal Scope = iota
	// ScopeExternal is the search-visible view; it moves only on an
	// explicit refresh.
	ScopeExternal
)

func (s Scope) String() string {
	if s == ScopeInternal {
		return "internal"
	}
	return "external"
}

// searcherManager hands out refcounted point-in-time views and swaps in
// fresh ones without disrupting in-flight readers.
type searcherManager struct {
	mu      sync.Mutex
	backend storage.Backend
	current storage.Searcher
	dirty   atomic.Bool
}

func newSearcherManager(backend storage.Backend) (*searcherManager, error) {
	s, err := backend.NewSearcher()
	if err != nil {
		return nil, err
	}
	return &searcherManager{backend: backend, current: s}, nil
}

// acquire returns the current view with an extra reference. The caller
// must DecRef when done.
func (m *searcherManager) acquire() (storage.Searcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrEngineClosed
	}
	m.current.IncRef()
	return m.current, nil
}

func (m *searcherManager) markDirty() {
	m.dirty.Store(true)
}

// refresh swaps in a fresh view. Returns false when nothing changed
// since the last refresh; in-flight readers keep the old view alive
// through their own references.
func (m *searcherManager) refresh() (bool, error) {
	if !m.dirty.CompareAndSwap(true, false) {
		return false, nil
	}
	next, err := m.backend.NewSearcher()
	if err != nil {
		m.dirty.Store(true)
		return false, err
	}
	m.mu.Lock()
	prev := m.current
	m.current = next
	m.mu.Unlock()
	if prev != nil {
		prev.DecRef()
	}
	return true, nil
}

func (m *searcherManager) close() {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		prev.DecRef()
	}
}

// AcquireSearcher returns a refcounted point-in-time view for the given
// scope. The caller must DecRef when done with it.
func (e *Engine) AcquireSearcher(scope Scope) (storage.Searcher, error) {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}
	if scope == ScopeInternal {
		return e.internal.acquire()
	}
	return e.external.acquire()
}

// Refresh makes writes applied so far visible to searchers of the given
// scope. Refreshing the external scope refreshes the internal view as
// well, so the external view never runs ahead of the internal one. A
// refresh with no new writes returns quickly without touching the view.
func (e *Engine) Refresh(scope Scope) error {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return err
	}
	return e.refreshScope(scope)
}

func (e *Engine) refreshScope(scope Scope) error {
	if err := e.refreshInternal(); err != nil {
		return err
	}
	if scope != ScopeExternal {
		return nil
	}
	if _, err := e.external.refresh(); err != nil {
		e.failEngine("external refresh", err)
		return e.errIfClosed()
	}
	return nil
}

// refreshInternal refreshes the internal view and rotates the version
// map generations with it: entries the refresh made index-visible are
// dropped, tombstones survive until pruned.
func (e *Engine) refreshInternal() error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.vmap.BeforeRefresh()
	did, err := e.internal.refresh()
	if err != nil {
		e.vmap.AfterRefresh(false)
		e.failEngine("internal refresh", err)
		return e.errIfClosed()
	}
	e.vmap.AfterRefresh(did)

	if did {
		cfg := e.config()
		if cfg.EnableGCDeletes {
			e.vmap.PruneTombstones(time.Now(), cfg.TombstoneGCGrace, e.tracker.PersistedCheckpoint())
		}
	}
	return nil
}
