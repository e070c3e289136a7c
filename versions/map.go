package versions

import (
	"sync"
	"sync/atomic"
	"time"
)

// Value is one entry of the version map.
type Value struct {
	// Version is the document version after the operation.
	Version int64
	// SeqNo and Term identify the operation that produced this value.
	SeqNo int64
	Term  int64
	// Delete marks a tombstone.
	Delete bool
	// Time is the insertion wall-clock time; tombstone GC keys off it.
	Time time.Time
}

// Map is the recent-write version map.
//
// Lookups consult the current generation first, then the generation an
// in-flight refresh is making visible, then the tombstones. Callers must
// hold the per-id lock (see [KeyLock]) for every Get/Put of the same id.
type Map struct {
	// Lock stripes for per-id serialization. Exposed so the engine can
	// hold the id lock across its whole conflict-check/apply sequence.
	Keys KeyLock

	mu sync.RWMutex
	// current holds values written since the last refresh started.
	current map[string]Value
	// old holds values an in-flight refresh is making index-visible.
	old map[string]Value
	// tombstones outlive refreshes; they bridge delete/stale-write races.
	tombstones map[string]Value

	// unsafe is set while append-only writes have bypassed the map since
	// the last refresh; real-time reads must then consult the index.
	unsafe atomic.Bool
	// safeAccessRequired forces even append-only writes through the map
	// (set as soon as any id is written twice or deleted).
	safeAccessRequired atomic.Bool
}

// NewMap creates an empty version map.
func NewMap() *Map {
	return &Map{
		current:    make(map[string]Value),
		old:        make(map[string]Value),
		tombstones: make(map[string]Value),
	}
}

// GetUnderLock returns the cached value for id. The caller must hold the
// id lock.
func (m *Map) GetUnderLock(id string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.current[id]; ok {
		return v, true
	}
	if v, ok := m.old[id]; ok {
		return v, true
	}
	if v, ok := m.tombstones[id]; ok {
		return v, true
	}
	return Value{}, false
}

// PutIndexUnderLock records an accepted index operation. The caller must
// hold the id lock.
func (m *Map) PutIndexUnderLock(id string, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.Delete = false
	m.current[id] = v
	delete(m.tombstones, id)
}

// PutDeleteUnderLock records an accepted delete. The tombstone is kept
// beyond the next refresh until pruned. The caller must hold the id lock.
func (m *Map) PutDeleteUnderLock(id string, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.Delete = true
	m.current[id] = v
	m.tombstones[id] = v
	m.safeAccessRequired.Store(true)
}

// MarkUnsafe records that an append-only write skipped the map. Until the
// next refresh, index-only reads are not sufficient for real-time gets.
func (m *Map) MarkUnsafe() {
	m.unsafe.Store(true)
}

// IsUnsafe reports whether writes have bypassed the map since the last
// refresh.
func (m *Map) IsUnsafe() bool {
	return m.unsafe.Load()
}

// RequireSafeAccess forces subsequent append-only writes through the map.
func (m *Map) RequireSafeAccess() {
	m.safeAccessRequired.Store(true)
}

// IsSafeAccessRequired reports whether append-only writes may still skip
// the map.
func (m *Map) IsSafeAccessRequired() bool {
	return m.safeAccessRequired.Load()
}

// BeforeRefresh moves the current generation aside; the refresh in flight
// is about to make those entries index-visible.
func (m *Map) BeforeRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A refresh while the previous old generation is still set means two
	// refreshes overlap; the searcher manager serializes them.
	m.old = m.current
	m.current = make(map[string]Value)
}

// AfterRefresh drops the generation the refresh made visible. Tombstones
// survive; they are released only by PruneTombstones.
func (m *Map) AfterRefresh(didRefresh bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if didRefresh {
		m.old = make(map[string]Value)
		m.unsafe.Store(false)
	} else {
		// Refresh was skipped; merge the generations back.
		for id, v := range m.old {
			if _, ok := m.current[id]; !ok {
				m.current[id] = v
			}
		}
		m.old = make(map[string]Value)
	}
}

// PruneTombstones drops tombstones that are older than the GC grace
// period and whose sequence number is at or below maxSeqNoToPrune
// (normally the processed local checkpoint).
func (m *Map) PruneTombstones(now time.Time, grace time.Duration, maxSeqNoToPrune int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, v := range m.tombstones {
		if v.SeqNo > maxSeqNoToPrune {
			continue
		}
		if now.Sub(v.Time) < grace {
			continue
		}
		// Keep the tombstone while a newer live entry for the id still
		// points at it via current/old; those maps always win lookups,
		// so dropping is safe either way, but only drop the tombstone
		// entry itself.
		delete(m.tombstones, id)
		if cv, ok := m.current[id]; ok && cv.Delete && cv.SeqNo == v.SeqNo {
			delete(m.current, id)
		}
		if ov, ok := m.old[id]; ok && ov.Delete && ov.SeqNo == v.SeqNo {
			delete(m.old, id)
		}
	}
}

// EntryCounts returns the live and tombstone entry counts.
func (m *Map) EntryCounts() (live, tombstones int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.current {
		if !v.Delete {
			live++
		}
	}
	for _, v := range m.old {
		if !v.Delete {
			live++
		}
	}
	return live, len(m.tombstones)
}
