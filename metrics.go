package docengine

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational
// metrics. Implement this interface to integrate with monitoring
// systems like Prometheus.
type MetricsCollector interface {
	// RecordIndex is called after each index operation.
	RecordIndex(duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordGet is called after each get operation.
	RecordGet(realtime bool, duration time.Duration, err error)

	// RecordRefresh is called after each refresh.
	RecordRefresh(duration time.Duration, err error)

	// RecordFlush is called after each flush attempt.
	RecordFlush(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIndex(time.Duration, error)     {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)    {}
func (NoopMetricsCollector) RecordGet(bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordRefresh(time.Duration, error)   {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)     {}

// BasicMetrics is an in-memory MetricsCollector keeping counters only.
// Snapshot returns a copy for display or scraping.
type BasicMetrics struct {
	indexes   atomic.Int64
	deletes   atomic.Int64
	gets      atomic.Int64
	refreshes atomic.Int64
	flushes   atomic.Int64
	errors    atomic.Int64
}

// MetricsSnapshot holds counter values at one point in time.
type MetricsSnapshot struct {
	Indexes   int64
	Deletes   int64
	Gets      int64
	Refreshes int64
	Flushes   int64
	Errors    int64
}

func (m *BasicMetrics) RecordIndex(_ time.Duration, err error) {
	m.indexes.Add(1)
	m.countErr(err)
}

func (m *BasicMetrics) RecordDelete(_ time.Duration, err error) {
	m.deletes.Add(1)
	m.countErr(err)
}

func (m *BasicMetrics) RecordGet(_ bool, _ time.Duration, err error) {
	m.gets.Add(1)
	m.countErr(err)
}

func (m *BasicMetrics) RecordRefresh(_ time.Duration, err error) {
	m.refreshes.Add(1)
	m.countErr(err)
}

func (m *BasicMetrics) RecordFlush(_ time.Duration, err error) {
	m.flushes.Add(1)
	m.countErr(err)
}

func (m *BasicMetrics) countErr(err error) {
	if err != nil {
		m.errors.Add(1)
	}
}

// Snapshot returns the current counter values.
func (m *BasicMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Indexes:   m.indexes.Load(),
		Deletes:   m.deletes.Load(),
		Gets:      m.gets.Load(),
		Refreshes: m.refreshes.Load(),
		Flushes:   m.flushes.Load(),
		Errors:    m.errors.Load(),
	}
}
