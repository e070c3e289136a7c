package docengine

import (
	"github.com/hupe1980/docengine/engine"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/translog"
)

// Re-exported sentinels so callers of the facade need not import the
// engine package for error checks.
var (
	// ErrEngineClosed is returned by every operation after the shard
	// closed, normally or tragically.
	ErrEngineClosed = engine.ErrEngineClosed

	// ErrEngineRecovering is returned by Flush while translog recovery
	// is still running.
	ErrEngineRecovering = engine.ErrEngineRecovering

	// ErrFlushInProgress is returned by a non-waiting flush when
	// another flush is running.
	ErrFlushInProgress = engine.ErrFlushInProgress

	// ErrHistoryTrimmed is returned by NewChangesSnapshot when the
	// requested range is no longer fully retained.
	ErrHistoryTrimmed = storage.ErrHistoryTrimmed

	// ErrTranslogUUIDMismatch indicates the translog on disk belongs
	// to a different shard history.
	ErrTranslogUUIDMismatch = translog.ErrUUIDMismatch
)

// IsVersionConflict reports whether err is a version or CAS conflict.
func IsVersionConflict(err error) bool {
	return engine.IsVersionConflict(err)
}
