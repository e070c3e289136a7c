package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineClosed is returned once the engine has been closed,
	// either by Close or by a fatal failure.
	ErrEngineClosed = errors.New("engine: closed")

	// ErrEngineRecovering is returned for operations that are not
	// permitted while the engine replays its translog.
	ErrEngineRecovering = errors.New("engine: recovering")

	// ErrFlushInProgress is returned by Flush when another flush is
	// running and the caller did not ask to wait.
	ErrFlushInProgress = errors.New("engine: flush already in progress")
)

// VersionConflictError reports a rejected write: either an external
// version check or an explicit compare-and-swap (IfSeqNo/IfPrimaryTerm)
// failed against the current state of the document.
type VersionConflictError struct {
	ID              string
	CurrentVersion  int64
	CurrentSeqNo    int64
	CurrentTerm     int64
	ExpectedVersion int64
	ExpectedSeqNo   int64
	ExpectedTerm    int64
	Deleted         bool
}

func (e *VersionConflictError) Error() string {
	if e.ExpectedSeqNo >= 0 {
		return fmt.Sprintf("engine: version conflict on [%s]: required seqNo [%d], primary term [%d], current is seqNo [%d], term [%d]",
			e.ID, e.ExpectedSeqNo, e.ExpectedTerm, e.CurrentSeqNo, e.CurrentTerm)
	}
	if e.Deleted {
		return fmt.Sprintf("engine: version conflict on [%s]: document is missing", e.ID)
	}
	return fmt.Sprintf("engine: version conflict on [%s]: current version [%d] differs from required [%d]",
		e.ID, e.CurrentVersion, e.ExpectedVersion)
}

// IsVersionConflict reports whether err is a version or CAS conflict.
func IsVersionConflict(err error) bool {
	var vce *VersionConflictError
	return errors.As(err, &vce)
}

// FatalError wraps the failure that permanently closed the engine.
// Every operation attempted after a fatal failure observes the same
// underlying cause.
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("engine: failed: %s: %v", e.Reason, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// RecoveryError reports a failed translog replay during Open.
type RecoveryError struct {
	Op    string
	Cause error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("engine: recovery failed at %s: %v", e.Op, e.Cause)
}

func (e *RecoveryError) Unwrap() error { return e.Cause }
