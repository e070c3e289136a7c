package translog

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the translog has been closed, either
	// normally or by a tragic event.
	ErrClosed = errors.New("translog is closed")

	// ErrCorrupted is returned when a record or checkpoint fails its
	// integrity checks.
	ErrCorrupted = errors.New("translog corrupted")

	// ErrUUIDMismatch is returned when the on-disk translog does not
	// belong to the expected index history.
	ErrUUIDMismatch = errors.New("translog uuid mismatch")

	// errEncode marks operations rejected before any byte was written.
	// Such failures are not tragic.
	errEncode = errors.New("translog: cannot encode operation")
)

// TragicError wraps the I/O failure that forced the translog shut.
type TragicError struct {
	Cause error
}

func (e *TragicError) Error() string {
	return fmt.Sprintf("translog closed by tragic event: %v", e.Cause)
}

func (e *TragicError) Unwrap() error { return e.Cause }
