package jsonl

// ============================================================================
// Writer Error Definitions
// Purpose: Define all writer-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrWriterClosed indicates the writer is closed, cannot perform operation
	ErrWriterClosed = errors.New("jsonl: writer already closed")

	// ErrLockTimeout indicates the sidecar lock stayed busy past the timeout
	ErrLockTimeout = errors.New("jsonl: lock acquisition timed out")

	// ErrSyncFailed indicates fsync failed (record may not be durable)
	ErrSyncFailed = errors.New("jsonl: sync to disk failed")

	// ErrCorruptedFile indicates the existing file could not be read at startup
	ErrCorruptedFile = errors.New("jsonl: file is corrupted")
)

// LockError is returned when the cross-process lock cannot be taken.
//
// Busy is true when the lock was held by someone else for the whole timeout
// (expected, retryable). Busy is false when the locking primitive itself
// failed (fatal for this append).
type LockError struct {
	Path string
	Busy bool
	Err  error
}

func (e *LockError) Error() string {
	if e.Busy {
		return fmt.Sprintf("jsonl: lock %s busy: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("jsonl: lock %s failed: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a primary file that could not be read at startup.
// The file has been renamed to QuarantinedTo (empty when the rename failed).
type CorruptionError struct {
	Path          string
	QuarantinedTo string
	Cause         error
}

func (e *CorruptionError) Error() string {
	if e.QuarantinedTo == "" {
		return fmt.Sprintf("jsonl: %s unreadable: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("jsonl: %s unreadable, moved to %s: %v", e.Path, e.QuarantinedTo, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptedFile, e.Cause}
}
