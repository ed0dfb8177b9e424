package jsonl

// ============================================================================
// Cross-process file lock
// Responsibility: exclusive access to the target file across processes
// ============================================================================
//
// The lock lives in a sidecar file "<target>.lock". The primitive is chosen at
// compile time: flock(2) on POSIX (lock_unix.go), exclusive create on Windows
// (lock_windows.go). Both only exist on disk while held.

import (
	"os"
	"time"
)

// lockPollInterval is the wait between two non-blocking attempts
const lockPollInterval = 100 * time.Millisecond

// locker is the platform-neutral contract used by Writer.
//
// tryLock returns (false, nil) when the lock is busy and a non-nil error only
// when the primitive itself failed.
type locker interface {
	tryLock() (bool, error)
	unlock() error
}

// lockFile is the sidecar lock; tryLock/unlock are per platform.
type lockFile struct {
	path string
	f    *os.File
}

func newLockFile(path string) *lockFile {
	return &lockFile{path: path}
}

// acquireLock polls l until it is taken, it fails, or timeout elapses.
func acquireLock(l locker, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.tryLock()
		if err != nil {
			return &LockError{Path: path, Busy: false, Err: err}
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &LockError{Path: path, Busy: true, Err: ErrLockTimeout}
		}
		time.Sleep(lockPollInterval)
	}
}
