//go:build windows

package jsonl

import (
	"errors"
	"io/fs"
	"os"
)

// Windows has no advisory flock; creating the sidecar with O_EXCL is the lock.
func (l *lockFile) tryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		// A file pending deletion reports access denied.
		if errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	l.f = f
	return true, nil
}

func (l *lockFile) unlock() error {
	if l.f == nil {
		return nil
	}
	closeErr := l.f.Close()
	l.f = nil
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, fs.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(closeErr, rmErr)
}
