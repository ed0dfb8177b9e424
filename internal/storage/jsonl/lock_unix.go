//go:build !windows

package jsonl

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

func (l *lockFile) tryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, err
	}
	fd := int(f.Fd())

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return false, nil
		}
		return false, err
	}

	// The previous holder unlinks the path on release. If that happened after
	// our open, we locked an orphaned inode and must start over.
	var held, onDisk unix.Stat_t
	if err := unix.Fstat(fd, &held); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return false, err
	}
	if err := unix.Stat(l.path, &onDisk); err != nil || held.Ino != onDisk.Ino || held.Dev != onDisk.Dev {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return false, nil
	}

	l.f = f
	return true, nil
}

func (l *lockFile) unlock() error {
	if l.f == nil {
		return nil
	}
	// Unlink while still holding so no one can lock the old inode afterwards.
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, fs.ErrNotExist) {
		rmErr = nil
	}
	unErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(rmErr, unErr, closeErr)
}
