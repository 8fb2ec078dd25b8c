package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"
)

// PathLocks holds exclusive advisory locks on `<path>.lock` files. They
// exclude other processes building the same outputs; goals within one
// process are deduplicated before they get here.
type PathLocks struct {
	files       []*os.File
	deleteFiles bool
}

// TryLockPaths takes every lock without blocking. When any lock is held
// elsewhere it releases what it took and reports false.
func TryLockPaths(paths []string) (*PathLocks, bool, error) {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)

	l := &PathLocks{}
	for _, p := range sorted {
		lockPath := p + ".lock"
		for {
			f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
			if err != nil {
				l.Unlock()
				return nil, false, fmt.Errorf("opening lock file '%s': %w", lockPath, err)
			}
			if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
				_ = f.Close()
				l.Unlock()
				if errors.Is(err, syscall.EWOULDBLOCK) {
					return nil, false, nil
				}
				return nil, false, fmt.Errorf("locking '%s': %w", lockPath, err)
			}
			// A previous holder may have deleted the file after we opened it;
			// the lock is then on an orphaned inode and must be retaken.
			fi, err := f.Stat()
			if err == nil && fi.Size() != 0 {
				_ = f.Close()
				continue
			}
			l.files = append(l.files, f)
			break
		}
	}
	return l, true, nil
}

// SetDeletion makes Unlock remove the lock files.
func (l *PathLocks) SetDeletion(on bool) {
	if l != nil {
		l.deleteFiles = on
	}
}

// Unlock releases every lock. It is safe to call on nil and more than once.
func (l *PathLocks) Unlock() {
	if l == nil {
		return
	}
	for _, f := range l.files {
		if l.deleteFiles {
			_ = os.Remove(f.Name())
			// Mark the inode stale for anyone who opened it before removal.
			_, _ = f.Write([]byte("d"))
		}
		_ = f.Close()
	}
	l.files = nil
}
