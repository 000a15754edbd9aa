package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock provides cross-process mutual exclusion over a shared file using
// flock(2) on a hidden sibling lock file. Separate Lock values conflict
// even inside one process.
type Lock struct {
	path string
	file *os.File
}

// NewLock creates a Lock guarding target. The lock file is .<base>.lock next
// to target and is created on first use.
func NewLock(target string) *Lock {
	return &Lock{
		path: filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".lock"),
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryLock attempts to acquire the lock without blocking. It reports false if
// another holder has it.
func (l *Lock) TryLock() (bool, error) {
	if l.file != nil {
		return false, fmt.Errorf("lock %s: already held", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock. Unlocking a Lock that is not held is a no-op.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}
