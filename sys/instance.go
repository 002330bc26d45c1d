// Package sys holds the process-level helpers of wellrelay: the per-well
// instance lock that keeps two relays from replicating the same well.
package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked = errors.New("lock is held by another process")
	// ErrOSFileLockNotSupported is returned on platforms without file locks.
	ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")
)

// InstanceLock is held for as long as the relay runs.
type InstanceLock struct {
	path    string
	release func() error
}

// LockPath returns the lock file used for wellID inside dir.
func LockPath(dir string, wellID int64) string {
	return filepath.Join(dir, "wellrelay-"+strconv.FormatInt(wellID, 10)+".lock")
}

// AcquireInstanceLock takes the lock for wellID in dir without waiting. The
// lock file holds the owner's pid.
func AcquireInstanceLock(dir string, wellID int64) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	path := LockPath(dir, wellID)
	f, release, err := AcquireOSFileLock(path, 0)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			owner, _ := os.ReadFile(path)
			return nil, fmt.Errorf("well %d is already being relayed (pid %s): %w", wellID, string(owner), err)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	return &InstanceLock{path: path, release: release}, nil
}

// Path is the lock file path.
func (l *InstanceLock) Path() string { return l.path }

// Release unlocks and removes the lock file. It is safe to call twice.
func (l *InstanceLock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	rel := l.release
	l.release = nil
	return rel()
}
