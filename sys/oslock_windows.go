//go:build windows

package sys

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// AcquireOSFileLock locks one byte of lockPath with LockFileEx, creating the
// file if needed. It retries until timeout elapses; a zero timeout makes a
// single attempt.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (*os.File, func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped

	deadline := time.Now().Add(timeout)
	for {
		err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
		if err == nil {
			release := func() error {
				_ = windows.UnlockFileEx(h, 0, 1, 0, &ov)
				err := f.Close()
				_ = os.Remove(lockPath)
				return err
			}
			return f, release, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
				return nil, nil, ErrLocked
			}
			return nil, nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
