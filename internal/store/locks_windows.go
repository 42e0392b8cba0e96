//go:build windows

package store

import (
	"golang.org/x/sys/windows"
)

// lockFile takes an exclusive, non-blocking advisory lock on f's
// underlying handle, mirroring the Unix flock guard in locks_unix.go.
func lockFile(f fder) error {
	handle := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	return windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
}

// unlockFile releases a lock taken by lockFile.
func unlockFile(f fder) error {
	handle := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(handle, 0, 1, 0, ol)
}
