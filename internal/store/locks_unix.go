//go:build !windows

package store

import (
	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive, non-blocking advisory lock on f's
// underlying descriptor, guarding the data file against a second process
// opening the same truck — spec.md section 1 calls multi-process access
// undefined behavior; this turns the worst case (silent corruption) into
// an immediate, loud failure. Grounded on entitydb's file-level locking
// around its own rename-swap compaction dance.
func lockFile(f fder) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return err
	}
	return nil
}

// unlockFile releases a lock taken by lockFile.
func unlockFile(f fder) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
