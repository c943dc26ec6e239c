// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides exclusive, non-blocking advisory file locks for the
// files backing a loaded dataset.
//
// Locks are whole-file and process-scoped: flock(2) on Unix and LockFileEx
// on Windows. A second open of a locked file, from this or any other
// process, fails immediately with ErrFileLocked. The OS releases a lock
// when its handle is closed or the process exits.
//
// Each held lock also writes a small JSON sidecar into the lock directory
// so a contending process can report who holds the file.
package lock

import (
	"os"
)

// FileLocker abstracts platform-specific file locking operations.
//
// # Description
//
// Provides a unified interface for file locking across Unix and Windows.
// Unix uses unix.Flock, Windows uses windows.LockFileEx.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// Lock acquires an exclusive lock on the file without blocking.
	//
	// Returns ErrFileLocked if another handle already holds the lock.
	Lock(f *os.File) error

	// Unlock releases the lock on the file. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive checks if a process with the given PID is still running.
//
// # Description
//
// Used to decide whether a lock sidecar left on disk is stale.
//
// # Inputs
//
//   - pid: Process ID to check.
//
// # Outputs
//
//   - bool: True if the process exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}

// newFileLocker creates a platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
