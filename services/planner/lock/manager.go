// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
)

// Manager acquires and tracks exclusive file locks.
//
// # Description
//
// Acquire opens a file, locks it without blocking, and keeps the handle
// open for the lifetime of the lock; callers read and write through the
// returned handle. Release unlocks and closes it. Optionally watches locked
// files with fsnotify and reports changes to registered callbacks.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	lockDir   string
	sessionID string
	locker    FileLocker
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*lockEntry

	watcher   *fsnotify.Watcher
	watcherMu sync.Mutex
	callbacks map[string][]func(ExternalChangeEvent)
	done      chan struct{}
}

// NewManager creates a lock manager.
//
// # Description
//
// Creates the lock directory and, when config.Watch is set, starts the
// fsnotify loop. Stale sidecars are removed when config.CleanupOnInit is
// set.
//
// # Inputs
//
//   - config: Manager configuration. LockDir is required.
//
// # Outputs
//
//   - *Manager: Ready-to-use lock manager. Close it when done.
//   - error: Non-nil if the lock directory or watcher cannot be created.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LockDir == "" {
		return nil, errors.New("lock directory is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := os.MkdirAll(config.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.LockDir, err)
	}

	m := &Manager{
		lockDir:   config.LockDir,
		sessionID: config.SessionID,
		locker:    newFileLocker(),
		logger:    config.Logger.With("component", "lock"),
		locks:     make(map[string]*lockEntry),
		callbacks: make(map[string][]func(ExternalChangeEvent)),
		done:      make(chan struct{}),
	}

	if config.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating file watcher: %w", err)
		}
		m.watcher = watcher
		go m.watchLoop()
	} else {
		close(m.done)
	}

	if config.CleanupOnInit {
		cleaned, err := m.CleanupStaleLocks()
		if err != nil {
			m.logger.Warn("Failed to cleanup stale locks on init", "error", err)
		} else if cleaned > 0 {
			m.logger.Info("Cleaned up stale locks on init", "count", cleaned)
		}
	}

	return m, nil
}

// Acquire opens a file and takes an exclusive lock on it.
//
// # Description
//
// Opens filePath with flag and perm, then locks the handle without
// blocking. On contention the handle is closed and a *FileLockError
// wrapping ErrFileLocked is returned, carrying the holder's sidecar if one
// can be read. On success a sidecar is written and the handle is returned;
// it stays owned by the manager until Release.
//
// Acquiring a path this manager already holds returns the existing handle
// and updates the recorded reason.
//
// # Inputs
//
//   - filePath: File to lock.
//   - flag: os.OpenFile flags. O_RDWR is always added.
//   - perm: Permission bits used when flag creates the file.
//   - reason: Human-readable reason recorded in the sidecar.
//
// # Outputs
//
//   - *os.File: The locked handle. Do not Close it directly.
//   - error: *FileLockError on contention, wrapped I/O errors otherwise.
func (m *Manager) Acquire(filePath string, flag int, perm os.FileMode, reason string) (*os.File, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.locks[absPath]; ok {
		entry.info.Reason = reason
		return entry.file, nil
	}

	f, err := os.OpenFile(absPath, flag|os.O_RDWR, perm)
	if err != nil {
		return nil, fmt.Errorf("opening file for lock %s: %w", absPath, err)
	}

	lockPath := m.lockPath(absPath)
	if err := m.locker.Lock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrFileLocked) {
			lockErr := &FileLockError{Path: absPath, Err: ErrFileLocked}
			if holder, readErr := m.readLockInfo(lockPath); readErr == nil {
				lockErr.Holder = holder
			}
			return nil, lockErr
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", absPath, err)
	}

	// Any sidecar left for this path belongs to a holder that is gone.
	info := &LockInfo{
		FilePath:  absPath,
		PID:       os.Getpid(),
		SessionID: m.sessionID,
		LockedAt:  time.Now(),
		Reason:    reason,
	}
	if err := m.ensureLockDir(); err != nil {
		_ = m.locker.Unlock(f)
		_ = f.Close()
		return nil, err
	}
	if err := m.writeLockInfo(lockPath, info); err != nil {
		_ = m.locker.Unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	m.locks[absPath] = &lockEntry{
		file:     f,
		path:     absPath,
		lockPath: lockPath,
		info:     info,
	}

	m.logger.Debug("Acquired lock",
		"path", absPath,
		"reason", reason)

	return f, nil
}

// Release unlocks and closes a file acquired with Acquire.
//
// # Outputs
//
//   - error: ErrLockNotHeld if this manager does not hold the path;
//     otherwise the combined unlock/close errors, if any.
func (m *Manager) Release(filePath string) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", filePath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[absPath]
	if !ok {
		return ErrLockNotHeld
	}
	return m.releaseLockEntry(absPath, entry)
}

// releaseLockEntry releases a lock entry (must be called with mu held).
func (m *Manager) releaseLockEntry(absPath string, entry *lockEntry) error {
	m.removeWatch(absPath)

	var result *multierror.Error
	if err := m.locker.Unlock(entry.file); err != nil {
		result = multierror.Append(result, fmt.Errorf("unlocking %s: %w", absPath, err))
	}
	if err := entry.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing %s: %w", absPath, err))
	}
	if err := os.Remove(entry.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("Failed to remove lock file",
			"path", entry.lockPath,
			"error", err)
	}

	delete(m.locks, absPath)

	m.logger.Debug("Released lock", "path", absPath)

	return result.ErrorOrNil()
}

// ReleaseAll releases all locks held by this manager.
//
// Every lock is attempted; the errors are combined.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for path, entry := range m.locks {
		if err := m.releaseLockEntry(path, entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Held reports whether this manager holds a lock on filePath.
func (m *Manager) Held(filePath string) bool {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[absPath]
	return ok
}

// Holder returns the live sidecar for filePath, if any.
//
// # Description
//
// Reports this manager's own lock first, then the on-disk sidecar. A
// sidecar whose process is gone is treated as absent.
//
// # Outputs
//
//   - *LockInfo: Holder information.
//   - bool: False if no live holder is known.
func (m *Manager) Holder(filePath string) (*LockInfo, bool) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, false
	}

	m.mu.Lock()
	if entry, ok := m.locks[absPath]; ok {
		info := *entry.info
		m.mu.Unlock()
		return &info, true
	}
	m.mu.Unlock()

	info, err := m.readLockInfo(m.lockPath(absPath))
	if err != nil || !IsProcessAlive(info.PID) {
		return nil, false
	}
	return info, true
}

// CleanupStaleLocks removes sidecars left by dead processes.
//
// # Outputs
//
//   - int: Number of sidecars removed.
//   - error: Non-nil on failure to scan the lock directory.
func (m *Manager) CleanupStaleLocks() (int, error) {
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}

		lockPath := filepath.Join(m.lockDir, entry.Name())
		info, err := m.readLockInfo(lockPath)
		if err != nil {
			m.logger.Warn("Failed to read lock info",
				"path", lockPath,
				"error", err)
			continue
		}
		if IsProcessAlive(info.PID) {
			continue
		}

		m.logger.Info("Cleaning up stale lock",
			"path", info.FilePath,
			"pid", info.PID)
		if err := os.Remove(lockPath); err != nil {
			m.logger.Warn("Failed to remove stale lock",
				"path", lockPath,
				"error", err)
			continue
		}
		cleaned++
	}

	return cleaned, nil
}

// Watch reports changes to a locked file through callback.
//
// # Description
//
// The callback runs on the watcher goroutine for write, remove, and rename
// events, and only while this manager holds the lock. Callbacks are
// dropped on Release. Writes made through the locked handle itself are
// reported too; callers filter their own writes.
//
// No-op when the manager was created without Watch.
func (m *Manager) Watch(filePath string, callback func(ExternalChangeEvent)) {
	if m.watcher == nil {
		return
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return
	}

	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if len(m.callbacks[absPath]) == 0 {
		if err := m.watcher.Add(absPath); err != nil {
			m.logger.Warn("Failed to watch file",
				"path", absPath,
				"error", err)
			return
		}
	}
	m.callbacks[absPath] = append(m.callbacks[absPath], callback)
}

// Close releases all locks and stops the watcher.
func (m *Manager) Close() error {
	var result *multierror.Error
	if err := m.ReleaseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		<-m.done
	}
	return result.ErrorOrNil()
}

// =============================================================================
// Internal helpers
// =============================================================================

// lockPath generates the sidecar path for a file: SHA256[:16] of its path.
func (m *Manager) lockPath(absPath string) string {
	hash := sha256.Sum256([]byte(absPath))
	return filepath.Join(m.lockDir, hex.EncodeToString(hash[:])[:16]+".lock")
}

// ensureLockDir recreates the lock directory if it was removed.
func (m *Manager) ensureLockDir() error {
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	return nil
}

func (m *Manager) writeLockInfo(lockPath string, info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(lockPath, data, 0o644)
}

func (m *Manager) readLockInfo(lockPath string) (*LockInfo, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// removeWatch stops watching path and drops its callbacks.
func (m *Manager) removeWatch(path string) {
	if m.watcher == nil {
		return
	}
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if _, ok := m.callbacks[path]; !ok {
		return
	}
	// Removal fails if the file is already gone; the watch went with it.
	_ = m.watcher.Remove(path)
	delete(m.callbacks, path)
}

// watchLoop handles fsnotify events until the watcher is closed.
func (m *Manager) watchLoop() {
	defer close(m.done)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("File watcher error", "error", err)
		}
	}
}

// handleWatchEvent processes a single fsnotify event.
func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	var changeType ChangeType
	switch {
	case event.Has(fsnotify.Write):
		changeType = ChangeWrite
	case event.Has(fsnotify.Remove):
		changeType = ChangeDelete
	case event.Has(fsnotify.Rename):
		changeType = ChangeRename
	default:
		return
	}

	absPath, _ := filepath.Abs(event.Name)
	if !m.Held(absPath) {
		return
	}

	m.watcherMu.Lock()
	callbacks := slices.Clone(m.callbacks[absPath])
	m.watcherMu.Unlock()

	changeEvent := ExternalChangeEvent{Path: absPath, EventType: changeType}
	for _, cb := range callbacks {
		cb(changeEvent)
	}
}
