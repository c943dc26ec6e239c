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
	"log/slog"
	"os"
	"time"
)

// LockInfo is the content of a lock sidecar file.
type LockInfo struct {
	// FilePath is the absolute path of the locked file.
	FilePath string `json:"file_path"`

	// PID is the process holding the lock.
	PID int `json:"pid"`

	// SessionID identifies the holder within its process.
	SessionID string `json:"session_id"`

	// LockedAt is when the lock was acquired.
	LockedAt time.Time `json:"locked_at"`

	// Reason is a short human-readable purpose, e.g. "dataset 2024-03".
	Reason string `json:"reason"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LockDir holds the JSON sidecars. Created if missing.
	LockDir string

	// SessionID is written into every sidecar.
	SessionID string

	// Watch enables fsnotify change detection for files passed to Watch.
	Watch bool

	// CleanupOnInit removes sidecars of dead processes on construction.
	CleanupOnInit bool

	// Logger receives lock diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultManagerConfig returns a config with watching and cleanup enabled.
//
// LockDir must still be set by the caller.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Watch:         true,
		CleanupOnInit: true,
	}
}

// ChangeType classifies a change observed on a watched file.
type ChangeType int

const (
	// ChangeWrite means the file content was written.
	ChangeWrite ChangeType = iota + 1

	// ChangeDelete means the file was removed.
	ChangeDelete

	// ChangeRename means the file was renamed away.
	ChangeRename
)

// String returns "written", "deleted", or "renamed".
func (c ChangeType) String() string {
	switch c {
	case ChangeWrite:
		return "written"
	case ChangeDelete:
		return "deleted"
	case ChangeRename:
		return "renamed"
	default:
		return "changed"
	}
}

// ExternalChangeEvent is delivered to watch callbacks.
type ExternalChangeEvent struct {
	Path      string
	EventType ChangeType
}

// lockEntry is a lock held by a Manager.
type lockEntry struct {
	file     *os.File
	path     string
	lockPath string
	info     *LockInfo
}
