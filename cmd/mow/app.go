// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/AleutianAI/mow/cmd/mow/config"
	"github.com/AleutianAI/mow/services/planner/lock"
	"github.com/AleutianAI/mow/services/planner/session"
	"github.com/AleutianAI/mow/services/planner/storage"
)

// app holds the storage stack shared by every command.
type app struct {
	cfg    config.MowConfig
	logger *slog.Logger
	layout storage.Layout
	locks  *lock.Manager
	store  *storage.Store
}

// newApp resolves the storage layout and starts a lock manager.
//
// # Inputs
//
//   - cfg: Effective configuration.
//   - logger: Process logger.
//   - watch: Whether the lock manager watches locked files.
//
// # Outputs
//
//   - *app: Ready to use. Close it when done.
//   - error: Non-nil if the directories cannot be prepared.
func newApp(cfg config.MowConfig, logger *slog.Logger, watch bool) (*app, error) {
	layout, err := storage.NewLayout(cfg.Storage.DataDir, cfg.CacheDir())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(layout.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", layout.BaseDir, err)
	}

	lockCfg := lock.DefaultManagerConfig()
	lockCfg.LockDir = layout.LockDir
	lockCfg.SessionID = uuid.NewString()
	lockCfg.Watch = watch
	lockCfg.Logger = logger
	locks, err := lock.NewManager(lockCfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("Storage ready",
		"data_dir", layout.BaseDir,
		"scratch_dir", layout.ScratchDir,
		"lock_dir", layout.LockDir)

	return &app{
		cfg:    cfg,
		logger: logger,
		layout: layout,
		locks:  locks,
		store:  storage.NewStore(layout, locks, logger),
	}, nil
}

// newSession creates an Unloaded session on the app's store.
func (a *app) newSession() (*session.Session, error) {
	return session.New(session.Config{
		Store:         a.store,
		Logger:        a.logger,
		Tracing:       a.cfg.Telemetry.TraceStdout,
		WatchExternal: a.cfg.Storage.WatchExternalChanges,
	})
}

// Close releases every lock still held and stops the watcher.
func (a *app) Close() error {
	return a.locks.Close()
}
