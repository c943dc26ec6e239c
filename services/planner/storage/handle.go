// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/lock"
)

var (
	// ErrExists indicates a dataset file already exists for the period.
	ErrExists = errors.New("dataset file already exists")

	// ErrNotExist indicates no dataset file exists for the period.
	ErrNotExist = errors.New("dataset file does not exist")

	// ErrClosed indicates the handle was already closed.
	ErrClosed = errors.New("dataset handle is closed")
)

// Store creates and opens dataset files under a Layout.
type Store struct {
	layout Layout
	locks  *lock.Manager
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store.
//
// # Inputs
//
//   - layout: Path mapping.
//   - locks: Lock manager shared by every handle of this process.
//   - logger: Logger; nil means slog.Default().
func NewStore(layout Layout, locks *lock.Manager, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		layout: layout,
		locks:  locks,
		logger: logger.With("component", "storage"),
		now:    time.Now,
	}
}

// Layout returns the store's path mapping.
func (s *Store) Layout() Layout {
	return s.layout
}

// OpenInfo describes conditions found while opening a dataset.
type OpenInfo struct {
	// Mismatch is true when the decoded period differs from the file's period.
	Mismatch bool

	// Recovery is the path of a copy of a non-empty scratch file, or empty.
	Recovery string
}

// Handle is an open, locked dataset file pair.
//
// # Thread Safety
//
// Not safe for concurrent use; the session serializes access.
type Handle struct {
	store       *Store
	period      dataset.Period
	primaryPath string
	scratchPath string
	primary     *os.File
	scratch     *os.File

	closeOnce sync.Once
	closeErr  error
	closed    bool

	// committed is the primary's stat after the last save or load.
	committed fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), modTime: info.ModTime()}
}

// Create reserves a period on disk and writes an initial commit.
//
// # Description
//
// The primary file is created exclusively, both files are locked, and ds is
// saved once so the period is never observed as an empty file. On any
// failure the locks are released and the new primary file is removed.
//
// # Inputs
//
//   - ds: Dataset to write. Its period selects the files.
//
// # Outputs
//
//   - *Handle: Locked handle. Close it to release the locks.
//   - error: ErrExists, a lock error wrapping lock.ErrFileLocked, or I/O errors.
func (s *Store) Create(ds *dataset.Dataset) (*Handle, error) {
	p := ds.Period
	primaryPath := s.layout.PrimaryPath(p)
	scratchPath := s.layout.ScratchPath(p)

	if err := os.MkdirAll(filepath.Dir(primaryPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating dataset directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(scratchPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	primary, err := s.locks.Acquire(primaryPath, os.O_CREATE|os.O_EXCL, 0o644, "dataset "+p.String())
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrExists
		}
		return nil, err
	}

	h := &Handle{
		store:       s,
		period:      p,
		primaryPath: primaryPath,
		scratchPath: scratchPath,
		primary:     primary,
	}

	abort := func(cause error) (*Handle, error) {
		if err := h.Close(); err != nil {
			s.logger.Warn("Failed to release new dataset", "path", primaryPath, "error", err)
		}
		if err := os.Remove(primaryPath); err != nil {
			s.logger.Warn("Failed to remove new dataset", "path", primaryPath, "error", err)
		}
		return nil, cause
	}

	h.scratch, err = s.locks.Acquire(scratchPath, os.O_CREATE, 0o644, "scratch "+p.String())
	if err != nil {
		return abort(err)
	}
	if err := h.Save(ds); err != nil {
		return abort(err)
	}

	s.logger.Info("Created dataset file", "path", primaryPath, "year", p.Year, "month", p.Month)
	return h, nil
}

// Open locks and decodes the dataset file for a period.
//
// # Description
//
// Locks the primary and scratch files, preserves a non-empty scratch file
// as <primary>.recovered-<timestamp>, and decodes the primary. The scratch
// file itself is left as found; the next Save overwrites it. On any
// failure both locks are released.
//
// # Inputs
//
//   - p: Period to open. Must be valid.
//
// # Outputs
//
//   - *Handle: Locked handle.
//   - *dataset.Dataset: Decoded content.
//   - OpenInfo: Mismatch flag and recovery path.
//   - error: ErrNotExist, lock errors, ErrDecode, or I/O errors.
func (s *Store) Open(p dataset.Period) (*Handle, *dataset.Dataset, OpenInfo, error) {
	primaryPath := s.layout.PrimaryPath(p)
	scratchPath := s.layout.ScratchPath(p)

	if !s.layout.Exists(p) {
		return nil, nil, OpenInfo{}, ErrNotExist
	}
	if err := os.MkdirAll(filepath.Dir(scratchPath), 0o755); err != nil {
		return nil, nil, OpenInfo{}, fmt.Errorf("creating scratch directory: %w", err)
	}

	primary, err := s.locks.Acquire(primaryPath, 0, 0, "dataset "+p.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, OpenInfo{}, ErrNotExist
		}
		return nil, nil, OpenInfo{}, err
	}

	h := &Handle{
		store:       s,
		period:      p,
		primaryPath: primaryPath,
		scratchPath: scratchPath,
		primary:     primary,
	}
	fail := func(cause error) (*Handle, *dataset.Dataset, OpenInfo, error) {
		if err := h.Close(); err != nil {
			s.logger.Warn("Failed to release dataset after failed open", "path", primaryPath, "error", err)
		}
		return nil, nil, OpenInfo{}, cause
	}

	h.scratch, err = s.locks.Acquire(scratchPath, os.O_CREATE, 0o644, "scratch "+p.String())
	if err != nil {
		return fail(err)
	}

	var info OpenInfo
	info.Recovery, err = h.preserveScratch()
	if err != nil {
		return fail(err)
	}

	data, err := readAll(h.primary)
	if err != nil {
		return fail(fmt.Errorf("reading %s: %w", primaryPath, err))
	}
	ds, err := Decode(data)
	if err != nil {
		return fail(fmt.Errorf("decoding %s: %w", primaryPath, err))
	}
	if err := h.recordCommit(); err != nil {
		return fail(err)
	}

	info.Mismatch = ds.Period != p
	if info.Mismatch {
		s.logger.Warn("Dataset period does not match its file",
			"path", primaryPath,
			"file_year", p.Year, "file_month", p.Month,
			"year", ds.Period.Year, "month", ds.Period.Month)
	}
	return h, ds, info, nil
}

// Read decodes a period's dataset under the primary lock and releases it.
//
// # Description
//
// Used to seed a new period from an earlier one and to print a dataset.
// Only the primary file is locked. The scratch file is neither created nor
// preserved, so a read leaves the data directory as found; PendingRecovery
// reports an interrupted save and the next Open preserves it.
//
// # Outputs
//
//   - *dataset.Dataset: Decoded content.
//   - error: ErrNotExist, lock errors, ErrDecode, or I/O errors. A period
//     this store already holds fails with lock.ErrFileLocked.
func (s *Store) Read(p dataset.Period) (*dataset.Dataset, error) {
	primaryPath := s.layout.PrimaryPath(p)
	if !s.layout.Exists(p) {
		return nil, ErrNotExist
	}
	if s.locks.Held(primaryPath) {
		return nil, &lock.FileLockError{Path: primaryPath, Err: lock.ErrFileLocked}
	}

	primary, err := s.locks.Acquire(primaryPath, 0, 0, "read "+p.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer func() {
		if err := s.locks.Release(primaryPath); err != nil {
			s.logger.Warn("Failed to release dataset after read", "path", primaryPath, "error", err)
		}
	}()

	data, err := readAll(primary)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", primaryPath, err)
	}
	ds, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", primaryPath, err)
	}
	return ds, nil
}

// PendingRecovery reports whether p's scratch file holds an interrupted save.
func (s *Store) PendingRecovery(p dataset.Period) bool {
	info, err := os.Stat(s.layout.ScratchPath(p))
	return err == nil && info.Size() > 0
}

// Period returns the period the handle was opened for.
func (h *Handle) Period() dataset.Period {
	return h.period
}

// PrimaryPath returns the locked primary file path.
func (h *Handle) PrimaryPath() string {
	return h.primaryPath
}

// Save durably writes ds.
//
// # Description
//
// 1. Encode ds.
// 2. Rewrite the scratch file with the encoding and fsync it.
// 3. Truncate and rewrite the primary file in place and fsync it.
// 4. Truncate the scratch file to empty and fsync it.
//
// A crash before step 3 completes leaves a complete copy in the scratch
// file. The primary is rewritten in place because its handle carries the
// lock; replacing it by rename would orphan the lock.
//
// # Outputs
//
//   - error: ErrClosed, wrapped ErrEncode, or I/O errors.
func (h *Handle) Save(ds *dataset.Dataset) error {
	if h.closed {
		return ErrClosed
	}
	data, err := Encode(ds)
	if err != nil {
		return err
	}
	if err := rewrite(h.scratch, data); err != nil {
		return fmt.Errorf("writing scratch %s: %w", h.scratchPath, err)
	}
	if err := rewrite(h.primary, data); err != nil {
		return fmt.Errorf("writing dataset %s: %w", h.primaryPath, err)
	}
	if err := rewrite(h.scratch, nil); err != nil {
		return fmt.Errorf("clearing scratch %s: %w", h.scratchPath, err)
	}
	return h.recordCommit()
}

// Changed reports whether the primary file differs from the last commit.
//
// A missing primary file counts as changed.
func (h *Handle) Changed() bool {
	info, err := os.Stat(h.primaryPath)
	if err != nil {
		return true
	}
	return stampOf(info) != h.committed
}

// Watch reports changes to the primary file. See lock.Manager.Watch.
func (h *Handle) Watch(callback func(lock.ExternalChangeEvent)) {
	h.store.locks.Watch(h.primaryPath, callback)
}

// Close releases both locks. Later calls return the first result.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed = true
		var result *multierror.Error
		if h.scratch != nil {
			if err := h.store.locks.Release(h.scratchPath); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if h.primary != nil {
			if err := h.store.locks.Release(h.primaryPath); err != nil {
				result = multierror.Append(result, err)
			}
		}
		h.closeErr = result.ErrorOrNil()
	})
	return h.closeErr
}

func (h *Handle) recordCommit() error {
	info, err := h.primary.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", h.primaryPath, err)
	}
	h.committed = stampOf(info)
	return nil
}

// preserveScratch copies a non-empty scratch file next to the primary.
func (h *Handle) preserveScratch() (string, error) {
	data, err := readAll(h.scratch)
	if err != nil {
		return "", fmt.Errorf("reading scratch %s: %w", h.scratchPath, err)
	}
	if len(data) == 0 {
		return "", nil
	}

	path := fmt.Sprintf("%s.recovered-%s", h.primaryPath, h.store.now().Format("20060102T150405"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("preserving scratch %s: %w", h.scratchPath, err)
	}
	h.store.logger.Warn("Found interrupted save, scratch content preserved",
		"path", h.primaryPath,
		"recovery", path,
		"bytes", len(data))
	return path, nil
}

// rewrite replaces the content of f with data and fsyncs it.
func rewrite(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return f.Sync()
}

func readAll(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
