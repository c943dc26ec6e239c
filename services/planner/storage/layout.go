// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists datasets as one YAML file per period.
//
// The primary file for a period lives at <base>/<year>/<month>.yaml. Each
// primary has a scratch companion used by the save protocol: either next
// to it as <month>.yaml.tmp, or in a cache directory keyed by a hash of the
// base directory so two base directories never share scratch files.
//
// While a dataset is loaded both files are held open under exclusive locks
// from the lock package. Saves write the scratch file first, then rewrite
// the primary in place, then empty the scratch file. A non-empty scratch
// file found on open is evidence of an interrupted save and is copied
// aside for manual recovery.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AleutianAI/mow/services/planner/dataset"
)

const (
	// Extension of primary dataset files.
	Extension = ".yaml"

	// ScratchExtension is appended to scratch file names.
	ScratchExtension = ".tmp"
)

// Layout maps periods to file paths.
type Layout struct {
	// BaseDir is the absolute base storage directory.
	BaseDir string

	// ScratchDir holds scratch files. Empty means co-located with primaries.
	ScratchDir string

	// LockDir holds lock sidecars.
	LockDir string
}

// NewLayout resolves the paths for a base directory.
//
// # Description
//
// With a non-empty cacheDir, scratch files go to
// <cacheDir>/<sha256(abs base)[:16]>/ and sidecars to <cacheDir>/locks.
// Otherwise scratch files sit next to their primaries and sidecars go to
// <base>/.locks.
//
// # Inputs
//
//   - baseDir: Base storage directory. Made absolute.
//   - cacheDir: Per-user cache directory, or empty.
//
// # Outputs
//
//   - Layout: Resolved layout. Directories are not created.
//   - error: Non-nil if baseDir cannot be made absolute.
func NewLayout(baseDir, cacheDir string) (Layout, error) {
	if baseDir == "" {
		return Layout{}, errors.New("base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolving base directory %s: %w", baseDir, err)
	}

	l := Layout{BaseDir: abs}
	if cacheDir == "" {
		l.LockDir = filepath.Join(abs, ".locks")
		return l, nil
	}

	hash := sha256.Sum256([]byte(abs))
	l.ScratchDir = filepath.Join(cacheDir, hex.EncodeToString(hash[:])[:16])
	l.LockDir = filepath.Join(cacheDir, "locks")
	return l, nil
}

// PrimaryPath returns <base>/<year>/<month>.yaml.
func (l Layout) PrimaryPath(p dataset.Period) string {
	return filepath.Join(l.BaseDir, strconv.Itoa(p.Year), strconv.Itoa(p.Month)+Extension)
}

// ScratchPath returns the scratch companion of the period's primary file.
func (l Layout) ScratchPath(p dataset.Period) string {
	if l.ScratchDir == "" {
		return l.PrimaryPath(p) + ScratchExtension
	}
	name := fmt.Sprintf("%d-%d%s%s", p.Year, p.Month, Extension, ScratchExtension)
	return filepath.Join(l.ScratchDir, name)
}

// Exists reports whether a regular primary file exists for the period.
//
// Stat errors count as absent.
func (l Layout) Exists(p dataset.Period) bool {
	info, err := os.Stat(l.PrimaryPath(p))
	return err == nil && info.Mode().IsRegular()
}
