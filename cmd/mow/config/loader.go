// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDataDir = "MOW_DATADIR"
	EnvConfig  = "MOW_CONFIG"
)

var (
	// Global is a singleton instance
	Global  MowConfig
	once    sync.Once
	errLoad error
)

// Load ensures the config is loaded into the Global variable
func Load() error {
	once.Do(func() {
		errLoad = loadInternal()
	})
	return errLoad
}

func loadInternal() error {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := LoadFile(Path())
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// Path returns $MOW_CONFIG, or mow/mow.yaml under the user config directory.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, AppName, AppName+".yaml")
}

// LoadFile reads the config at path, creating it with defaults first if it
// does not exist.
//
// # Description
//
// Keys missing from the file keep their default values. MOW_DATADIR, when
// set, replaces storage.data_dir. The result is validated.
//
// # Inputs
//
//   - path: Config file path.
//
// # Outputs
//
//   - MowConfig: The effective configuration.
//   - error: Non-nil on I/O, parse, or validation failure.
func LoadFile(path string) (MowConfig, error) {
	// create it if it doesn't exist
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return MowConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return MowConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return MowConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return MowConfig{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
