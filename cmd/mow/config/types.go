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
	"fmt"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
)

// AppName names the per-user data, cache, and config directories.
const AppName = "mow"

var configValidate = validator.New()

type MowConfig struct {
	// Storage: where dataset files live
	Storage StorageConfig `yaml:"storage"`

	// Server: HTTP listener for the UI
	Server ServerConfig `yaml:"server"`

	// Logging: level and destinations
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: metrics and tracing toggles
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StorageConfig struct {
	DataDir              string `yaml:"data_dir" validate:"required"` // e.g. ~/.local/share/mow
	ScratchInCache       bool   `yaml:"scratch_in_cache"`             // scratch files under the user cache dir
	WatchExternalChanges bool   `yaml:"watch_external_changes"`       // flag edits made by other programs
}

type ServerConfig struct {
	Address string `yaml:"address" validate:"required,hostname_port"` // e.g. 127.0.0.1:7878
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	Metrics     bool `yaml:"metrics"`      // serve /metrics
	TraceStdout bool `yaml:"trace_stdout"` // print spans to stdout
}

// Validate checks the struct tags.
func (c MowConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CacheDir returns the scratch and lock directory root, or "" when scratch
// files sit next to the dataset files.
func (c MowConfig) CacheDir() string {
	if !c.Storage.ScratchInCache {
		return ""
	}
	return filepath.Join(xdg.CacheHome, AppName)
}

func DefaultConfig() MowConfig {
	return MowConfig{
		Storage: StorageConfig{
			DataDir:              filepath.Join(xdg.DataHome, AppName),
			ScratchInCache:       true,
			WatchExternalChanges: true,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:7878",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			TraceStdout: false,
		},
	}
}
