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
	"os"
	"path/filepath"
)

type FilesafeConfig struct {
	// Storage: where the journal and backups live
	Storage StorageConfig `yaml:"storage"`

	// Logging: level and optional log directory
	Logging LoggingConfig `yaml:"logging"`

	// Behavior: execution defaults
	Behavior BehaviorConfig `yaml:"behavior"`

	// Watch: directories to monitor in watch mode
	Watch WatchConfig `yaml:"watch"`

	// Observability: metrics and tracing toggles
	Observability ObservabilityConfig `yaml:"observability"`

	// Retention: journal sweep policy
	Retention RetentionConfig `yaml:"retention"`
}

type StorageConfig struct {
	JournalPath string `yaml:"journal_path"` // e.g. ~/.filesafe/journal.db
	BackupDir   string `yaml:"backup_dir"`   // e.g. ~/.filesafe/backups
}

type LoggingConfig struct {
	Level  string `yaml:"level"`   // debug, info, warn, error
	LogDir string `yaml:"log_dir"` // empty disables file logging
	JSON   bool   `yaml:"json"`
}

type BehaviorConfig struct {
	// SoftDelete parks deleted files in the backup trash until commit.
	SoftDelete bool `yaml:"soft_delete"`

	// StepTimeoutSeconds bounds each filesystem operation.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`

	// VerifyChecksum enables SHA-256 verification of cross-device moves.
	VerifyChecksum bool `yaml:"verify_checksum"`
}

type WatchConfig struct {
	Dirs       []string `yaml:"dirs"`
	DebounceMS int      `yaml:"debounce_ms"`
	Ignore     []string `yaml:"ignore,omitempty"`
}

type ObservabilityConfig struct {
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	MetricsListen string `yaml:"metrics_listen"` // e.g. 127.0.0.1:9464
}

type RetentionConfig struct {
	// Days of committed/rolled-back history to keep.
	Days int `yaml:"days"`

	// SweepIntervalMinutes between background sweeps in watch mode.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// DataDir returns the filesafe home directory, ~/.filesafe.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".filesafe"
	}
	return filepath.Join(home, ".filesafe")
}

func DefaultConfig() FilesafeConfig {
	dataDir := DataDir()
	return FilesafeConfig{
		Storage: StorageConfig{
			JournalPath: filepath.Join(dataDir, "journal.db"),
			BackupDir:   filepath.Join(dataDir, "backups"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			LogDir: filepath.Join(dataDir, "logs"),
		},
		Behavior: BehaviorConfig{
			SoftDelete:         true,
			StepTimeoutSeconds: 30,
			VerifyChecksum:     true,
		},
		Watch: WatchConfig{
			Dirs:       []string{},
			DebounceMS: 500,
		},
		Observability: ObservabilityConfig{
			Metrics:       true,
			Tracing:       false,
			MetricsListen: "127.0.0.1:9464",
		},
		Retention: RetentionConfig{
			Days:                 7,
			SweepIntervalMinutes: 60,
		},
	}
}
