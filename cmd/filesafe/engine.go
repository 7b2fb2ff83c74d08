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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/batch"
	"github.com/AleutianAI/filesafe/cmd/filesafe/config"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
	"github.com/AleutianAI/filesafe/journal/sqlite"
	"github.com/AleutianAI/filesafe/lock"
	"github.com/AleutianAI/filesafe/pkg/logging"
	"github.com/AleutianAI/filesafe/recovery"
	"github.com/AleutianAI/filesafe/retry"
	"github.com/AleutianAI/filesafe/saga"
)

// engine wires the journal, backup store, executor, and coordinators
// into one ready-to-use unit. Every command builds one, uses the pieces
// it needs, and closes it.
type engine struct {
	cfg    config.FilesafeConfig
	log    *logging.Logger
	guard  *lock.Guard
	store  *sqlite.Store
	backup *backup.Store
	exec   *fsops.Executor
	saga   *saga.Coordinator
	batch  *batch.Runner
	rec    *recovery.Manager
}

// openEngine loads the config, applies CLI flag overrides, takes the
// process lock, and opens every store. On any failure it releases what
// it already acquired.
func openEngine() (*engine, error) {
	if err := config.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := config.Global
	applyFlagOverrides(&cfg)

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "filesafe",
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(log.Slog())

	guard := lock.NewGuard(filepath.Dir(cfg.Storage.JournalPath))
	if err := guard.Acquire(); err != nil {
		log.Close()
		return nil, err
	}

	store, err := sqlite.Open(cfg.Storage.JournalPath)
	if err != nil {
		guard.Release()
		log.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	exec := fsops.NewExecutor(fsops.Config{
		Logger:         log.Slog(),
		Retry:          retry.DefaultConfig(),
		VerifyChecksum: cfg.Behavior.VerifyChecksum,
	})

	backupCfg := backup.DefaultConfig(cfg.Storage.BackupDir)
	backupCfg.Logger = log.Slog()
	backupCfg.Executor = exec
	backups, err := backup.Open(backupCfg)
	if err != nil {
		store.Close()
		guard.Release()
		log.Close()
		return nil, fmt.Errorf("open backup store: %w", err)
	}

	stepTimeout := time.Duration(cfg.Behavior.StepTimeoutSeconds) * time.Second

	coord, err := saga.New(saga.Config{
		Journal:        store,
		Executor:       exec,
		Backups:        backups,
		Logger:         log.Slog(),
		StepTimeout:    stepTimeout,
		SoftDelete:     cfg.Behavior.SoftDelete,
		MetricsEnabled: cfg.Observability.Metrics,
		TracingEnabled: cfg.Observability.Tracing,
	})
	if err != nil {
		backups.Close()
		store.Close()
		guard.Release()
		log.Close()
		return nil, err
	}

	runner, err := batch.New(batch.Config{
		Journal:     store,
		Executor:    exec,
		Backups:     backups,
		Logger:      log.Slog(),
		StepTimeout: stepTimeout,
	})
	if err != nil {
		backups.Close()
		store.Close()
		guard.Release()
		log.Close()
		return nil, err
	}

	rec, err := recovery.New(recovery.Config{
		Journal: store,
		Saga:    coord,
		Batch:   runner,
		Logger:  log.Slog(),
	})
	if err != nil {
		backups.Close()
		store.Close()
		guard.Release()
		log.Close()
		return nil, err
	}

	return &engine{
		cfg:    cfg,
		log:    log,
		guard:  guard,
		store:  store,
		backup: backups,
		exec:   exec,
		saga:   coord,
		batch:  runner,
		rec:    rec,
	}, nil
}

func (e *engine) close() {
	if err := e.backup.Close(); err != nil {
		e.log.Error("close backup store", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.log.Error("close journal", "error", err)
	}
	if err := e.guard.Release(); err != nil {
		e.log.Error("release process lock", "error", err)
	}
	e.log.Close()
}

// settleCrashed runs one recovery pass so transactions a previous crash
// left behind are settled before any new work begins.
func (e *engine) settleCrashed(ctx context.Context) error {
	report, err := e.rec.Recover(ctx)
	if err != nil {
		return err
	}
	if n := len(report.Outcomes); n > 0 {
		fmt.Printf("Settled %d interrupted transactions first.\n", n)
		for _, f := range report.Failed() {
			fmt.Printf("  %s could not be settled: %v\n", f.TxID, f.Err)
		}
	}
	return nil
}

// newSweeper builds a sweeper from the retention config.
func (e *engine) newSweeper() *journal.Sweeper {
	return journal.NewSweeper(e.store, journal.SweeperConfig{
		Retention: time.Duration(e.cfg.Retention.Days) * 24 * time.Hour,
		Interval:  time.Duration(e.cfg.Retention.SweepIntervalMinutes) * time.Minute,
		Logger:    e.log.Slog(),
	})
}

// applyFlagOverrides lets CLI flags win over the yaml config.
func applyFlagOverrides(cfg *config.FilesafeConfig) {
	if journalPath != "" {
		cfg.Storage.JournalPath = journalPath
		if cfg.Storage.BackupDir == config.DefaultConfig().Storage.BackupDir {
			cfg.Storage.BackupDir = filepath.Join(filepath.Dir(journalPath), "backups")
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if metricsListen != "" {
		cfg.Observability.MetricsListen = metricsListen
		cfg.Observability.Metrics = true
	}
	if softDeleteSet {
		cfg.Behavior.SoftDelete = softDelete
	}
}
