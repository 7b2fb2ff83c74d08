// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long terminal transactions stay in the
	// journal before the sweeper removes them.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = time.Hour
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Retention is the age past which terminal transactions are deleted.
	// Default: 7 days.
	Retention time.Duration

	// Interval between sweeps. Default: 1 hour.
	Interval time.Duration

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// Sweeper periodically removes old terminal transactions from a Store.
//
// # Thread Safety
//
// Start and Stop are safe to call from multiple goroutines; Stop blocks
// until the sweep loop has exited.
type Sweeper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper over the given store. Zero-value config
// fields fall back to defaults.
func NewSweeper(store Store, cfg SweeperConfig) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "journal.Sweeper"),
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.logger.Info("journal sweeper started",
		"retention", s.retention, "interval", s.interval)
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("journal sweeper stopped")
}

// SweepOnce runs a single sweep immediately, returning the number of
// transactions removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("swept old transactions", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("journal sweep failed", "error", err)
			}
		}
	}
}
