// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch observes drop directories for new and changed files and
// delivers debounced batches to a handler, typically one that plans a
// transaction over the arrivals.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/filesafe/retry"
)

// Change represents one observed file system change.
type Change struct {
	// Path is the path of the changed file.
	Path string

	// Op is the fsnotify operation.
	Op fsnotify.Op

	// Time is when the change was observed.
	Time time.Time
}

// Handler is called with each debounced batch of changes. It runs on
// the watcher's goroutine; slow handlers delay later batches rather
// than dropping them.
type Handler func(changes []Change)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait for more changes before delivering a
	// batch. Default: 500ms; downloads and copies arrive in bursts.
	Debounce time.Duration

	// IgnorePatterns are glob patterns matched against base names.
	// Default: partial-download and editor droppings.
	IgnorePatterns []string

	// BufferSize is the pending-change channel capacity. Default: 1000.
	BufferSize int

	// Restart controls reopening the OS watcher after a failure.
	// Default: retry.DefaultConfig().
	Restart retry.Config

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:       500 * time.Millisecond,
		IgnorePatterns: []string{"*.tmp", "*.part", "*.crdownload", "*.swp", ".DS_Store"},
		BufferSize:     1000,
		Restart:        retry.DefaultConfig(),
	}
}

// Watcher watches a set of directories with debouncing.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single
// goroutine.
type Watcher struct {
	dirs    []string
	handler Handler
	opts    Options
	logger  *slog.Logger

	changes  chan Change
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	fsw      *fsnotify.Watcher
	watching bool
}

// New creates a watcher over the given directories. Each directory must
// exist when Start is called.
func New(dirs []string, handler Handler, opts *Options) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("watch: no directories given")
	}
	if handler == nil {
		return nil, fmt.Errorf("watch: handler is required")
	}

	o := DefaultOptions()
	if opts != nil {
		if opts.Debounce > 0 {
			o.Debounce = opts.Debounce
		}
		if opts.IgnorePatterns != nil {
			o.IgnorePatterns = opts.IgnorePatterns
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
		if opts.Restart.MaxAttempts > 0 {
			o.Restart = opts.Restart
		}
		if opts.Logger != nil {
			o.Logger = opts.Logger
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return &Watcher{
		dirs:    dirs,
		handler: handler,
		opts:    o,
		logger:  o.Logger.With("component", "watch.Watcher"),
		changes: make(chan Change, o.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Spawns the event processor and the debouncer;
// both exit when Stop is called or the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}

	fsw, err := w.openWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.watching = true
	w.mu.Unlock()

	go w.processEvents(ctx, fsw)
	go w.debounceLoop(ctx)

	w.logger.Info("watching directories", "dirs", w.dirs, "debounce", w.opts.Debounce)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *Watcher) openWatcher() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range w.dirs {
		info, err := os.Stat(dir)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		if !info.IsDir() {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: not a directory", dir)
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return fsw, nil
}

// processEvents forwards fsnotify events into the change channel and
// restarts the OS watcher if it fails.
func (w *Watcher) processEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				fsw = w.restart(ctx)
				if fsw == nil {
					return
				}
				continue
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			change := Change{Path: event.Name, Op: event.Op, Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				// Buffer full; the debouncer is badly behind. Dropping
				// is preferable to blocking the kernel queue.
				w.logger.Warn("change buffer full, dropping event", "path", event.Name)
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				fsw = w.restart(ctx)
				if fsw == nil {
					return
				}
				continue
			}
			w.logger.Warn("watcher error", "error", watchErr)
		}
	}
}

// restart reopens the OS watcher with bounded backoff. Returns nil when
// the watcher is stopping or every attempt failed.
func (w *Watcher) restart(ctx context.Context) *fsnotify.Watcher {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return nil
	default:
	}

	var fsw *fsnotify.Watcher
	result, err := retry.Do(ctx, w.opts.Restart, nil, func(ctx context.Context, attempt int) error {
		var openErr error
		fsw, openErr = w.openWatcher()
		if openErr != nil {
			w.logger.Warn("watcher restart failed", "attempt", attempt, "error", openErr)
		}
		return openErr
	})
	if err != nil {
		w.logger.Error("could not restart watcher, giving up",
			"attempts", result.Attempts, "error", err)
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return nil
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	w.logger.Info("watcher restarted", "attempts", result.Attempts)
	return fsw
}

// debounceLoop batches changes and invokes the handler when the window
// closes.
func (w *Watcher) debounceLoop(ctx context.Context) {
	var pending []Change
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case change := <-w.changes:
			pending = append(pending, change)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.opts.Debounce)
			fire = timer.C

		case <-fire:
			if len(pending) > 0 {
				batch := pending
				pending = nil
				w.handler(batch)
			}
			fire = nil
		}
	}
}

// shouldIgnore checks a path's base name against the ignore patterns.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
