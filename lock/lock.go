// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock guards the journal directory against concurrent engine
// processes.
//
// Two processes recovering the same journal would compensate the same
// operations twice; an exclusive advisory lock on a pid file next to
// the journal makes the second process fail fast instead.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrLocked is returned when another live process holds the guard.
var ErrLocked = errors.New("lock: journal is in use by another process")

// FileLocker abstracts platform-specific file locking.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
// Locking the same file from multiple goroutines is undefined behavior.
type FileLocker interface {
	// Lock acquires an exclusive, non-blocking lock on the file.
	// Returns ErrLocked when another process holds it.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID is still
// running. Used for stale lock diagnostics.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// Guard holds the single-instance lock for a journal directory.
//
// # Thread Safety
//
// Acquire and Release are safe to call from multiple goroutines.
type Guard struct {
	path   string
	locker FileLocker

	mu   sync.Mutex
	file *os.File
}

// NewGuard creates a guard over the lock file at <dir>/filesafe.pid.
func NewGuard(dir string) *Guard {
	return &Guard{
		path:   filepath.Join(dir, "filesafe.pid"),
		locker: newPlatformLocker(),
	}
}

// Acquire takes the exclusive lock and writes this process's PID into
// the lock file.
//
// The PID is advisory, for diagnostics: the lock itself comes from the
// OS and vanishes with the process, so a stale pid file from a crashed
// process never blocks acquisition.
func (g *Guard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(g.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := g.locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			if pid, ok := g.holderPID(); ok && IsProcessAlive(pid) {
				return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return ErrLocked
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
		_ = f.Sync()
	}

	g.file = f
	return nil
}

// Release drops the lock. Safe to call when not held.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return nil
	}

	unlockErr := g.locker.Unlock(g.file)
	closeErr := g.file.Close()
	g.file = nil

	// The pid file itself stays; its contents are meaningless without
	// the OS lock.
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// holderPID reads the PID recorded in the lock file.
func (g *Guard) holderPID() (int, bool) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
