// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"os"
)

// windowsFileLocker implements FileLocker for Windows.
//
// TODO: implement via golang.org/x/sys/windows LockFileEx with
// LOCKFILE_EXCLUSIVE_LOCK|LOCKFILE_FAIL_IMMEDIATELY. Currently a no-op,
// so concurrent-instance protection only holds on Unix.
type windowsFileLocker struct{}

func (l *windowsFileLocker) Lock(f *os.File) error {
	return nil
}

func (l *windowsFileLocker) Unlock(f *os.File) error {
	return nil
}

// isProcessAlive reports false pending a real OpenProcess check.
func isProcessAlive(pid int) bool {
	return false
}

// newPlatformLocker returns a Windows-specific file locker.
func newPlatformLocker() FileLocker {
	return &windowsFileLocker{}
}
