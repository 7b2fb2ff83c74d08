// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind classifies an operation failure.
//
// The saga coordinator treats every kind identically (stop the batch, roll
// back); callers inspect the kind to decide retry policy. KindJournalWrite
// is special: the filesystem mutation succeeded but recording it did not.
type Kind int

const (
	// KindUnknown is an I/O failure that fits no other kind.
	KindUnknown Kind = iota

	// KindNotFound means the source path does not exist.
	KindNotFound

	// KindPermission means the OS denied access.
	KindPermission

	// KindCrossDevice means a rename crossed volume boundaries (EXDEV).
	// The executor handles this internally; it surfaces only when the
	// copy fallback itself fails.
	KindCrossDevice

	// KindNameCollision means no free destination name could be found
	// within the bounded number of attempts.
	KindNameCollision

	// KindDiskFull means the destination volume is out of space (ENOSPC).
	KindDiskFull

	// KindSizeMismatch means a cross-device copy did not verify against
	// the source. The source is untouched; the partial copy was removed.
	KindSizeMismatch

	// KindTimeout means the operation's context deadline expired.
	KindTimeout

	// KindJournalWrite means the mutation succeeded but the journal write
	// recording it failed. The mutation is NOT undone; operator attention
	// is required because recovery correctness depends on the journal.
	KindJournalWrite
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission_denied"
	case KindCrossDevice:
		return "cross_device"
	case KindNameCollision:
		return "name_collision"
	case KindDiskFull:
		return "disk_full"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindTimeout:
		return "timeout"
	case KindJournalWrite:
		return "journal_write_failure"
	default:
		return "unknown"
	}
}

// OpError is the typed failure surfaced by every executor primitive.
type OpError struct {
	Kind   Kind
	Op     string // "move", "copy", "create_or_replace", "delete"
	Source string
	Dest   string
	Err    error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Dest != "" {
		return fmt.Sprintf("fsops %s %s -> %s: %s: %v", e.Op, e.Source, e.Dest, e.Kind, e.Err)
	}
	return fmt.Sprintf("fsops %s %s: %s: %v", e.Op, e.Source, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OpError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain.
// Returns KindUnknown for nil or untyped errors.
func KindOf(err error) Kind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}

// classify wraps a raw I/O error into an OpError with the matching kind.
func classify(op, source, dest string, err error) *OpError {
	return &OpError{
		Kind:   kindFor(err),
		Op:     op,
		Source: source,
		Dest:   dest,
		Err:    err,
	}
}

// kindFor maps OS-level errors onto the failure taxonomy.
func kindFor(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermission
	case errors.Is(err, fs.ErrExist):
		return KindNameCollision
	case errors.Is(err, syscall.EXDEV):
		return KindCrossDevice
	case errors.Is(err, syscall.ENOSPC):
		return KindDiskFull
	default:
		return KindUnknown
	}
}

// IsTransient reports whether the failure is a transient contention error
// worth retrying with backoff (the file temporarily busy or locked by
// another process). Hard failures like disk-full or not-found are not.
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EINTR)
}
