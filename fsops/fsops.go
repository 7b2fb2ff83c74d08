// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsops implements the stateless operation executor: single
// filesystem mutations performed with the strongest atomicity the OS
// offers, verified where it offers none.
//
// The executor knows nothing about transactions. It is a pure function of
// its arguments plus the filesystem; the saga coordinator owns durability
// and rollback on top of it.
package fsops

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AleutianAI/filesafe/retry"
)

// Config configures an Executor.
type Config struct {
	// FS is the filesystem implementation. Default: the real OS filesystem.
	FS FS

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger

	// Retry is applied to transient contention failures (EBUSY, EAGAIN)
	// on rename/unlink. The zero value disables retries.
	Retry retry.Config

	// MaxCollisionAttempts bounds the `name_N.ext` search.
	// Default: 1000.
	MaxCollisionAttempts int

	// VerifyChecksum enables SHA-256 verification of cross-device copies
	// in addition to the size comparison. Default (via DefaultConfig): on.
	VerifyChecksum bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FS:                   NewOSFS(),
		MaxCollisionAttempts: DefaultMaxCollisionAttempts,
		VerifyChecksum:       true,
	}
}

// Executor performs single filesystem mutations.
//
// # Thread Safety
//
// Executor holds no mutable state; all methods are safe for concurrent
// use. Concurrent operations against the same path are the caller's
// problem to serialize.
type Executor struct {
	fs             FS
	logger         *slog.Logger
	retry          retry.Config
	maxCollisions  int
	verifyChecksum bool
}

// NewExecutor creates an executor from the given configuration.
// Zero-value fields fall back to DefaultConfig values.
func NewExecutor(cfg Config) *Executor {
	if cfg.FS == nil {
		cfg.FS = NewOSFS()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxCollisionAttempts <= 0 {
		cfg.MaxCollisionAttempts = DefaultMaxCollisionAttempts
	}
	return &Executor{
		fs:             cfg.FS,
		logger:         cfg.Logger.With("component", "fsops.Executor"),
		retry:          cfg.Retry,
		maxCollisions:  cfg.MaxCollisionAttempts,
		verifyChecksum: cfg.VerifyChecksum,
	}
}

// Stat exposes the underlying filesystem stat for callers that re-validate
// paths (the resumable batch runner).
func (e *Executor) Stat(path string) (os.FileInfo, error) {
	return e.fs.Stat(path)
}

// Move relocates a file, returning the destination actually used after
// collision resolution.
//
// # Description
//
// Ensures the destination's parent directory exists, resolves naming
// collisions deterministically, and attempts an OS-level atomic rename.
// A cross-device rename falls back to copy-verify-delete: the source is
// removed only after the copy proves byte-identical; a failed
// verification removes the partial destination and leaves the source
// untouched.
//
// # Inputs
//
//   - ctx: Context for cancellation/timeout.
//   - source: Path of the existing file.
//   - dest: Requested destination path.
//
// # Outputs
//
//   - string: The destination path actually used.
//   - error: A typed *OpError on failure.
func (e *Executor) Move(ctx context.Context, source, dest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify("move", source, dest, err)
	}

	srcInfo, err := e.fs.Stat(source)
	if err != nil {
		return "", classify("move", source, dest, err)
	}

	if err := e.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", classify("move", source, dest, err)
	}

	final, err := resolveCollision(e.fs, dest, e.maxCollisions)
	if err != nil {
		return "", err
	}

	_, renameErr := retry.Do(ctx, e.retry, IsTransient, func(ctx context.Context, attempt int) error {
		return e.fs.Rename(source, final)
	})
	if renameErr == nil {
		e.logger.Debug("moved file", "source", source, "dest", final)
		return final, nil
	}

	if !errors.Is(renameErr, syscall.EXDEV) {
		return "", classify("move", source, final, renameErr)
	}

	// Different volume: emulate the rename with copy+verify+delete.
	if srcInfo.IsDir() {
		return "", &OpError{Kind: KindCrossDevice, Op: "move", Source: source, Dest: final,
			Err: fmt.Errorf("cross-device move of a directory is not supported")}
	}
	if err := e.copyVerifyDelete(ctx, source, final, srcInfo); err != nil {
		return "", err
	}

	e.logger.Debug("moved file across volumes", "source", source, "dest", final)
	return final, nil
}

// Copy duplicates a file, returning the destination actually used after
// collision resolution. The source is never touched. The destination is
// created with exclusive semantics so a concurrent writer claiming the
// same name loses cleanly instead of being overwritten.
func (e *Executor) Copy(ctx context.Context, source, dest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify("copy", source, dest, err)
	}

	srcInfo, err := e.fs.Stat(source)
	if err != nil {
		return "", classify("copy", source, dest, err)
	}
	if srcInfo.IsDir() {
		return "", &OpError{Kind: KindUnknown, Op: "copy", Source: source, Dest: dest,
			Err: fmt.Errorf("copy of a directory is not supported")}
	}

	if err := e.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", classify("copy", source, dest, err)
	}

	dstF, final, err := e.createExclusive(dest, srcInfo.Mode().Perm())
	if err != nil {
		return "", classify("copy", source, dest, err)
	}

	srcF, err := e.fs.Open(source)
	if err != nil {
		dstF.Close()
		_ = e.fs.Remove(final)
		return "", classify("copy", source, final, err)
	}
	defer srcF.Close()

	if _, err := io.Copy(dstF, srcF); err != nil {
		dstF.Close()
		_ = e.fs.Remove(final)
		return "", classify("copy", source, final, err)
	}
	if err := dstF.Sync(); err != nil {
		dstF.Close()
		_ = e.fs.Remove(final)
		return "", classify("copy", source, final, err)
	}
	if err := dstF.Close(); err != nil {
		_ = e.fs.Remove(final)
		return "", classify("copy", source, final, err)
	}

	e.logger.Debug("copied file", "source", source, "dest", final)
	return final, nil
}

// CreateOrReplace atomically replaces the file at dest with the given
// bytes. The data is written to a sibling temp file, synced, and renamed
// over the destination, so no reader ever observes a truncated file.
func (e *Executor) CreateOrReplace(ctx context.Context, dest string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return classify("create_or_replace", "", dest, err)
	}

	dir := filepath.Dir(dest)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return classify("create_or_replace", "", dest, err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(dest), time.Now().UnixNano()))
	f, err := e.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return classify("create_or_replace", "", dest, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = e.fs.Remove(tmp)
		return classify("create_or_replace", "", dest, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = e.fs.Remove(tmp)
		return classify("create_or_replace", "", dest, err)
	}
	if err := f.Close(); err != nil {
		_ = e.fs.Remove(tmp)
		return classify("create_or_replace", "", dest, err)
	}

	if err := e.fs.Rename(tmp, dest); err != nil {
		_ = e.fs.Remove(tmp)
		return classify("create_or_replace", "", dest, err)
	}

	e.logger.Debug("replaced file atomically", "dest", dest, "bytes", len(data))
	return nil
}

// Delete unlinks a file. Capturing a backup first, when the deletion must
// be reversible, is the saga layer's responsibility.
func (e *Executor) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return classify("delete", path, "", err)
	}

	_, err := retry.Do(ctx, e.retry, IsTransient, func(ctx context.Context, attempt int) error {
		return e.fs.Remove(path)
	})
	if err != nil {
		return classify("delete", path, "", err)
	}

	e.logger.Debug("deleted file", "path", path)
	return nil
}

// createExclusive opens a new file with O_EXCL, re-resolving the name if a
// concurrent writer claimed it between the existence check and the open.
func (e *Executor) createExclusive(dest string, perm os.FileMode) (File, string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		final, err := resolveCollision(e.fs, dest, e.maxCollisions)
		if err != nil {
			return nil, "", err
		}
		f, err := e.fs.OpenFile(final, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return f, final, nil
		}
		lastErr = err
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
		// Lost the race for this name; resolve again.
	}
	return nil, "", lastErr
}

// copyVerifyDelete emulates a cross-device rename.
//
// The source is hashed while its bytes stream to the destination; after a
// sync the destination is re-read and compared by size and checksum. Only
// a verified copy deletes the source. Any failure removes the partial
// destination and leaves the source in place.
func (e *Executor) copyVerifyDelete(ctx context.Context, source, dest string, srcInfo os.FileInfo) error {
	srcF, err := e.fs.Open(source)
	if err != nil {
		return classify("move", source, dest, err)
	}
	defer srcF.Close()

	dstF, err := e.fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, srcInfo.Mode().Perm())
	if err != nil {
		return classify("move", source, dest, err)
	}

	srcHash := sha256.New()
	written, err := io.Copy(io.MultiWriter(dstF, srcHash), srcF)
	if err != nil {
		dstF.Close()
		_ = e.fs.Remove(dest)
		return classify("move", source, dest, err)
	}
	if err := dstF.Sync(); err != nil {
		dstF.Close()
		_ = e.fs.Remove(dest)
		return classify("move", source, dest, err)
	}
	if err := dstF.Close(); err != nil {
		_ = e.fs.Remove(dest)
		return classify("move", source, dest, err)
	}

	// Verify size against the source as it exists now.
	freshInfo, err := e.fs.Stat(source)
	if err != nil {
		_ = e.fs.Remove(dest)
		return classify("move", source, dest, err)
	}
	dstInfo, err := e.fs.Stat(dest)
	if err != nil {
		_ = e.fs.Remove(dest)
		return classify("move", source, dest, err)
	}
	if dstInfo.Size() != freshInfo.Size() || written != freshInfo.Size() {
		_ = e.fs.Remove(dest)
		return &OpError{Kind: KindSizeMismatch, Op: "move", Source: source, Dest: dest,
			Err: fmt.Errorf("copied %d bytes, destination %d, source %d",
				written, dstInfo.Size(), freshInfo.Size())}
	}

	if e.verifyChecksum {
		ok, err := e.checksumMatches(dest, srcHash.Sum(nil))
		if err != nil {
			_ = e.fs.Remove(dest)
			return classify("move", source, dest, err)
		}
		if !ok {
			_ = e.fs.Remove(dest)
			return &OpError{Kind: KindSizeMismatch, Op: "move", Source: source, Dest: dest,
				Err: fmt.Errorf("checksum mismatch after cross-device copy")}
		}
	}

	// The copy is proven identical; only now may the source go.
	if err := e.fs.Remove(source); err != nil {
		return classify("move", source, dest, err)
	}
	return nil
}

// checksumMatches re-reads a file and compares its SHA-256 to want.
func (e *Executor) checksumMatches(path string, want []byte) (bool, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return bytes.Equal(h.Sum(nil), want), nil
}
