// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup stores pre-images of files about to be destroyed, so a
// rollback can restore them byte-for-byte.
//
// Entries live in an embedded BadgerDB index keyed `bk/<txID>/<seq>`,
// with the file bytes themselves in a per-transaction scratch directory
// next to the database. Backups are transaction-scoped working state,
// not journal records: a committed transaction purges its entries.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/filesafe/fsops"
)

// ErrNotFound is returned when a backup entry does not exist.
var ErrNotFound = errors.New("backup: not found")

// Config holds configuration for a backup Store.
type Config struct {
	// Dir is the root directory for the store. The Badger index lives
	// under <Dir>/index, captured file bytes under <Dir>/files.
	// Required unless InMemory is true.
	Dir string

	// InMemory keeps the index in memory. File bytes still need Dir.
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous index writes for durability.
	// Default: true for production.
	SyncWrites bool

	// Logger for structured logging. If nil, Badger's internal logging
	// is disabled and the store uses slog.Default().
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64

	// Executor performs the file copies and moves. Required.
	Executor *fsops.Executor
}

// DefaultConfig returns production defaults rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Entry describes one captured pre-image.
type Entry struct {
	// Ref is the entry's key, `bk/<txID>/<seq>`. Journaled alongside the
	// operation that produced it.
	Ref string `json:"ref"`

	TxID string `json:"tx_id"`
	Seq  int    `json:"seq"`

	// OriginalPath is where the file lived before capture, and where
	// Restore puts it back.
	OriginalPath string `json:"original_path"`

	// StoredPath is the scratch location holding the bytes.
	StoredPath string `json:"stored_path"`

	Size int64 `json:"size"`

	// Trashed is true when the original was moved here rather than
	// copied, i.e. the capture itself removed the original.
	Trashed bool `json:"trashed"`

	CapturedAt time.Time `json:"captured_at"`
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store holds pre-images for in-flight transactions.
//
// # Thread Safety
//
// All methods are safe for concurrent use; Badger transactions isolate
// index writes and file bytes are written under unique per-entry names.
type Store struct {
	db       *badger.DB
	filesDir string
	exec     *fsops.Executor
	logger   *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open creates or opens a backup store with the given configuration.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup: dir is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("backup: executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	filesDir := filepath.Join(cfg.Dir, "files")
	if err := os.MkdirAll(filesDir, 0750); err != nil {
		return nil, fmt.Errorf("create backup files directory: %w", err)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		indexDir := filepath.Join(cfg.Dir, "index")
		if err := os.MkdirAll(indexDir, 0750); err != nil {
			return nil, fmt.Errorf("create backup index directory: %w", err)
		}
		opts = badger.DefaultOptions(indexDir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open backup index: %w", err)
	}

	s := &Store{
		db:       db,
		filesDir: filesDir,
		exec:     cfg.Executor,
		logger:   logger.With("component", "backup.Store"),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, ratio)
	}

	return s, nil
}

// Close stops background GC and closes the index.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// Capture copies the file at path into the scratch area and records an
// entry for it. The original is left in place; the caller destroys it
// afterwards (delete, overwrite).
func (s *Store) Capture(ctx context.Context, txID string, seq int, path string) (*Entry, error) {
	return s.capture(ctx, txID, seq, path, false)
}

// Trash moves the file at path into the scratch area and records an
// entry for it. The capture itself removes the original; this is the
// soft-delete path, where "delete" means "park in the trash until the
// transaction commits".
func (s *Store) Trash(ctx context.Context, txID string, seq int, path string) (*Entry, error) {
	return s.capture(ctx, txID, seq, path, true)
}

func (s *Store) capture(ctx context.Context, txID string, seq int, path string, trash bool) (*Entry, error) {
	scratch := filepath.Join(s.filesDir, txID)
	stored := filepath.Join(scratch, fmt.Sprintf("%d_%s", seq, filepath.Base(path)))

	var (
		final string
		err   error
	)
	if trash {
		final, err = s.exec.Move(ctx, path, stored)
	} else {
		final, err = s.exec.Copy(ctx, path, stored)
	}
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", path, err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", path, err)
	}

	entry := &Entry{
		Ref:          fmt.Sprintf("bk/%s/%d", txID, seq),
		TxID:         txID,
		Seq:          seq,
		OriginalPath: path,
		StoredPath:   final,
		Size:         info.Size(),
		Trashed:      trash,
		CapturedAt:   time.Now().UTC(),
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode backup entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entry.Ref), value)
	})
	if err != nil {
		// The index write failed; the scratch copy is unreferenced.
		// Remove it unless it holds the only copy of the bytes.
		if !trash {
			_ = os.Remove(final)
		}
		return nil, fmt.Errorf("index backup entry: %w", err)
	}

	s.logger.Debug("captured pre-image",
		"ref", entry.Ref, "path", path, "bytes", entry.Size, "trashed", trash)
	return entry, nil
}

// Get fetches an entry by ref.
func (s *Store) Get(ctx context.Context, ref string) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns a transaction's entries in key order.
func (s *Store) List(ctx context.Context, txID string) ([]Entry, error) {
	prefix := []byte("bk/" + txID + "/")
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list backups for %s: %w", txID, err)
	}
	return out, nil
}

// Restore puts an entry's bytes back at its original path, replacing
// whatever is there now. The entry stays in the index until the
// transaction is purged, so a crash mid-rollback can restore again.
func (s *Store) Restore(ctx context.Context, ref string) error {
	entry, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := replaceWith(entry.StoredPath, entry.OriginalPath); err != nil {
		return fmt.Errorf("restore %s: %w", entry.OriginalPath, err)
	}
	s.logger.Info("restored pre-image", "ref", ref, "path", entry.OriginalPath)
	return nil
}

// PurgeTransaction drops a transaction's entries and scratch files. Safe
// to call for transactions with no backups.
func (s *Store) PurgeTransaction(ctx context.Context, txID string) error {
	entries, err := s.List(ctx, txID)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			if err := txn.Delete([]byte(entry.Ref)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge backup index for %s: %w", txID, err)
	}

	scratch := filepath.Join(s.filesDir, txID)
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("purge backup files for %s: %w", txID, err)
	}
	if len(entries) > 0 {
		s.logger.Debug("purged backups", "tx_id", txID, "entries", len(entries))
	}
	return nil
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// worth collecting; that is not an error.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("backup index GC failed", "error", err)
			}
		}
	}
}

// replaceWith copies src over dest atomically: the bytes stream to a
// temp sibling of dest, get synced, and rename into place. Unlike a
// plain move this overwrites dest, which is exactly what restoring a
// pre-image needs.
func replaceWith(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(dest),
		fmt.Sprintf(".%s.restore-%d", filepath.Base(dest), time.Now().UnixNano()))
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
