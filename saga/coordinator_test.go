// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package saga

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
	"github.com/AleutianAI/filesafe/journal/sqlite"
)

type fixture struct {
	coord   *Coordinator
	journal journal.Store
	backups *backup.Store
	dir     string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := fsops.NewExecutor(fsops.DefaultConfig())
	backups, err := backup.Open(backup.Config{
		Dir:      filepath.Join(t.TempDir(), "backups"),
		InMemory: true,
		Executor: exec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { backups.Close() })

	cfg := Config{
		Journal:  store,
		Executor: exec,
		Backups:  backups,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	coord, err := New(cfg)
	require.NoError(t, err)

	return &fixture{coord: coord, journal: store, backups: backups, dir: t.TempDir()}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestExecute_CommitsAllOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.write(t, "inbox/a.txt", "alpha")
	b := f.write(t, "inbox/b.txt", "beta")
	c := f.write(t, "inbox/c.txt", "gamma")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpMove, Source: a, Dest: f.path("sorted/a.txt")},
		{Type: journal.OpCopy, Source: b, Dest: f.path("sorted/b.txt")},
		{Type: journal.OpDelete, Source: c},
	})
	require.NoError(t, err)
	assert.True(t, result.Committed())
	assert.Equal(t, journal.TxCommitted, result.Status)

	assert.False(t, exists(a))
	assert.True(t, exists(f.path("sorted/a.txt")))
	assert.True(t, exists(b))
	assert.True(t, exists(f.path("sorted/b.txt")))
	assert.False(t, exists(c))

	// Journal reflects the commit.
	tx, err := f.journal.GetTransaction(ctx, result.TxID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxCommitted, tx.Status)
	ops, err := f.journal.GetOperations(ctx, result.TxID)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for _, op := range ops {
		assert.Equal(t, journal.OpCompleted, op.Status)
	}

	// Backups are released on commit.
	entries, err := f.backups.List(ctx, result.TxID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_FailureRollsBackInReverseOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	b := f.write(t, "b.txt", "beta")

	rec := &rollbackRecorder{Store: f.journal}
	f.coord.journal = rec

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
		{Type: journal.OpMove, Source: b, Dest: f.path("out/b.txt")},
		{Type: journal.OpMove, Source: f.path("missing.txt"), Dest: f.path("out/c.txt")},
	})
	require.Error(t, err)
	assert.Equal(t, fsops.KindNotFound, fsops.KindOf(err))
	assert.Equal(t, journal.TxRolledBack, result.Status)
	assert.Empty(t, result.RollbackErrs)

	// Both completed moves were undone.
	assert.True(t, exists(a))
	assert.True(t, exists(b))
	assert.False(t, exists(f.path("out/a.txt")))
	assert.False(t, exists(f.path("out/b.txt")))

	// Compensation ran last-completed first.
	ops, err := f.journal.GetOperations(ctx, result.TxID)
	require.NoError(t, err)
	seqByID := make(map[string]int)
	for _, op := range ops {
		seqByID[op.ID] = op.Seq
	}
	require.Len(t, rec.rolledBack, 2)
	assert.Equal(t, 2, seqByID[rec.rolledBack[0]])
	assert.Equal(t, 1, seqByID[rec.rolledBack[1]])
}

func TestExecute_HardDeleteUnrecoverableOnRollback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	doomed := f.write(t, "doomed.txt", "precious")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpDelete, Source: doomed},
		{Type: journal.OpMove, Source: f.path("missing.txt"), Dest: f.path("x.txt")},
	})
	require.Error(t, err)
	assert.Equal(t, journal.TxRolledBack, result.Status)

	// The file does not come back; the loss is reported instead.
	assert.False(t, exists(doomed))
	require.Len(t, result.RollbackErrs, 1)
	assert.ErrorIs(t, result.RollbackErrs[0], ErrCannotRestoreDelete)
	assert.Contains(t, result.RollbackErrs[0].Error(), "cannot restore deleted file")

	// The unrestorable step is still settled, not left for recovery
	// to retry.
	tx, err := f.journal.GetTransaction(ctx, result.TxID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxRolledBack, tx.Status)
	assert.NotEmpty(t, tx.ErrorMessage)
	ops, err := f.journal.GetOperations(ctx, result.TxID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, journal.OpRolledBack, ops[0].Status)
}

func TestExecute_SoftDeleteRestoredOnRollback(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SoftDelete = true })
	ctx := context.Background()

	doomed := f.write(t, "doomed.txt", "precious")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpDelete, Source: doomed},
		{Type: journal.OpMove, Source: f.path("missing.txt"), Dest: f.path("x.txt")},
	})
	require.Error(t, err)
	assert.Equal(t, journal.TxRolledBack, result.Status)
	assert.Empty(t, result.RollbackErrs)

	data, err := os.ReadFile(doomed)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(data))
}

func TestExecute_TransactionTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.BatchTimeout = time.Nanosecond })
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	b := f.write(t, "b.txt", "beta")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
		{Type: journal.OpMove, Source: b, Dest: f.path("out/b.txt")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, journal.TxRolledBack, result.Status)

	// Whatever completed before the deadline was undone.
	assert.True(t, exists(a))
	assert.True(t, exists(b))
	assert.False(t, exists(f.path("out/a.txt")))
	assert.False(t, exists(f.path("out/b.txt")))
}

func TestExecute_CreateOverwriteRestoresPreImage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	target := f.write(t, "config.json", "old config")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpCreate, Dest: target, Data: []byte("new config")},
		{Type: journal.OpDelete, Source: f.path("missing.txt")},
	})
	require.Error(t, err)
	assert.Equal(t, journal.TxRolledBack, result.Status)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old config", string(data))
}

func TestExecute_CreateNewDeletedOnRollback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpCreate, Dest: f.path("fresh.txt"), Data: []byte("data")},
		{Type: journal.OpDelete, Source: f.path("missing.txt")},
	})
	require.Error(t, err)
	assert.Equal(t, journal.TxRolledBack, result.Status)
	assert.False(t, exists(f.path("fresh.txt")))
}

func TestExecute_SoftDelete(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SoftDelete = true })
	ctx := context.Background()

	victim := f.write(t, "victim.txt", "bytes")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpDelete, Source: victim},
	})
	require.NoError(t, err)
	assert.True(t, result.Committed())
	assert.False(t, exists(victim))
}

func TestExecute_CollisionResolvedDestInResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	src := f.write(t, "inbox/report.pdf", "new")
	f.write(t, "docs/report.pdf", "existing")
	f.write(t, "docs/report_1.pdf", "existing too")

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpMove, Source: src, Dest: f.path("docs/report.pdf")},
	})
	require.NoError(t, err)
	assert.Equal(t, f.path("docs/report_2.pdf"), result.Steps[0].FinalDest)
}

func TestExecute_EmptyTransaction(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.coord.Execute(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrEmptyTransaction))
}

func TestExecute_JournalWriteFailureKeepsMutation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	b := f.write(t, "b.txt", "beta")

	failing := &failingJournal{Store: f.journal, failOnAppend: 2}
	f.coord.journal = failing

	result, err := f.coord.Execute(ctx, []OperationRequest{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
		{Type: journal.OpMove, Source: b, Dest: f.path("out/b.txt")},
	})
	require.Error(t, err)
	assert.Equal(t, fsops.KindJournalWrite, fsops.KindOf(err))
	assert.True(t, result.Orphaned)

	// The first move was journaled and rolled back.
	assert.True(t, exists(a))
	assert.False(t, exists(f.path("out/a.txt")))

	// The second move succeeded on disk but could not be recorded; it
	// stays where it landed.
	assert.False(t, exists(b))
	assert.True(t, exists(f.path("out/b.txt")))
}

func TestRollbackTransaction_FromJournalOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	doomed := f.write(t, "doomed.txt", "bytes")

	// Simulate a crash: journal completed work by hand, as if the
	// process died before commit.
	tx, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)

	moved, err := f.coord.exec.Move(ctx, a, f.path("out/a.txt"))
	require.NoError(t, err)
	_, err = f.journal.AppendCompleted(ctx, tx.ID, journal.Operation{
		Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt"), FinalDest: moved,
	})
	require.NoError(t, err)

	entry, err := f.backups.Capture(ctx, tx.ID, 2, doomed)
	require.NoError(t, err)
	require.NoError(t, f.coord.exec.Delete(ctx, doomed))
	_, err = f.journal.AppendCompleted(ctx, tx.ID, journal.Operation{
		Type: journal.OpDelete, Source: doomed, BackupRef: entry.Ref,
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.RollbackTransaction(ctx, tx.ID, "crash_recovery"))

	assert.True(t, exists(a))
	assert.False(t, exists(f.path("out/a.txt")))
	data, err := os.ReadFile(doomed)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))

	got, err := f.journal.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxRolledBack, got.Status)
}

func TestRollbackTransaction_HardDeleteSettles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A hard delete journaled without a pre-image. Rollback can only
	// note the loss; it must not leave the transaction active forever.
	doomed := f.write(t, "doomed.txt", "bytes")
	tx, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	require.NoError(t, f.coord.exec.Delete(ctx, doomed))
	_, err = f.journal.AppendCompleted(ctx, tx.ID, journal.Operation{
		Type: journal.OpDelete, Source: doomed,
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.RollbackTransaction(ctx, tx.ID, "crash_recovery"))

	assert.False(t, exists(doomed))
	got, err := f.journal.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxRolledBack, got.Status)
}

func TestRollbackTransaction_TerminalIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tx, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	require.NoError(t, f.journal.SetTransactionStatus(ctx, tx.ID, journal.TxCommitted, ""))

	assert.NoError(t, f.coord.RollbackTransaction(ctx, tx.ID, "crash_recovery"))
	got, err := f.journal.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxCommitted, got.Status)
}

// rollbackRecorder captures the order operations are marked rolled back.
type rollbackRecorder struct {
	journal.Store
	mu         sync.Mutex
	rolledBack []string
}

func (r *rollbackRecorder) MarkRolledBack(ctx context.Context, opID string) error {
	r.mu.Lock()
	r.rolledBack = append(r.rolledBack, opID)
	r.mu.Unlock()
	return r.Store.MarkRolledBack(ctx, opID)
}

// failingJournal fails the Nth AppendCompleted call.
type failingJournal struct {
	journal.Store
	mu           sync.Mutex
	appendCalls  int
	failOnAppend int
}

func (j *failingJournal) AppendCompleted(ctx context.Context, txID string, op journal.Operation) (*journal.Operation, error) {
	j.mu.Lock()
	j.appendCalls++
	n := j.appendCalls
	j.mu.Unlock()
	if n == j.failOnAppend {
		return nil, errors.New("simulated journal write failure")
	}
	return j.Store.AppendCompleted(ctx, txID, op)
}
