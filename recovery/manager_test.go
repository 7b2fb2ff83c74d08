// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/batch"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
	"github.com/AleutianAI/filesafe/journal/sqlite"
	"github.com/AleutianAI/filesafe/saga"
)

type fixture struct {
	manager *Manager
	journal journal.Store
	exec    *fsops.Executor
	backups *backup.Store
	dir     string
}

func newFixture(t *testing.T) *fixture {
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

	coord, err := saga.New(saga.Config{Journal: store, Executor: exec, Backups: backups})
	require.NoError(t, err)
	runner, err := batch.New(batch.Config{Journal: store, Executor: exec, Backups: backups})
	require.NoError(t, err)

	manager, err := New(Config{Journal: store, Saga: coord, Batch: runner})
	require.NoError(t, err)

	return &fixture{
		manager: manager,
		journal: store,
		exec:    exec,
		backups: backups,
		dir:     t.TempDir(),
	}
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

func TestRecover_EmptyJournal(t *testing.T) {
	f := newFixture(t)

	report, err := f.manager.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
}

func TestRecover_RollsBackCrashedSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A process moved two files, journaled both, and died before the
	// third operation and before commit.
	a := f.write(t, "a.txt", "alpha")
	b := f.write(t, "b.txt", "beta")
	untouched := f.write(t, "untouched.txt", "still here")

	tx, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	for _, pair := range [][2]string{
		{a, f.path("out/a.txt")},
		{b, f.path("out/b.txt")},
	} {
		moved, err := f.exec.Move(ctx, pair[0], pair[1])
		require.NoError(t, err)
		_, err = f.journal.AppendCompleted(ctx, tx.ID, journal.Operation{
			Type: journal.OpMove, Source: pair[0], Dest: pair[1], FinalDest: moved,
		})
		require.NoError(t, err)
	}

	report, err := f.manager.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "rolled_back", report.Outcomes[0].Action)
	assert.NoError(t, report.Outcomes[0].Err)
	assert.Empty(t, report.Failed())

	// Both moves were undone; the file the crashed transaction never
	// reached is untouched.
	assert.True(t, exists(a))
	assert.True(t, exists(b))
	assert.False(t, exists(f.path("out/a.txt")))
	assert.False(t, exists(f.path("out/b.txt")))
	assert.True(t, exists(untouched))

	got, err := f.journal.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxRolledBack, got.Status)
}

func TestRecover_RestoresDeletedFileFromBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doomed := f.write(t, "doomed.txt", "precious bytes")

	tx, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	entry, err := f.backups.Capture(ctx, tx.ID, 1, doomed)
	require.NoError(t, err)
	require.NoError(t, f.exec.Delete(ctx, doomed))
	_, err = f.journal.AppendCompleted(ctx, tx.ID, journal.Operation{
		Type: journal.OpDelete, Source: doomed, BackupRef: entry.Ref,
	})
	require.NoError(t, err)

	report, err := f.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failed())

	data, err := os.ReadFile(doomed)
	require.NoError(t, err)
	assert.Equal(t, "precious bytes", string(data))
}

func TestRecover_ResumesCrashedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	b := f.write(t, "b.txt", "beta")

	// Plan a batch and simulate a crash after step 1's rename landed but
	// before its completed record.
	runner := f.manager.batch
	txID, err := runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
		{Type: journal.OpMove, Source: b, Dest: f.path("out/b.txt")},
	})
	require.NoError(t, err)

	ops, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkStarted(ctx, ops[0].ID))
	require.NoError(t, os.MkdirAll(f.path("out"), 0755))
	require.NoError(t, os.Rename(a, f.path("out/a.txt")))

	report, err := f.manager.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "resumed", report.Outcomes[0].Action)
	assert.NoError(t, report.Outcomes[0].Err)

	// The batch ran to completion: step 1 skipped, step 2 performed.
	assert.True(t, exists(f.path("out/a.txt")))
	assert.False(t, exists(f.path("out/a_1.txt")))
	assert.True(t, exists(f.path("out/b.txt")))

	got, err := f.journal.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxCommitted, got.Status)
}

func TestRecover_OneStuckTransactionDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Older transaction: a delete whose backup entry is gone, so its
	// rollback cannot succeed.
	stuck, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	_, err = f.journal.AppendCompleted(ctx, stuck.ID, journal.Operation{
		Type: journal.OpDelete, Source: f.path("gone.txt"), BackupRef: "bk/phantom/1",
	})
	require.NoError(t, err)

	// Newer transaction: a recoverable move.
	a := f.write(t, "a.txt", "alpha")
	ok, err := f.journal.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	moved, err := f.exec.Move(ctx, a, f.path("out/a.txt"))
	require.NoError(t, err)
	_, err = f.journal.AppendCompleted(ctx, ok.ID, journal.Operation{
		Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt"), FinalDest: moved,
	})
	require.NoError(t, err)

	report, err := f.manager.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	// Oldest first.
	assert.Equal(t, stuck.ID, report.Outcomes[0].TxID)
	assert.Error(t, report.Outcomes[0].Err)
	assert.Equal(t, ok.ID, report.Outcomes[1].TxID)
	assert.NoError(t, report.Outcomes[1].Err)

	// The stuck transaction stays active for the next pass; the good
	// one settled.
	gotStuck, err := f.journal.GetTransaction(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxActive, gotStuck.Status)
	gotOK, err := f.journal.GetTransaction(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxRolledBack, gotOK.Status)
	assert.True(t, exists(a))
}
