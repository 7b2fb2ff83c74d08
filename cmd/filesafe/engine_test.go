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
	"github.com/AleutianAI/filesafe/recovery"
	"github.com/AleutianAI/filesafe/saga"
)

// newTestEngine wires the component stack directly, skipping config
// loading and the process lock.
func newTestEngine(t *testing.T) *engine {
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
	rec, err := recovery.New(recovery.Config{Journal: store, Saga: coord, Batch: runner})
	require.NoError(t, err)

	return &engine{store: store, backup: backups, exec: exec, saga: coord, batch: runner, rec: rec}
}

func TestSettleCrashed_RollsBackCrashedSagaBeforeNewWork(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	src := filepath.Join(dir, "report.pdf")
	dest := filepath.Join(dir, "sorted", "report.pdf")
	require.NoError(t, os.WriteFile(src, []byte("bytes"), 0644))

	// A move journaled by a process that died before settling.
	tx, err := eng.store.Begin(ctx, journal.ModeSaga)
	require.NoError(t, err)
	final, err := eng.exec.Move(ctx, src, dest)
	require.NoError(t, err)
	_, err = eng.store.AppendCompleted(ctx, tx.ID, journal.Operation{
		Type: journal.OpMove, Source: src, Dest: dest, FinalDest: final,
	})
	require.NoError(t, err)

	require.NoError(t, eng.settleCrashed(ctx))

	// The leftovers are settled before any new transaction runs.
	_, err = os.Stat(src)
	assert.NoError(t, err)
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	got, err := eng.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxRolledBack, got.Status)
}

func TestSettleCrashed_CleanJournalIsNoop(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.settleCrashed(context.Background()))
}
