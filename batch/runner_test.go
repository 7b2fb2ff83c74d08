// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filesafe/backup"
	"github.com/AleutianAI/filesafe/fsops"
	"github.com/AleutianAI/filesafe/journal"
	"github.com/AleutianAI/filesafe/journal/sqlite"
)

type fixture struct {
	runner  *Runner
	journal journal.Store
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

	runner, err := New(Config{Journal: store, Executor: exec, Backups: backups})
	require.NoError(t, err)

	return &fixture{runner: runner, journal: store, dir: t.TempDir()}
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

func TestPlanAndRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "inbox/a.txt", "alpha")
	b := f.write(t, "inbox/b.txt", "beta")
	c := f.write(t, "inbox/c.txt", "gamma")

	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: a, Dest: f.path("sorted/a.txt")},
		{Type: journal.OpCopy, Source: b, Dest: f.path("sorted/b.txt")},
		{Type: journal.OpDelete, Source: c},
	})
	require.NoError(t, err)

	// Planning touches nothing.
	assert.True(t, exists(a))
	assert.True(t, exists(c))

	var progress []Progress
	summary, err := f.runner.Run(ctx, txID, func(p Progress) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.True(t, summary.Done())
	assert.Equal(t, 3, summary.Completed)
	require.Len(t, progress, 3)
	assert.Equal(t, 3, progress[2].Total)

	assert.False(t, exists(a))
	assert.True(t, exists(f.path("sorted/a.txt")))
	assert.True(t, exists(f.path("sorted/b.txt")))
	assert.False(t, exists(c))

	tx, err := f.journal.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxCommitted, tx.Status)
}

func TestPlan_RejectsCreate(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Plan(context.Background(), []journal.StepSpec{
		{Type: journal.OpCreate, Dest: "/tmp/x"},
	})
	assert.True(t, errors.Is(err, ErrUnsupportedStep))
}

func TestPlan_Empty(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Plan(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrEmptyPlan))
}

func TestRun_StopsAtFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	c := f.write(t, "c.txt", "gamma")

	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
		{Type: journal.OpMove, Source: f.path("missing.txt"), Dest: f.path("out/b.txt")},
		{Type: journal.OpMove, Source: c, Dest: f.path("out/c.txt")},
	})
	require.NoError(t, err)

	summary, err := f.runner.Run(ctx, txID, nil)
	require.Error(t, err)
	assert.Equal(t, fsops.KindNotFound, fsops.KindOf(err))
	assert.Equal(t, 1, summary.Completed)
	require.NotNil(t, summary.Failed)
	assert.Equal(t, 2, summary.Failed.Seq)

	// Completed work stays; later steps never ran.
	assert.True(t, exists(f.path("out/a.txt")))
	assert.True(t, exists(c))
	assert.False(t, exists(f.path("out/c.txt")))

	// The transaction stays active with the failure recorded.
	tx, err := f.journal.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, journal.TxActive, tx.Status)
	ops, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, journal.OpError, ops[1].Status)
	assert.NotEmpty(t, ops[1].Error)
	assert.Equal(t, journal.OpPending, ops[2].Status)
}

func TestResume_RetriesFailedStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")

	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: f.path("late.txt"), Dest: f.path("out/late.txt")},
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
	})
	require.NoError(t, err)

	_, err = f.runner.Run(ctx, txID, nil)
	require.Error(t, err)

	// The missing file shows up; resume finishes the batch.
	f.write(t, "late.txt", "better late")

	summary, err := f.runner.Resume(ctx, txID)
	require.NoError(t, err)
	assert.True(t, summary.Done())
	assert.True(t, exists(f.path("out/late.txt")))
	assert.True(t, exists(f.path("out/a.txt")))
}

func TestResume_SkipsStepThatFinishedBeforeCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	b := f.write(t, "b.txt", "beta")

	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
		{Type: journal.OpMove, Source: b, Dest: f.path("out/b.txt")},
	})
	require.NoError(t, err)

	// Simulate a crash after the first move's rename but before its
	// completed record was written: journal says started, disk says done.
	ops, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkStarted(ctx, ops[0].ID))
	require.NoError(t, os.MkdirAll(f.path("out"), 0755))
	require.NoError(t, os.Rename(a, f.path("out/a.txt")))

	summary, err := f.runner.Resume(ctx, txID)
	require.NoError(t, err)
	assert.True(t, summary.Done())
	assert.Equal(t, 1, summary.Skipped)

	// Exactly one copy of the file; the move was not redone.
	assert.True(t, exists(f.path("out/a.txt")))
	assert.False(t, exists(f.path("out/a_1.txt")))
	assert.True(t, exists(f.path("out/b.txt")))

	gotOps, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, journal.OpCompleted, gotOps[0].Status)
	assert.Equal(t, f.path("out/a.txt"), gotOps[0].FinalDest)
}

func TestResume_MoveWithBothPathsMissingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")

	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
	})
	require.NoError(t, err)

	ops, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkStarted(ctx, ops[0].ID))
	require.NoError(t, os.Remove(a))

	_, err = f.runner.Resume(ctx, txID)
	require.Error(t, err)
	assert.Equal(t, fsops.KindNotFound, fsops.KindOf(err))
}

func TestResume_PartialCopyIsRedone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.write(t, "big.bin", "full content here")

	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpCopy, Source: src, Dest: f.path("out/big.bin")},
	})
	require.NoError(t, err)

	// A hard crash mid-copy left a short destination.
	ops, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkStarted(ctx, ops[0].ID))
	f.write(t, "out/big.bin", "full")

	summary, err := f.runner.Resume(ctx, txID)
	require.NoError(t, err)
	assert.True(t, summary.Done())
	assert.Equal(t, 0, summary.Skipped)

	// The redo collision-resolves rather than overwriting.
	gotOps, err := f.journal.GetOperations(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, f.path("out/big_1.bin"), gotOps[0].FinalDest)
	data, err := os.ReadFile(f.path("out/big_1.bin"))
	require.NoError(t, err)
	assert.Equal(t, "full content here", string(data))
}

func TestRun_TerminalTransactionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.txt", "alpha")
	txID, err := f.runner.Plan(ctx, []journal.StepSpec{
		{Type: journal.OpMove, Source: a, Dest: f.path("out/a.txt")},
	})
	require.NoError(t, err)

	_, err = f.runner.Run(ctx, txID, nil)
	require.NoError(t, err)

	_, err = f.runner.Run(ctx, txID, nil)
	assert.Error(t, err)
}
