// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]Change
}

func (c *collector) handle(changes []Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, changes)
}

func (c *collector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *collector) allPaths() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool)
	for _, batch := range c.batches {
		for _, ch := range batch {
			out[ch.Path] = true
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, func([]Change) {}, nil)
	assert.Error(t, err)

	_, err = New([]string{t.TempDir()}, nil, nil)
	assert.Error(t, err)
}

func TestStart_MissingDirectory(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "absent")}, func([]Change) {}, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_DeliversDebouncedBatch(t *testing.T) {
	dir := t.TempDir()
	col := &collector{}

	w, err := New([]string{dir}, col.handle, &Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	// A burst of arrivals lands in one batch.
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	waitFor(t, 3*time.Second, func() bool { return col.batchCount() >= 1 })
	paths := col.allPaths()
	assert.True(t, paths[filepath.Join(dir, "a.txt")])
	assert.True(t, paths[filepath.Join(dir, "b.txt")])
	assert.True(t, paths[filepath.Join(dir, "c.txt")])
}

func TestWatcher_IgnoresPartialDownloads(t *testing.T) {
	dir := t.TempDir()
	col := &collector{}

	w, err := New([]string{dir}, col.handle, &Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.part"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.txt"), []byte("x"), 0644))

	waitFor(t, 3*time.Second, func() bool { return col.batchCount() >= 1 })
	paths := col.allPaths()
	assert.False(t, paths[filepath.Join(dir, "movie.part")])
	assert.True(t, paths[filepath.Join(dir, "done.txt")])
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New([]string{t.TempDir()}, func([]Change) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
	assert.False(t, w.IsWatching())
}

func TestWatcher_StartTwiceIsNoop(t *testing.T) {
	w, err := New([]string{t.TempDir()}, func([]Change) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.NoError(t, w.Start(context.Background()))
}
