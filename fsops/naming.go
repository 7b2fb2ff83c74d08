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
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// DefaultMaxCollisionAttempts bounds the numeric-suffix search.
const DefaultMaxCollisionAttempts = 1000

// resolveCollision returns a destination path that does not currently
// exist, appending `_N` before the extension when the requested name is
// taken.
//
// The choice is deterministic for a given directory state: `report.pdf`
// next to an existing `report.pdf` and `report_1.pdf` always resolves to
// `report_2.pdf`. The search is bounded; exhausting it returns a
// KindNameCollision error.
//
// Existence checks race with concurrent writers by nature; callers that
// need exclusivity combine this with O_EXCL creation and re-resolve on
// fs.ErrExist.
func resolveCollision(fsys FS, dest string, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCollisionAttempts
	}

	if !exists(fsys, dest) {
		return dest, nil
	}

	dir := filepath.Dir(dest)
	base := filepath.Base(dest)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 1; i <= maxAttempts; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if !exists(fsys, candidate) {
			return candidate, nil
		}
	}

	return "", &OpError{
		Kind:   KindNameCollision,
		Op:     "resolve_collision",
		Source: dest,
		Err:    fmt.Errorf("no free name after %d attempts", maxAttempts),
	}
}

// exists reports whether a path exists. Stat errors other than
// fs.ErrNotExist are treated as "exists" so the caller surfaces the real
// error on the subsequent operation instead of silently claiming the name.
func exists(fsys FS, path string) bool {
	_, err := fsys.Stat(path)
	if err == nil {
		return true
	}
	return !errors.Is(err, fs.ErrNotExist)
}
