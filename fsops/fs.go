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
	"io"
	"os"
)

// File is the writable handle returned by FS.OpenFile.
// *os.File satisfies it.
type File interface {
	io.Writer
	io.Closer
	Sync() error
	Name() string
}

// FS abstracts the filesystem calls the executor makes.
//
// # Description
//
// The default implementation is the real OS filesystem. Tests inject
// fault-carrying implementations to simulate cross-device renames,
// truncated copies, and permission failures without special fixtures,
// the same way the transaction manager takes an injectable client.
type FS interface {
	Stat(name string) (os.FileInfo, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	Open(name string) (io.ReadCloser, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

// OSFS is the production FS backed by package os.
type OSFS struct{}

// NewOSFS returns the real-filesystem implementation.
func NewOSFS() *OSFS { return &OSFS{} }

func (*OSFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (*OSFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (*OSFS) Remove(name string) error { return os.Remove(name) }

func (*OSFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (*OSFS) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (*OSFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (*OSFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }
