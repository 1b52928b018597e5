// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package simplefs

import (
	"io"
	"io/fs"
	"sort"
	"strconv"
	"time"
)

var (
	_ fs.FS        = (*InodeFS)(nil)
	_ fs.ReadDirFS = (*InodeFS)(nil)
	_ fs.StatFS    = (*InodeFS)(nil)
)

// InodeFS is a read-only io/fs.FS view over a mounted filesystem, listing
// every valid inode as a file named by its decimal inode number at the
// root. SimpleFS has no directory layer, so InodeFS introduces none: its
// only purpose is to let standard io/fs tooling (and dirhash in tests)
// observe a mount's contents.
type InodeFS struct {
	fs *FileSystem
}

// NewFS returns an InodeFS over the mounted filesystem fsys.
func NewFS(fsys *FileSystem) *InodeFS {
	return &InodeFS{fs: fsys}
}

func (i *InodeFS) Open(name string) (fs.File, error) {
	if name == "." {
		entries, err := i.ReadDir(".")
		if err != nil {
			return nil, err
		}
		return &inodeRootDir{entries: entries}, nil
	}

	n, err := parseInodeName(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	size, err := i.fs.Stat(n)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	return &inodeFile{fs: i.fs, n: n, size: size}, nil
}

func (i *InodeFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}

	info, err := i.fs.Debug()
	if err != nil {
		return nil, err
	}

	entries := make([]fs.DirEntry, 0, len(info.ValidInodes))
	for _, ino := range info.ValidInodes {
		entries = append(entries, inodeDirEntry{n: ino.Number, size: ino.Size})
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].(inodeDirEntry).n < entries[b].(inodeDirEntry).n
	})

	return entries, nil
}

func (i *InodeFS) Stat(name string) (fs.FileInfo, error) {
	if name == "." {
		return inodeRootInfo{}, nil
	}

	n, err := parseInodeName(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}

	size, err := i.fs.Stat(n)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}

	return inodeFileInfo{n: n, size: size}, nil
}

func parseInodeName(name string) (uint32, error) {
	v, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

type inodeFile struct {
	fs     *FileSystem
	n      uint32
	size   uint32
	offset int64
}

func (f *inodeFile) Stat() (fs.FileInfo, error) {
	return inodeFileInfo{n: f.n, size: f.size}, nil
}

func (f *inodeFile) Read(p []byte) (int, error) {
	if f.offset >= int64(f.size) {
		return 0, io.EOF
	}
	n, err := f.fs.Read(f.n, p, f.offset)
	if err != nil {
		return n, err
	}
	f.offset += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *inodeFile) Close() error {
	return nil
}

type inodeFileInfo struct {
	n    uint32
	size uint32
}

func (fi inodeFileInfo) Name() string       { return strconv.FormatUint(uint64(fi.n), 10) }
func (fi inodeFileInfo) Size() int64        { return int64(fi.size) }
func (fi inodeFileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi inodeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi inodeFileInfo) IsDir() bool        { return false }
func (fi inodeFileInfo) Sys() any           { return nil }

type inodeDirEntry struct {
	n    uint32
	size uint32
}

func (d inodeDirEntry) Name() string               { return strconv.FormatUint(uint64(d.n), 10) }
func (d inodeDirEntry) IsDir() bool                { return false }
func (d inodeDirEntry) Type() fs.FileMode          { return 0 }
func (d inodeDirEntry) Info() (fs.FileInfo, error) { return inodeFileInfo{n: d.n, size: d.size}, nil }

type inodeRootInfo struct{}

func (inodeRootInfo) Name() string       { return "." }
func (inodeRootInfo) Size() int64        { return 0 }
func (inodeRootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (inodeRootInfo) ModTime() time.Time { return time.Time{} }
func (inodeRootInfo) IsDir() bool        { return true }
func (inodeRootInfo) Sys() any           { return nil }

type inodeRootDir struct {
	entries []fs.DirEntry
	offset  int
}

func (d *inodeRootDir) Stat() (fs.FileInfo, error) { return inodeRootInfo{}, nil }

func (d *inodeRootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: fs.ErrInvalid}
}

func (d *inodeRootDir) Close() error { return nil }

func (d *inodeRootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		rest := d.entries[d.offset:]
		d.offset = len(d.entries)
		return rest, nil
	}

	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}

	end := d.offset + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	rest := d.entries[d.offset:end]
	d.offset = end
	return rest, nil
}
