// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package simplefs_test

import (
	"io"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/lipwei1808/simplefs"
	"github.com/lipwei1808/simplefs/device"

	"github.com/rogpeppe/go-internal/dirhash"
	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T, blocks uint32) *device.BlockDevice {
	t.Helper()

	path := filepath.Join(t.TempDir(), "image.bin")
	dev, err := device.Open(path, blocks)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = dev.Close()
	})

	return dev
}

func formatAndMount(t *testing.T, blocks uint32) (*device.BlockDevice, *simplefs.FileSystem) {
	t.Helper()

	dev := newImage(t, blocks)
	require.NoError(t, simplefs.Format(dev))

	fsys := simplefs.New()
	require.NoError(t, fsys.Mount(dev))

	return dev, fsys
}

func hashFS(t *testing.T, fsys *simplefs.FileSystem) string {
	t.Helper()

	inodeFS := simplefs.NewFS(fsys)

	info, err := fsys.Debug()
	require.NoError(t, err)

	var files []string
	for _, ino := range info.ValidInodes {
		files = append(files, strconv.FormatUint(uint64(ino.Number), 10))
	}

	h, err := dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return inodeFS.Open(name)
	})
	require.NoError(t, err)
	return h
}

// Scenario 1: format + mount + debug on an empty image.
func TestFormatMountDebugEmpty(t *testing.T) {
	_, fsys := formatAndMount(t, 100)

	info, err := fsys.Debug()
	require.NoError(t, err)

	require.True(t, info.MagicValid)
	require.EqualValues(t, 100, info.Blocks)
	require.EqualValues(t, 10, info.InodeBlocks)
	require.EqualValues(t, 1280, info.Inodes)
	require.Empty(t, info.ValidInodes)
}

// Scenario 2: create/write/read round-trip.
func TestCreateWriteReadRoundTrip(t *testing.T) {
	_, fsys := formatAndMount(t, 100)

	n, err := fsys.Create()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	written, err := fsys.Write(n, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, written)

	buf := make([]byte, 5)
	read, err := fsys.Read(n, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, read)
	require.Equal(t, "hello", string(buf))

	size, err := fsys.Stat(n)
	require.NoError(t, err)
	require.EqualValues(t, 5, size)
}

// Scenario 3: indirect crossover.
func TestIndirectCrossover(t *testing.T) {
	_, fsys := formatAndMount(t, 200)

	n, err := fsys.Create()
	require.NoError(t, err)

	const size = simplefs.BlockSize*simplefs.PointersPerInode + 1
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i % 256)
	}

	written, err := fsys.Write(n, pattern, 0)
	require.NoError(t, err)
	require.Equal(t, size, written)

	got, err := fsys.Stat(n)
	require.NoError(t, err)
	require.EqualValues(t, size, got)

	buf := make([]byte, size)
	read, err := fsys.Read(n, buf, 0)
	require.NoError(t, err)
	require.Equal(t, size, read)
	require.Equal(t, pattern, buf)

	info, err := fsys.Debug()
	require.NoError(t, err)
	require.Len(t, info.ValidInodes, 1)
	require.Equal(t, simplefs.PointersPerInode, info.ValidInodes[0].DirectBlocks)

	violations, err := simplefs.Check(fsys)
	require.NoError(t, err)
	require.Empty(t, violations)
}

// A write starting past the current end of file must back-fill every
// intervening logical block with a zeroed one rather than leave a hole:
// no inode may claim a size whose logical range includes an unallocated
// block.
func TestWriteBeyondEOFBackfillsGap(t *testing.T) {
	_, fsys := formatAndMount(t, 100)

	n, err := fsys.Create()
	require.NoError(t, err)

	_, err = fsys.Write(n, []byte("x"), 3*simplefs.BlockSize)
	require.NoError(t, err)

	size, err := fsys.Stat(n)
	require.NoError(t, err)
	require.EqualValues(t, 3*simplefs.BlockSize+1, size)

	info, err := fsys.Debug()
	require.NoError(t, err)
	require.Len(t, info.ValidInodes, 1)
	require.Equal(t, 4, info.ValidInodes[0].DirectBlocks)

	// The backfilled blocks read back as zero, and the written byte lands
	// exactly where requested.
	buf := make([]byte, 3*simplefs.BlockSize+1)
	read, err := fsys.Read(n, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), read)
	require.Equal(t, byte('x'), buf[3*simplefs.BlockSize])
	for _, b := range buf[:3*simplefs.BlockSize] {
		require.Zero(t, b)
	}

	violations, err := simplefs.Check(fsys)
	require.NoError(t, err)
	require.Empty(t, violations)
}

// Scenario 4: remove frees space.
func TestRemoveFreesSpace(t *testing.T) {
	dev, fsys := formatAndMount(t, 200)

	n, err := fsys.Create()
	require.NoError(t, err)

	const size = simplefs.BlockSize*simplefs.PointersPerInode + 1
	_, err = fsys.Write(n, make([]byte, size), 0)
	require.NoError(t, err)

	require.NoError(t, fsys.Remove(n))

	_, err = fsys.Stat(n)
	require.ErrorIs(t, err, simplefs.ErrNotFound)

	require.NoError(t, fsys.Unmount())
	require.NoError(t, fsys.Mount(dev))

	info, err := fsys.Debug()
	require.NoError(t, err)
	require.Empty(t, info.ValidInodes)
}

// Scenario 5: OutOfSpace partial write.
func TestOutOfSpacePartialWrite(t *testing.T) {
	_, fsys := formatAndMount(t, 15)

	n, err := fsys.Create()
	require.NoError(t, err)

	info, err := fsys.Debug()
	require.NoError(t, err)
	dataBlocks := info.Blocks - info.InodeBlocks - 1

	// Once the write crosses into the indirect region (past
	// PointersPerInode logical blocks), one of the data region's blocks
	// is consumed by the indirect metadata block itself, so only
	// dataBlocks-1 blocks of actual content fit, not dataBlocks.
	want := (dataBlocks - 1) * simplefs.BlockSize

	written, err := fsys.Write(n, make([]byte, (dataBlocks+1)*simplefs.BlockSize), 0)
	require.NoError(t, err)
	require.EqualValues(t, want, written)

	size, err := fsys.Stat(n)
	require.NoError(t, err)
	require.EqualValues(t, want, size)

	written, err = fsys.Write(n, []byte{0x42}, int64(want))
	require.NoError(t, err)
	require.Equal(t, 0, written)
}

// Scenario 6: remount rebuilds the bitmap and create resumes at the
// lowest free slot.
func TestRemountRebuildsBitmapAndResumesCreate(t *testing.T) {
	dev, fsys := formatAndMount(t, 300)

	n0, err := fsys.Create()
	require.NoError(t, err)
	n1, err := fsys.Create()
	require.NoError(t, err)
	n2, err := fsys.Create()
	require.NoError(t, err)

	_, err = fsys.Write(n0, make([]byte, 10), 0)
	require.NoError(t, err)
	_, err = fsys.Write(n1, make([]byte, simplefs.BlockSize*3), 0)
	require.NoError(t, err)
	_, err = fsys.Write(n2, make([]byte, simplefs.BlockSize*simplefs.PointersPerInode+100), 0)
	require.NoError(t, err)

	before := hashFS(t, fsys)

	require.NoError(t, fsys.Unmount())
	require.NoError(t, fsys.Mount(dev))

	after := hashFS(t, fsys)
	require.Equal(t, before, after)

	info, err := fsys.Debug()
	require.NoError(t, err)
	require.Len(t, info.ValidInodes, 3)

	n3, err := fsys.Create()
	require.NoError(t, err)
	require.EqualValues(t, 3, n3)
}

func TestReadAtOrPastEOF(t *testing.T) {
	_, fsys := formatAndMount(t, 100)

	n, err := fsys.Create()
	require.NoError(t, err)
	_, err = fsys.Write(n, []byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)

	read, err := fsys.Read(n, buf, 3)
	require.NoError(t, err)
	require.Equal(t, 0, read)

	read, err = fsys.Read(n, buf, 50)
	require.NoError(t, err)
	require.Equal(t, 0, read)
}

func TestWriteZeroLength(t *testing.T) {
	_, fsys := formatAndMount(t, 100)

	n, err := fsys.Create()
	require.NoError(t, err)

	written, err := fsys.Write(n, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 0, written)
}

func TestWriteExactlyMaxFileSize(t *testing.T) {
	_, fsys := formatAndMount(t, 2000)

	n, err := fsys.Create()
	require.NoError(t, err)

	written, err := fsys.Write(n, make([]byte, simplefs.MaxFileSize), 0)
	require.NoError(t, err)
	require.EqualValues(t, simplefs.MaxFileSize, written)

	written, err = fsys.Write(n, []byte{1}, simplefs.MaxFileSize)
	require.NoError(t, err)
	require.Equal(t, 0, written)

	size, err := fsys.Stat(n)
	require.NoError(t, err)
	require.EqualValues(t, simplefs.MaxFileSize, size)
}

func TestWriteExactlyDirectBoundaryLeavesIndirectZero(t *testing.T) {
	_, fsys := formatAndMount(t, 100)

	n, err := fsys.Create()
	require.NoError(t, err)

	written, err := fsys.Write(n, make([]byte, simplefs.BlockSize*simplefs.PointersPerInode), 0)
	require.NoError(t, err)
	require.EqualValues(t, simplefs.BlockSize*simplefs.PointersPerInode, written)

	violations, err := simplefs.Check(fsys)
	require.NoError(t, err)
	require.Empty(t, violations)

	info, err := fsys.Debug()
	require.NoError(t, err)
	require.Equal(t, simplefs.PointersPerInode, info.ValidInodes[0].DirectBlocks)
}

func TestMountRejectsBadMagic(t *testing.T) {
	dev := newImage(t, 10)

	fsys := simplefs.New()
	err := fsys.Mount(dev)
	require.ErrorIs(t, err, simplefs.ErrBadMagic)
}

func TestDoubleMountRejected(t *testing.T) {
	dev, fsys := formatAndMount(t, 10)
	err := fsys.Mount(dev)
	require.ErrorIs(t, err, simplefs.ErrAlreadyMounted)
}

func TestUnmountNotMountedRejected(t *testing.T) {
	fsys := simplefs.New()
	require.ErrorIs(t, fsys.Unmount(), simplefs.ErrNotMounted)
}

func TestCreateOutOfInodes(t *testing.T) {
	_, fsys := formatAndMount(t, 20)

	info, err := fsys.Debug()
	require.NoError(t, err)

	for i := uint32(0); i < info.Inodes; i++ {
		_, err := fsys.Create()
		require.NoError(t, err)
	}

	_, err = fsys.Create()
	require.ErrorIs(t, err, simplefs.ErrOutOfInodes)
}
