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
	"errors"
	"fmt"
	"math"

	"github.com/lipwei1808/simplefs/device"
)

// FileSystem is a mountable handle onto a SimpleFS image. The zero value
// (via New) is unmounted; Mount associates it with a device.BlockDevice
// and reconstructs the allocator, Unmount releases both.
type FileSystem struct {
	dev     *device.BlockDevice
	sb      superBlock
	alloc   *allocator
	mounted bool
}

// New returns an unmounted filesystem handle.
func New() *FileSystem {
	return &FileSystem{}
}

// Format unconditionally overwrites dev with a fresh, empty SimpleFS image:
// a superblock sized to the device's block count, and a zeroed inode
// table. Data blocks are left untouched. The caller must ensure dev is not
// concurrently mounted.
func Format(dev *device.BlockDevice) error {
	blocks := dev.Blocks()
	inodeBlocks := uint32(math.Ceil(float64(blocks) * 0.10))
	inodes := inodeBlocks * InodesPerBlock

	sb := superBlock{
		Magic:       Magic,
		Blocks:      blocks,
		InodeBlocks: inodeBlocks,
		Inodes:      inodes,
	}

	sbBlock, err := encodeSuperBlock(sb)
	if err != nil {
		return fmt.Errorf("simplefs: format: %w", err)
	}
	if err := dev.WriteBlock(0, sbBlock); err != nil {
		return fmt.Errorf("simplefs: format: %w", err)
	}

	zero := make([]byte, BlockSize)
	for b := uint32(1); b <= inodeBlocks && b < blocks; b++ {
		if err := dev.WriteBlock(b, zero); err != nil {
			return fmt.Errorf("simplefs: format: zero inode block %d: %w", b, err)
		}
	}

	return nil
}

// Mount reads dev's superblock, verifies its magic, and reconstructs the
// free-block allocator from the inode table.
func (fs *FileSystem) Mount(dev *device.BlockDevice) error {
	if fs.mounted {
		return ErrAlreadyMounted
	}

	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(0, buf); err != nil {
		return fmt.Errorf("simplefs: mount: %w", err)
	}

	sb, err := decodeSuperBlock(buf)
	if err != nil {
		return fmt.Errorf("simplefs: mount: %w", err)
	}
	if sb.Magic != Magic {
		return ErrBadMagic
	}

	alloc, err := buildFromInodes(dev, sb)
	if err != nil {
		return fmt.Errorf("simplefs: mount: %w", err)
	}

	fs.dev = dev
	fs.sb = sb
	fs.alloc = alloc
	fs.mounted = true
	return nil
}

// Unmount releases the bitmap and drops the device reference.
func (fs *FileSystem) Unmount() error {
	if !fs.mounted {
		return ErrNotMounted
	}

	fs.dev = nil
	fs.alloc = nil
	fs.sb = superBlock{}
	fs.mounted = false
	return nil
}

// buildFromInodes reconstructs the free-block bitmap (and its derived
// extent index) from the inode table, the ground truth for allocation
// state: nothing about free/allocated blocks is itself persisted on disk.
func buildFromInodes(dev *device.BlockDevice, sb superBlock) (*allocator, error) {
	alloc := newAllocator(sb.Blocks, sb.InodeBlocks)

	buf := make([]byte, BlockSize)
	for b := uint32(1); b <= sb.InodeBlocks; b++ {
		if err := dev.ReadBlock(b, buf); err != nil {
			return nil, fmt.Errorf("build allocator: read inode block %d: %w", b, err)
		}

		inodes, err := decodeInodes(buf)
		if err != nil {
			return nil, fmt.Errorf("build allocator: %w", err)
		}

		for _, ino := range inodes {
			if ino.Valid == 0 {
				continue
			}

			for _, p := range ino.Direct {
				if p == 0 {
					continue
				}
				if err := alloc.markAllocated(p); err != nil {
					return nil, fmt.Errorf("build allocator: %w", err)
				}
			}

			if ino.Size > BlockSize*PointersPerInode && ino.Indirect != 0 {
				if err := alloc.markAllocated(ino.Indirect); err != nil {
					return nil, fmt.Errorf("build allocator: %w", err)
				}

				ibuf := make([]byte, BlockSize)
				if err := dev.ReadBlock(ino.Indirect, ibuf); err != nil {
					return nil, fmt.Errorf("build allocator: read indirect block %d: %w", ino.Indirect, err)
				}

				ptrs, err := decodeIndirect(ibuf)
				if err != nil {
					return nil, fmt.Errorf("build allocator: %w", err)
				}

				for _, p := range ptrs {
					if p == 0 {
						continue
					}
					if err := alloc.markAllocated(p); err != nil {
						return nil, fmt.Errorf("build allocator: %w", err)
					}
				}
			}
		}
	}

	return alloc, nil
}

// Create scans the inode table for the first unset slot (lowest index
// wins), marks it valid and empty, and returns its inode number.
func (fs *FileSystem) Create() (uint32, error) {
	if !fs.mounted {
		return 0, ErrNotMounted
	}

	buf := make([]byte, BlockSize)
	for b := uint32(1); b <= fs.sb.InodeBlocks; b++ {
		if err := fs.dev.ReadBlock(b, buf); err != nil {
			return 0, fmt.Errorf("simplefs: create: %w", err)
		}

		inodes, err := decodeInodes(buf)
		if err != nil {
			return 0, fmt.Errorf("simplefs: create: %w", err)
		}

		for slot := range inodes {
			if inodes[slot].Valid != 0 {
				continue
			}

			inodes[slot] = inode{Valid: 1}

			out, err := encodeInodes(inodes)
			if err != nil {
				return 0, fmt.Errorf("simplefs: create: %w", err)
			}
			if err := fs.dev.WriteBlock(b, out); err != nil {
				return 0, fmt.Errorf("simplefs: create: %w", err)
			}

			return (b-1)*InodesPerBlock + uint32(slot), nil
		}
	}

	return 0, ErrOutOfInodes
}

// Remove frees every block referenced by inode n (direct, indirect, and
// the indirect block itself) and clears the inode.
func (fs *FileSystem) Remove(n uint32) error {
	if !fs.mounted {
		return ErrNotMounted
	}

	ino, ok, err := loadInode(fs.dev, fs.sb.Inodes, n)
	if err != nil {
		return fmt.Errorf("simplefs: remove: %w", err)
	}
	if !ok {
		return fmt.Errorf("simplefs: remove inode %d: %w", n, ErrNotFound)
	}

	for _, p := range ino.Direct {
		if p != 0 {
			fs.alloc.free(p)
		}
	}

	if ino.Size > BlockSize*PointersPerInode && ino.Indirect != 0 {
		buf := make([]byte, BlockSize)
		if err := fs.dev.ReadBlock(ino.Indirect, buf); err != nil {
			return fmt.Errorf("simplefs: remove inode %d: %w", n, err)
		}

		ptrs, err := decodeIndirect(buf)
		if err != nil {
			return fmt.Errorf("simplefs: remove inode %d: %w", n, err)
		}

		for _, p := range ptrs {
			if p != 0 {
				fs.alloc.free(p)
			}
		}

		fs.alloc.free(ino.Indirect)
	}

	if err := saveInode(fs.dev, fs.sb.Inodes, n, inode{}); err != nil {
		return fmt.Errorf("simplefs: remove inode %d: %w", n, err)
	}
	return nil
}

// Stat returns the size, in bytes, of inode n.
func (fs *FileSystem) Stat(n uint32) (uint32, error) {
	if !fs.mounted {
		return 0, ErrNotMounted
	}

	ino, ok, err := loadInode(fs.dev, fs.sb.Inodes, n)
	if err != nil {
		return 0, fmt.Errorf("simplefs: stat: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("simplefs: stat inode %d: %w", n, ErrNotFound)
	}
	return ino.Size, nil
}

// Read copies up to len(buf) bytes of inode n's content starting at
// offset into buf, returning the number of bytes actually read. Reading
// at or past the inode's size returns (0, nil).
func (fs *FileSystem) Read(n uint32, buf []byte, offset int64) (int, error) {
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	if offset < 0 {
		return 0, fmt.Errorf("simplefs: read: %w: negative offset", ErrInvalidArgument)
	}

	ino, ok, err := loadInode(fs.dev, fs.sb.Inodes, n)
	if err != nil {
		return 0, fmt.Errorf("simplefs: read: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("simplefs: read inode %d: %w", n, ErrNotFound)
	}

	if uint64(offset) >= uint64(ino.Size) {
		return 0, nil
	}

	length := len(buf)
	if remaining := uint64(ino.Size) - uint64(offset); uint64(length) > remaining {
		length = int(remaining)
	}

	var indirect [PointersPerBlock]uint32
	haveIndirect := false

	cursor := uint64(offset)
	written := 0

	for written < length {
		logicalBlock := uint32(cursor / BlockSize)
		innerOffset := cursor % BlockSize
		chunk := uint64(length - written)
		if rem := uint64(BlockSize) - innerOffset; chunk > rem {
			chunk = rem
		}

		var phys uint32
		if logicalBlock < PointersPerInode {
			phys = ino.Direct[logicalBlock]
		} else {
			if !haveIndirect {
				if ino.Indirect != 0 {
					ibuf := make([]byte, BlockSize)
					if err := fs.dev.ReadBlock(ino.Indirect, ibuf); err != nil {
						return written, fmt.Errorf("simplefs: read inode %d: %w", n, err)
					}
					indirect, err = decodeIndirect(ibuf)
					if err != nil {
						return written, fmt.Errorf("simplefs: read inode %d: %w", n, err)
					}
				}
				haveIndirect = true
			}
			phys = indirect[logicalBlock-PointersPerInode]
		}

		if phys == 0 {
			for i := uint64(0); i < chunk; i++ {
				buf[written+int(i)] = 0
			}
		} else {
			blk := make([]byte, BlockSize)
			if err := fs.dev.ReadBlock(phys, blk); err != nil {
				return written, fmt.Errorf("simplefs: read inode %d: %w", n, err)
			}
			copy(buf[written:written+int(chunk)], blk[innerOffset:innerOffset+chunk])
		}

		cursor += chunk
		written += int(chunk)
	}

	return written, nil
}

// Write copies len(buf) bytes into inode n's content starting at offset,
// allocating blocks as needed (and extending size), and returns the
// number of bytes actually written. A write that would exceed MaxFileSize
// is truncated to what fits; a write that runs the device out of free
// blocks stops early and returns the bytes written so far, both without
// returning an error (OutOfSpace is a partial-write condition, not a Go
// error, per the filesystem's error taxonomy).
func (fs *FileSystem) Write(n uint32, buf []byte, offset int64) (int, error) {
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	if offset < 0 {
		return 0, fmt.Errorf("simplefs: write: %w: negative offset", ErrInvalidArgument)
	}

	ino, ok, err := loadInode(fs.dev, fs.sb.Inodes, n)
	if err != nil {
		return 0, fmt.Errorf("simplefs: write: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("simplefs: write inode %d: %w", n, ErrNotFound)
	}

	length := len(buf)
	if length == 0 {
		return 0, nil
	}

	if uint64(offset) >= uint64(MaxFileSize) {
		return 0, nil
	}
	if uint64(offset)+uint64(length) > uint64(MaxFileSize) {
		length = int(uint64(MaxFileSize) - uint64(offset))
	}
	if length == 0 {
		return 0, nil
	}

	var indirect [PointersPerBlock]uint32
	haveIndirect := false
	indirectDirty := false

	loadIndirectIfNeeded := func() error {
		if haveIndirect {
			return nil
		}
		if ino.Indirect != 0 {
			ibuf := make([]byte, BlockSize)
			if err := fs.dev.ReadBlock(ino.Indirect, ibuf); err != nil {
				return err
			}
			var derr error
			indirect, derr = decodeIndirect(ibuf)
			if derr != nil {
				return derr
			}
		}
		haveIndirect = true
		return nil
	}

	// newlyAllocated tracks every block handed out by resolvePointer during
	// this call, so a failed gap back-fill (below) can free them again
	// instead of leaking live-allocated blocks no saved inode references.
	var newlyAllocated []uint32

	// resolvePointer returns the physical block backing logicalBlock,
	// allocating it (and, if needed, the indirect metadata block) on first
	// touch. A newly allocated data block is written as zeros before it is
	// returned, since freed blocks keep their old bytes.
	resolvePointer := func(logicalBlock uint32) (uint32, error) {
		var phys uint32
		if logicalBlock < PointersPerInode {
			phys = ino.Direct[logicalBlock]
		} else {
			if err := loadIndirectIfNeeded(); err != nil {
				return 0, err
			}
			phys = indirect[logicalBlock-PointersPerInode]
		}
		if phys != 0 {
			return phys, nil
		}

		newBlock, aerr := fs.alloc.allocate()
		if aerr != nil {
			return 0, aerr
		}
		if err := fs.dev.WriteBlock(newBlock, make([]byte, BlockSize)); err != nil {
			fs.alloc.free(newBlock)
			return 0, err
		}

		if logicalBlock < PointersPerInode {
			ino.Direct[logicalBlock] = newBlock
		} else {
			if ino.Indirect == 0 {
				indBlock, aerr := fs.alloc.allocate()
				if aerr != nil {
					fs.alloc.free(newBlock)
					return 0, aerr
				}
				ino.Indirect = indBlock
				indirect = [PointersPerBlock]uint32{}
				newlyAllocated = append(newlyAllocated, indBlock)
			}
			indirect[logicalBlock-PointersPerInode] = newBlock
			indirectDirty = true
		}
		newlyAllocated = append(newlyAllocated, newBlock)
		return newBlock, nil
	}

	// No sparse files: an extending write must back-fill every logical
	// block strictly between the current end of the file and offset with
	// a zeroed block, not just allocate the range the caller touches.
	if uint64(offset) > uint64(ino.Size) {
		allocatedBlocks := uint32(0)
		if ino.Size > 0 {
			allocatedBlocks = (ino.Size + BlockSize - 1) / BlockSize
		}
		startBlock := uint32(uint64(offset) / BlockSize)

		zero := make([]byte, BlockSize)
		for lb := allocatedBlocks; lb < startBlock; lb++ {
			phys, gerr := resolvePointer(lb)
			if gerr != nil {
				// Can't back-fill without violating the no-holes
				// invariant: undo this call's allocations and report
				// no bytes written, rather than leave a hole.
				for _, b := range newlyAllocated {
					fs.alloc.free(b)
				}
				if !errors.Is(gerr, ErrOutOfSpace) {
					return 0, fmt.Errorf("simplefs: write inode %d: %w", n, gerr)
				}
				return 0, nil
			}
			if err := fs.dev.WriteBlock(phys, zero); err != nil {
				for _, b := range newlyAllocated {
					fs.alloc.free(b)
				}
				return 0, fmt.Errorf("simplefs: write inode %d: %w", n, err)
			}
		}
	}

	cursor := uint64(offset)
	written := 0
	var writeErr error

writeLoop:
	for written < length {
		logicalBlock := uint32(cursor / BlockSize)
		innerOffset := cursor % BlockSize
		chunk := uint64(length - written)
		if rem := uint64(BlockSize) - innerOffset; chunk > rem {
			chunk = rem
		}

		phys, perr := resolvePointer(logicalBlock)
		if perr != nil {
			// Out of space: stop, keep the bytes written so far. Any other
			// failure is an I/O error and is reported as well.
			if !errors.Is(perr, ErrOutOfSpace) {
				writeErr = perr
			}
			break writeLoop
		}

		if innerOffset != 0 || chunk < BlockSize {
			blk := make([]byte, BlockSize)
			if err := fs.dev.ReadBlock(phys, blk); err != nil {
				writeErr = err
				break writeLoop
			}
			copy(blk[innerOffset:innerOffset+chunk], buf[written:written+int(chunk)])
			if err := fs.dev.WriteBlock(phys, blk); err != nil {
				writeErr = err
				break writeLoop
			}
		} else {
			if err := fs.dev.WriteBlock(phys, buf[written:written+int(chunk)]); err != nil {
				writeErr = err
				break writeLoop
			}
		}

		cursor += chunk
		written += int(chunk)
	}

	newSize := uint64(offset) + uint64(written)
	if written == 0 {
		// Nothing landed in the block holding offset, so only the whole
		// back-filled blocks before it count toward the size.
		newSize -= newSize % BlockSize
	}
	if newSize > uint64(ino.Size) {
		ino.Size = uint32(newSize)
	}

	if serr := saveInode(fs.dev, fs.sb.Inodes, n, ino); serr != nil && writeErr == nil {
		writeErr = serr
	}

	if indirectDirty {
		out, eerr := encodeIndirect(indirect)
		if eerr != nil {
			if writeErr == nil {
				writeErr = eerr
			}
		} else if ierr := fs.dev.WriteBlock(ino.Indirect, out); ierr != nil && writeErr == nil {
			writeErr = ierr
		}
	}

	if writeErr != nil {
		return written, fmt.Errorf("simplefs: write inode %d: %w", n, writeErr)
	}
	return written, nil
}
