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
	"fmt"

	"github.com/lipwei1808/simplefs/device"
)

// loadInode reads inode n from dev. It returns (inode{}, false, nil) for a
// structurally valid but unset slot, and a non-nil error only for an
// out-of-range n or a failed block read.
func loadInode(dev *device.BlockDevice, totalInodes, n uint32) (inode, bool, error) {
	if n >= totalInodes {
		return inode{}, false, fmt.Errorf("%w: inode %d (have %d)", ErrNotFound, n, totalInodes)
	}

	block, slot := inodeBlockAndSlot(n)

	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(block, buf); err != nil {
		return inode{}, false, fmt.Errorf("simplefs: load inode %d: %w", n, err)
	}

	inodes, err := decodeInodes(buf)
	if err != nil {
		return inode{}, false, fmt.Errorf("simplefs: load inode %d: %w", n, err)
	}

	ino := inodes[slot]
	if ino.Valid == 0 {
		return inode{}, false, nil
	}
	return ino, true, nil
}

// saveInode performs the read-modify-write of the block containing inode
// n, replacing its slot with ino.
func saveInode(dev *device.BlockDevice, totalInodes, n uint32, ino inode) error {
	if n >= totalInodes {
		return fmt.Errorf("%w: inode %d (have %d)", ErrNotFound, n, totalInodes)
	}

	block, slot := inodeBlockAndSlot(n)

	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(block, buf); err != nil {
		return fmt.Errorf("simplefs: save inode %d: %w", n, err)
	}

	inodes, err := decodeInodes(buf)
	if err != nil {
		return fmt.Errorf("simplefs: save inode %d: %w", n, err)
	}

	inodes[slot] = ino

	out, err := encodeInodes(inodes)
	if err != nil {
		return fmt.Errorf("simplefs: save inode %d: %w", n, err)
	}

	if err := dev.WriteBlock(block, out); err != nil {
		return fmt.Errorf("simplefs: save inode %d: %w", n, err)
	}
	return nil
}
