// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package simplefs

import "fmt"

// ViolationKind classifies a Check finding.
type ViolationKind int

const (
	// ViolationBitmapMismatch means a block the live bitmap considers
	// allocated is not referenced by any valid inode, or vice versa (I1).
	ViolationBitmapMismatch ViolationKind = iota

	// ViolationDoubleAllocation means a block is referenced by more than
	// one valid inode's pointer set (I2).
	ViolationDoubleAllocation

	// ViolationPointerOutOfRange means a pointer falls outside the data
	// region (I3).
	ViolationPointerOutOfRange

	// ViolationSpuriousIndirect means an inode carries a non-zero
	// indirect pointer despite fitting entirely within its direct
	// pointers (I4).
	ViolationSpuriousIndirect

	// ViolationOversized means an inode's size exceeds MaxFileSize (I5).
	ViolationOversized
)

// Violation is one invariant breach found by Check.
type Violation struct {
	Kind        ViolationKind
	InodeNumber uint32 // meaningful for all kinds except ViolationBitmapMismatch
	Block       uint32 // meaningful for ViolationBitmapMismatch/ViolationDoubleAllocation/ViolationPointerOutOfRange
	Detail      string
}

// Check walks the mounted filesystem read-only and reports every
// departure from invariants I1–I5. A nil (or empty) slice means the
// filesystem is internally consistent. Check never mutates fs.
func Check(fs *FileSystem) ([]Violation, error) {
	if !fs.mounted {
		return nil, ErrNotMounted
	}

	var violations []Violation
	seen := make(map[uint32]uint32) // block -> first owning inode

	buf := make([]byte, BlockSize)
	for b := uint32(1); b <= fs.sb.InodeBlocks; b++ {
		if err := fs.dev.ReadBlock(b, buf); err != nil {
			return nil, fmt.Errorf("simplefs: check: %w", err)
		}

		inodes, err := decodeInodes(buf)
		if err != nil {
			return nil, fmt.Errorf("simplefs: check: %w", err)
		}

		for slot, ino := range inodes {
			if ino.Valid == 0 {
				continue
			}
			n := (b-1)*InodesPerBlock + uint32(slot)

			if ino.Size > MaxFileSize {
				violations = append(violations, Violation{
					Kind: ViolationOversized, InodeNumber: n,
					Detail: fmt.Sprintf("size %d exceeds max file size %d", ino.Size, MaxFileSize),
				})
			}

			if ino.Size <= BlockSize*PointersPerInode && ino.Indirect != 0 {
				violations = append(violations, Violation{
					Kind: ViolationSpuriousIndirect, InodeNumber: n,
					Detail: fmt.Sprintf("indirect block %d set despite size %d fitting direct pointers", ino.Indirect, ino.Size),
				})
			}

			for _, p := range ino.Direct {
				if p == 0 {
					continue
				}
				violations = append(violations, fs.checkPointer(n, p, seen)...)
			}

			if ino.Size > BlockSize*PointersPerInode && ino.Indirect != 0 {
				violations = append(violations, fs.checkPointer(n, ino.Indirect, seen)...)

				ibuf := make([]byte, BlockSize)
				if err := fs.dev.ReadBlock(ino.Indirect, ibuf); err != nil {
					return nil, fmt.Errorf("simplefs: check: %w", err)
				}
				ptrs, err := decodeIndirect(ibuf)
				if err != nil {
					return nil, fmt.Errorf("simplefs: check: %w", err)
				}
				for _, p := range ptrs {
					if p == 0 {
						continue
					}
					violations = append(violations, fs.checkPointer(n, p, seen)...)
				}
			}
		}
	}

	// Diff the live bitmap against the one the inode table implies: the
	// superblock and inode table blocks plus every pointer seen above, the
	// same blocks Mount's reconstruction marks allocated.
	for n := uint32(0); n < fs.sb.Blocks; n++ {
		_, referenced := seen[n]
		derived := n <= fs.sb.InodeBlocks || referenced
		if derived != fs.alloc.bm.get(n) {
			violations = append(violations, Violation{
				Kind: ViolationBitmapMismatch, Block: n,
				Detail: fmt.Sprintf("live bitmap allocated=%v, inode-table-derived allocated=%v", fs.alloc.bm.get(n), derived),
			})
		}
	}

	return violations, nil
}

// checkPointer validates a single pointer p owned by inode n against I3
// (range) and I2 (uniqueness), recording seen[p] on first sight.
func (fs *FileSystem) checkPointer(n, p uint32, seen map[uint32]uint32) []Violation {
	var violations []Violation

	if p <= fs.sb.InodeBlocks || p >= fs.sb.Blocks {
		violations = append(violations, Violation{
			Kind: ViolationPointerOutOfRange, InodeNumber: n, Block: p,
			Detail: fmt.Sprintf("block %d outside data region (%d, %d)", p, fs.sb.InodeBlocks, fs.sb.Blocks),
		})
	}

	if owner, ok := seen[p]; ok {
		violations = append(violations, Violation{
			Kind: ViolationDoubleAllocation, InodeNumber: n, Block: p,
			Detail: fmt.Sprintf("block %d already referenced by inode %d", p, owner),
		})
	} else {
		seen[p] = n
	}

	return violations
}
