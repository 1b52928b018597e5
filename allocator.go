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

	"github.com/google/btree"
)

// ErrOutOfSpace is returned internally by the allocator when the data
// region has no free block. Write() never propagates it as an error: it
// surfaces OutOfSpace as a short byte count, per spec.
var ErrOutOfSpace = errors.New("simplefs: no free block")

// bitmap is a packed bit array covering every block in [0, blocks), true
// meaning "allocated". Block 0 and the inode table blocks are permanently
// set.
type bitmap struct {
	bits   []uint64
	blocks uint32
}

func newBitmap(blocks uint32) *bitmap {
	return &bitmap{bits: make([]uint64, (blocks+63)/64), blocks: blocks}
}

func (b *bitmap) get(n uint32) bool {
	return b.bits[n/64]&(1<<(n%64)) != 0
}

func (b *bitmap) set(n uint32) {
	b.bits[n/64] |= 1 << (n % 64)
}

func (b *bitmap) clear(n uint32) {
	b.bits[n/64] &^= 1 << (n % 64)
}

// extent is a maximal run of consecutive free blocks, the unit tracked by
// the allocator's btree-based first-fit acceleration index. It implements
// btree.Item, ordered by start.
type extent struct {
	start  uint32
	length uint32
}

func (e *extent) Less(than btree.Item) bool {
	return e.start < than.(*extent).start
}

// allocator owns the bitmap (ground truth) and a derived free-extent index
// used to make Allocate an O(log n) operation instead of a linear bit
// scan. The index is fully reconstructible from the bitmap and carries no
// state that could desync from it.
type allocator struct {
	bm          *bitmap
	freeExtents *btree.BTree
	dataLo      uint32 // first data block (inclusive)
	dataHi      uint32 // one past the last block (exclusive)
}

func newAllocator(blocks, inodeBlocks uint32) *allocator {
	a := &allocator{
		bm:          newBitmap(blocks),
		freeExtents: btree.New(32),
		dataLo:      inodeBlocks + 1,
		dataHi:      blocks,
	}

	// Block 0 (superblock) and the inode table are never handed out.
	for n := uint32(0); n < a.dataLo; n++ {
		a.bm.set(n)
	}

	if a.dataLo < a.dataHi {
		a.freeExtents.ReplaceOrInsert(&extent{start: a.dataLo, length: a.dataHi - a.dataLo})
	}

	return a
}

// markAllocated marks block n as in-use, removing it from the free-extent
// index. Used while reconstructing allocator state from the inode table
// at mount (buildFromInodes), where blocks are discovered allocated one at
// a time in no particular order.
func (a *allocator) markAllocated(n uint32) error {
	if n < a.dataLo || n >= a.dataHi {
		return fmt.Errorf("simplefs: block %d out of data region [%d, %d)", n, a.dataLo, a.dataHi)
	}
	if a.bm.get(n) {
		// Already accounted for (e.g. referenced twice). buildFromInodes
		// does not reject that; Check reports it as an I2 violation.
		// markAllocated itself stays idempotent.
		return nil
	}
	a.bm.set(n)
	a.removeFromFreeIndex(n)
	return nil
}

// removeFromFreeIndex excises a single block from whichever free extent
// currently contains it, splitting that extent if necessary.
func (a *allocator) removeFromFreeIndex(n uint32) {
	var found *extent
	a.freeExtents.DescendLessOrEqual(&extent{start: n}, func(i btree.Item) bool {
		e := i.(*extent)
		if n < e.start+e.length {
			found = e
		}
		return false
	})
	if found == nil {
		return
	}

	a.freeExtents.Delete(found)

	if found.start < n {
		a.freeExtents.ReplaceOrInsert(&extent{start: found.start, length: n - found.start})
	}
	if tailStart := n + 1; tailStart < found.start+found.length {
		a.freeExtents.ReplaceOrInsert(&extent{start: tailStart, length: found.start + found.length - tailStart})
	}
}

// allocate returns the lowest-numbered free block, marking it allocated.
// It returns ErrOutOfSpace if the data region is full.
func (a *allocator) allocate() (uint32, error) {
	min := a.freeExtents.Min()
	if min == nil {
		return 0, ErrOutOfSpace
	}

	e := min.(*extent)
	block := e.start

	a.freeExtents.Delete(e)
	if e.length > 1 {
		a.freeExtents.ReplaceOrInsert(&extent{start: e.start + 1, length: e.length - 1})
	}

	a.bm.set(block)
	return block, nil
}

// free clears block n, merging it into any adjacent free extents. It is a
// no-op if the block is already clear.
func (a *allocator) free(n uint32) {
	if n < a.dataLo || n >= a.dataHi {
		return
	}
	if !a.bm.get(n) {
		return
	}
	a.bm.clear(n)

	start, length := n, uint32(1)

	// Merge with a predecessor extent ending exactly at n.
	var pred *extent
	a.freeExtents.DescendLessOrEqual(&extent{start: n}, func(i btree.Item) bool {
		if e := i.(*extent); e.start+e.length == n {
			pred = e
		}
		return false
	})
	if pred != nil {
		a.freeExtents.Delete(pred)
		start = pred.start
		length = n + 1 - pred.start
	}

	// Merge with a successor extent starting exactly at n+1.
	var succ *extent
	a.freeExtents.AscendGreaterOrEqual(&extent{start: n + 1}, func(i btree.Item) bool {
		if e := i.(*extent); e.start == n+1 {
			succ = e
		}
		return false
	})
	if succ != nil {
		a.freeExtents.Delete(succ)
		length = succ.start + succ.length - start
	}

	a.freeExtents.ReplaceOrInsert(&extent{start: start, length: length})
}
