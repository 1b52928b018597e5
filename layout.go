// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package simplefs implements a minimal block-structured filesystem: a flat
// namespace of numbered inodes, each a small direct + single-indirect
// pointer tree over fixed-size blocks on a device.BlockDevice.
package simplefs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lipwei1808/simplefs/device"
)

// Definitions for the on-disk ABI. These are wire-format constants, not
// implementation details: changing any of them changes the bytes an image
// written by this package contains.
const (
	// BlockSize is the fixed size, in bytes, of every block.
	BlockSize = device.BlockSize

	// Magic identifies a SimpleFS superblock.
	Magic uint32 = 0xf0f03410

	// InodesPerBlock is the number of 32-byte inode records packed into a
	// single inode-table block.
	InodesPerBlock = 128

	// PointersPerInode is the number of direct block pointers carried
	// inline in each inode.
	PointersPerInode = 5

	// PointersPerBlock is the number of block-number entries in an
	// indirect block.
	PointersPerBlock = BlockSize / 4

	// MaxFileSize is the largest size, in bytes, a single inode can hold:
	// all direct pointers plus a full indirect block's worth of pointers.
	MaxFileSize = BlockSize * (PointersPerInode + PointersPerBlock)
)

func init() {
	if InodesPerBlock*inodeSize != BlockSize {
		panic(fmt.Sprintf("simplefs: inode layout invariant broken: %d inodes * %d bytes != %d block size",
			InodesPerBlock, inodeSize, BlockSize))
	}
	if superBlockSize > BlockSize {
		panic(fmt.Sprintf("simplefs: superblock (%d bytes) does not fit in a block (%d bytes)",
			superBlockSize, BlockSize))
	}
	if PointersPerBlock*4 != BlockSize {
		panic("simplefs: indirect block does not pack evenly into a block")
	}
}

// superBlock is the on-disk layout of block 0. The remainder of the block,
// up to BlockSize, is don't-care padding.
type superBlock struct {
	Magic       uint32
	Blocks      uint32
	InodeBlocks uint32
	Inodes      uint32
}

var superBlockSize = binary.Size(superBlock{})

// inode is the 32-byte on-disk inode record.
type inode struct {
	Valid    uint32
	Size     uint32
	Direct   [PointersPerInode]uint32
	Indirect uint32
}

var inodeSize = binary.Size(inode{})

// decodeSuperBlock interprets a raw block as a superBlock.
func decodeSuperBlock(block []byte) (superBlock, error) {
	var sb superBlock
	if err := binary.Read(bytes.NewReader(block[:superBlockSize]), binary.LittleEndian, &sb); err != nil {
		return superBlock{}, fmt.Errorf("simplefs: decode superblock: %w", err)
	}
	return sb, nil
}

// encodeSuperBlock serializes sb into a freshly zeroed block, leaving the
// don't-care tail zero.
func encodeSuperBlock(sb superBlock) ([]byte, error) {
	buf := make([]byte, BlockSize)
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("simplefs: encode superblock: %w", err)
	}
	copy(buf, w.Bytes())
	return buf, nil
}

// decodeInodes interprets a raw inode-table block as InodesPerBlock
// consecutive inode records.
func decodeInodes(block []byte) ([InodesPerBlock]inode, error) {
	var inodes [InodesPerBlock]inode
	r := bytes.NewReader(block)
	for i := range inodes {
		if err := binary.Read(r, binary.LittleEndian, &inodes[i]); err != nil {
			return inodes, fmt.Errorf("simplefs: decode inode slot %d: %w", i, err)
		}
	}
	return inodes, nil
}

// encodeInodes serializes InodesPerBlock inode records into a fresh block.
func encodeInodes(inodes [InodesPerBlock]inode) ([]byte, error) {
	var w bytes.Buffer
	for i := range inodes {
		if err := binary.Write(&w, binary.LittleEndian, inodes[i]); err != nil {
			return nil, fmt.Errorf("simplefs: encode inode slot %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

// decodeIndirect interprets a raw block as PointersPerBlock consecutive
// block numbers.
func decodeIndirect(block []byte) ([PointersPerBlock]uint32, error) {
	var ptrs [PointersPerBlock]uint32
	if err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &ptrs); err != nil {
		return ptrs, fmt.Errorf("simplefs: decode indirect block: %w", err)
	}
	return ptrs, nil
}

// encodeIndirect serializes PointersPerBlock block numbers into a fresh
// block.
func encodeIndirect(ptrs [PointersPerBlock]uint32) ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, ptrs); err != nil {
		return nil, fmt.Errorf("simplefs: encode indirect block: %w", err)
	}
	return w.Bytes(), nil
}

// inodeBlockAndSlot computes the containing inode-table block and slot
// index for inode number n, relative to the inode table's first block
// (block 1).
func inodeBlockAndSlot(n uint32) (block uint32, slot uint32) {
	return 1 + n/InodesPerBlock, n % InodesPerBlock
}
