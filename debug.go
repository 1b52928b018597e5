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
	"strings"
)

// InodeInfo is one valid inode's entry in a DebugInfo dump.
type InodeInfo struct {
	Number       uint32
	Size         uint32
	DirectBlocks int // count of non-zero direct pointers
}

// DebugInfo is a structured snapshot of a mounted filesystem's superblock
// and valid inodes, the data behind the human-readable dump described for
// fs_debug. It is a struct (not only text) so tests can assert on it
// directly; String formats it the way a debug CLI command would.
type DebugInfo struct {
	MagicValid  bool
	Blocks      uint32
	InodeBlocks uint32
	Inodes      uint32
	ValidInodes []InodeInfo
}

func (d DebugInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "magic: %s\n", validOrNot(d.MagicValid))
	fmt.Fprintf(&b, "blocks: %d\n", d.Blocks)
	fmt.Fprintf(&b, "inode blocks: %d\n", d.InodeBlocks)
	fmt.Fprintf(&b, "inodes: %d\n", d.Inodes)
	for _, ino := range d.ValidInodes {
		fmt.Fprintf(&b, "inode %d: size %d, %d direct blocks\n", ino.Number, ino.Size, ino.DirectBlocks)
	}
	return b.String()
}

func validOrNot(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}

// Debug returns a structured dump of the mounted filesystem's superblock
// and every valid inode.
func (fs *FileSystem) Debug() (DebugInfo, error) {
	if !fs.mounted {
		return DebugInfo{}, ErrNotMounted
	}

	info := DebugInfo{
		MagicValid:  fs.sb.Magic == Magic,
		Blocks:      fs.sb.Blocks,
		InodeBlocks: fs.sb.InodeBlocks,
		Inodes:      fs.sb.Inodes,
	}

	buf := make([]byte, BlockSize)
	for b := uint32(1); b <= fs.sb.InodeBlocks; b++ {
		if err := fs.dev.ReadBlock(b, buf); err != nil {
			return DebugInfo{}, fmt.Errorf("simplefs: debug: %w", err)
		}

		inodes, err := decodeInodes(buf)
		if err != nil {
			return DebugInfo{}, fmt.Errorf("simplefs: debug: %w", err)
		}

		for slot, ino := range inodes {
			if ino.Valid == 0 {
				continue
			}

			direct := 0
			for _, p := range ino.Direct {
				if p != 0 {
					direct++
				}
			}

			info.ValidInodes = append(info.ValidInodes, InodeInfo{
				Number:       (b-1)*InodesPerBlock + uint32(slot),
				Size:         ino.Size,
				DirectBlocks: direct,
			})
		}
	}

	return info, nil
}
