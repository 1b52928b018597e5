// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package simplefs

import "errors"

var (
	// ErrBadMagic is returned by Mount when the superblock's magic number
	// does not match Magic.
	ErrBadMagic = errors.New("simplefs: superblock magic mismatch")

	// ErrNotMounted is returned by any operation on a handle that has not
	// been mounted, and by Unmount on a handle that is not mounted.
	ErrNotMounted = errors.New("simplefs: filesystem is not mounted")

	// ErrAlreadyMounted is returned by Mount when called on a handle that
	// is already mounted.
	ErrAlreadyMounted = errors.New("simplefs: filesystem is already mounted")

	// ErrNotFound is returned when an inode number is out of range or
	// refers to a slot with valid == 0.
	ErrNotFound = errors.New("simplefs: inode not found")

	// ErrOutOfInodes is returned by Create when the inode table has no
	// free slot.
	ErrOutOfInodes = errors.New("simplefs: no free inode")

	// ErrInvalidArgument is returned for malformed arguments rejected
	// before any I/O is attempted.
	ErrInvalidArgument = errors.New("simplefs: invalid argument")
)
