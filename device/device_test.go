// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package device_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/lipwei1808/simplefs/device"

	"github.com/stretchr/testify/require"
)

func TestBlockDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	d, err := device.Open(path, 10)
	require.NoError(t, err)

	require.EqualValues(t, 10, d.Blocks())

	want := bytes.Repeat([]byte{0xAB}, device.BlockSize)
	require.NoError(t, d.WriteBlock(3, want))

	got := make([]byte, device.BlockSize)
	require.NoError(t, d.ReadBlock(3, got))
	require.Equal(t, want, got)

	// Untouched blocks read back as zero.
	zero := make([]byte, device.BlockSize)
	got = make([]byte, device.BlockSize)
	require.NoError(t, d.ReadBlock(0, got))
	require.Equal(t, zero, got)

	stats, err := d.Close()
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Reads)
	require.EqualValues(t, 1, stats.Writes)
}

func TestBlockDeviceRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	d, err := device.Open(path, 4)
	require.NoError(t, err)

	buf := make([]byte, device.BlockSize)
	require.ErrorIs(t, d.ReadBlock(4, buf), device.ErrOutOfRange)
	require.ErrorIs(t, d.WriteBlock(100, buf), device.ErrOutOfRange)

	_, err = d.Close()
	require.NoError(t, err)
}

func TestBlockDeviceRejectsWrongSizedBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	d, err := device.Open(path, 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = d.Close()
	})

	require.ErrorIs(t, d.ReadBlock(0, make([]byte, 10)), device.ErrWrongLength)
	require.ErrorIs(t, d.WriteBlock(0, nil), device.ErrWrongLength)
}

func TestBlockDeviceRejectsZeroBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	_, err := device.Open(path, 0)
	require.Error(t, err)
}
