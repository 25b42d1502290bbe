// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package erofs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceMask(t *testing.T) {
	for _, tc := range []struct {
		count int
		want  uint16
	}{
		{0, 0},
		{1, 1},
		{2, 3},
		{3, 3},
		{4, 7},
		{5, 7},
		{8, 15},
	} {
		require.Equal(t, tc.want, deviceMask(tc.count), "count=%d", tc.count)
	}
}

func TestResolveDeviceID(t *testing.T) {
	dt := DeviceTable{Mask: deviceMask(3), Specs: make([]DeviceSpec, 3)}
	require.Equal(t, uint16(3), dt.Mask)
	require.Equal(t, uint16(1), dt.resolveDeviceID(1))
	require.Equal(t, uint16(1), dt.resolveDeviceID(5)) // 5 & 3 == 1
	require.Equal(t, uint16(0), dt.resolveDeviceID(4)) // 4 & 3 == 0
}

func TestReadDeviceTableEmpty(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	dt, err := readDeviceTable(newFileBackend(nil), &sb)
	require.NoError(t, err)
	require.Zero(t, dt.Mask)
	require.Empty(t, dt.Specs)
}
