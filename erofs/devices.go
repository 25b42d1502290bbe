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
	"bytes"
	"encoding/binary"
	"math/bits"
)

// deviceSlotSize is the on-disk size of one device table slot.
const deviceSlotSize = 128

// deviceSlot is the raw 128-byte on-disk device table entry.
type deviceSlot struct {
	Tag          [64]uint8
	Blocks       uint32
	MappedBlocks uint32
	Reserved     [56]uint8
}

// DeviceSpec describes one extra device referenced by chunk entries.
type DeviceSpec struct {
	// Tag is the device's opaque identifying tag, NUL-padded to 64
	// bytes on disk.
	Tag [64]byte
	// Blocks is the device's total block count.
	Blocks uint32
	// MappedBlocks is the number of blocks mapped from this device
	// into the logical image address space.
	MappedBlocks uint32
}

// DeviceTable holds the image's extra device table, used to resolve a
// (device-id, block) pair to a physical byte range (spec.md §4.4).
type DeviceTable struct {
	// Mask is next-power-of-two-minus-one of len(Specs), applied to a
	// chunk index's raw device id before indexing into Specs.
	Mask uint16
	Specs []DeviceSpec
}

// readDeviceTable decodes the extra-device slot array starting at
// sb.DevTableSlotOff * 128 bytes, for sb.ExtraDevices slots.
func readDeviceTable(b Backend, sb *SuperBlock) (DeviceTable, error) {
	if sb.ExtraDevices == 0 {
		return DeviceTable{}, nil
	}

	base := int64(sb.DevTableSlotOff) * deviceSlotSize
	specs := make([]DeviceSpec, 0, sb.ExtraDevices)

	buf := make([]byte, deviceSlotSize)
	for i := 0; i < int(sb.ExtraDevices); i++ {
		if err := fillExactDevice(b, buf, 0, base+int64(i)*deviceSlotSize); err != nil {
			return DeviceTable{}, wrapErrno(EIO, "read device slot %d: %v", i, err)
		}

		var slot deviceSlot
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &slot); err != nil {
			return DeviceTable{}, wrapErrno(EINVAL, "decode device slot %d: %v", i, err)
		}

		specs = append(specs, DeviceSpec{
			Tag:          slot.Tag,
			Blocks:       slot.Blocks,
			MappedBlocks: slot.MappedBlocks,
		})
	}

	return DeviceTable{
		Mask:  deviceMask(len(specs)),
		Specs: specs,
	}, nil
}

// deviceMask returns (1 << ceil_log2(count+1)) - 1, or 0 when count is
// zero, per spec.md §4.4.
func deviceMask(count int) uint16 {
	if count == 0 {
		return 0
	}
	bitsNeeded := bits.Len(uint(count))
	return uint16(1<<bitsNeeded) - 1
}

// resolveDeviceID masks a raw chunk device id against the table's mask
// before it is used to index DeviceTable.Specs.
func (dt *DeviceTable) resolveDeviceID(raw uint16) uint16 {
	return raw & dt.Mask
}
