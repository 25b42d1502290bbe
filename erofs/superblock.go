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
	"hash/crc32"
)

const (
	// SuperBlockMagic is the magic value every well-formed EROFS image
	// carries at SuperBlockOffset.
	SuperBlockMagic = 0xE0F5E1E2
	// SuperBlockOffset is the fixed byte offset of the superblock.
	SuperBlockOffset = 1024

	// InodeSlotBits is the inode slot size in bit-shift form; nid is
	// scaled by this to produce a byte offset within the meta area.
	InodeSlotBits = 5

	// MaxNameLen is the maximum directory entry name length.
	MaxNameLen = 255

	// FeatureCompatSuperBlockChecksum marks that the superblock carries
	// a CRC32C checksum over itself plus the remainder of its block.
	FeatureCompatSuperBlockChecksum = 0x00000001

	// FeatureIncompatSupported lists the incompatible feature bits this
	// driver understands. Any other incompatible bit set rejects the
	// image at open time.
	FeatureIncompatSupported = 0x0
)

// SuperBlock is the fixed 128-byte on-disk image header.
type SuperBlock struct {
	Magic               uint32
	Checksum            uint32
	FeatureCompat       uint32
	BlockSizeBits       uint8
	ExtSlots            uint8
	RootNid             uint16
	Inodes              uint64
	BuildTime           uint64
	BuildTimeNsec       uint32
	Blocks              uint32
	MetaBlockAddr       uint32
	XattrBlockAddr      uint32
	UUID                [16]uint8
	VolumeName          [16]uint8
	FeatureIncompat     uint32
	Union1              uint16
	ExtraDevices        uint16
	DevTableSlotOff     uint16
	DirBlockSizeBits    uint8
	XattrPrefixCount    uint8
	XattrPrefixStart    uint32
	PackedNid           uint64 // TODO: deferred to a compressed-data subsystem outside this driver.
	XattrFilterReserved uint8
	Reserved            [23]uint8
}

// BlockSize returns 1 << BlockSizeBits.
func (sb *SuperBlock) BlockSize() uint64 {
	return 1 << sb.BlockSizeBits
}

// blkpos converts a block number to a byte offset.
func (sb *SuperBlock) blkpos(blk uint32) uint64 {
	return uint64(blk) << sb.BlockSizeBits
}

// blknr converts a byte offset to a block number.
func (sb *SuperBlock) blknr(pos uint64) uint32 {
	return uint32(pos >> sb.BlockSizeBits)
}

// blkoff returns the offset of pos within its enclosing block.
func (sb *SuperBlock) blkoff(pos uint64) uint64 {
	return pos & (sb.BlockSize() - 1)
}

// blkRoundUp returns the number of blocks needed to hold n bytes.
func (sb *SuperBlock) blkRoundUp(n uint64) uint32 {
	return uint32((n + sb.BlockSize() - 1) >> sb.BlockSizeBits)
}

// iloc returns the byte offset of the inode identified by nid.
func (sb *SuperBlock) iloc(nid uint64) uint64 {
	return sb.blkpos(sb.MetaBlockAddr) + (nid << InodeSlotBits)
}

// xattrBlkPos returns the byte offset of the shared xattr region.
func (sb *SuperBlock) xattrBlkPos() uint64 {
	return sb.blkpos(sb.XattrBlockAddr)
}

// Accessor describes the {base, off, len, nr} view of a power-of-two
// sized region containing address, per spec.md §4.3.
type Accessor struct {
	Base uint64
	Off  uint64
	Len  uint64
	Nr   uint64
}

// blkAccess returns the Accessor for the block enclosing address.
func (sb *SuperBlock) blkAccess(address uint64) Accessor {
	mask := sb.BlockSize() - 1
	base := address &^ mask
	off := address & mask
	return Accessor{
		Base: base,
		Off:  off,
		Len:  sb.BlockSize() - off,
		Nr:   address >> sb.BlockSizeBits,
	}
}

// readSuperBlock decodes and validates the superblock at
// SuperBlockOffset, verifying its magic, incompatible feature set, and
// (when present) its CRC32C checksum.
func readSuperBlock(src Backend) (SuperBlock, error) {
	var sb SuperBlock
	buf := make([]byte, binary.Size(sb))
	if err := fillExactDevice(src, buf, 0, SuperBlockOffset); err != nil {
		return SuperBlock{}, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return SuperBlock{}, wrapErrno(EINVAL, "decode superblock: %v", err)
	}
	if sb.Magic != SuperBlockMagic {
		return SuperBlock{}, wrapErrno(EINVAL, "bad superblock magic 0x%x", sb.Magic)
	}
	if bsz := sb.BlockSize(); bsz != 512 && bsz != 1024 && bsz != 2048 && bsz != 4096 {
		return SuperBlock{}, wrapErrno(EINVAL, "invalid block size %d", bsz)
	}
	if incompat := sb.FeatureIncompat &^ uint32(FeatureIncompatSupported); incompat != 0 {
		return SuperBlock{}, wrapErrno(EOPNOTSUPP, "unsupported incompatible features 0x%x", incompat)
	}
	if err := verifyChecksum(src, sb); err != nil {
		return SuperBlock{}, err
	}
	return sb, nil
}

// verifyChecksum verifies the superblock's CRC32C checksum, when the
// image declares it carries one.
func verifyChecksum(src Backend, sb SuperBlock) error {
	if sb.FeatureCompat&FeatureCompatSuperBlockChecksum == 0 {
		return nil
	}

	want := sb.Checksum
	sb.Checksum = 0

	var marshalled bytes.Buffer
	if err := binary.Write(&marshalled, binary.LittleEndian, sb); err != nil {
		return wrapErrno(EINVAL, "marshal superblock for checksum: %v", err)
	}

	table := crc32.MakeTable(crc32.Castagnoli)
	checksum := crc32.Checksum(marshalled.Bytes(), table)

	remaining := int64(sb.BlockSize()) - int64(sb.blkoff(SuperBlockOffset)) - int64(marshalled.Len())
	if remaining > 0 {
		tail := make([]byte, remaining)
		if err := fillExactDevice(src, tail, 0, SuperBlockOffset+int64(marshalled.Len())); err != nil {
			return wrapErrno(EIO, "read superblock checksum tail: %v", err)
		}
		checksum = ^crc32.Update(checksum, table, tail)
	} else {
		checksum = ^checksum
	}

	if checksum != want {
		return wrapErrno(EINVAL, "superblock checksum mismatch: got 0x%x, want 0x%x", checksum, want)
	}
	return nil
}
