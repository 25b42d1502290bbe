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
	"io/fs"
)

// Format bit layout, per spec.md §3/§9: a packed 16-bit word decoded
// by shift-and-mask, never by relying on platform structure-packing.
const (
	formatVersionBit  = 0
	formatVersionBits = 1

	formatLayoutBit  = 1
	formatLayoutBits = 3
)

// Inode version tags (Format's version bit).
const (
	InodeCompact  InodeVariant = 0
	InodeExtended InodeVariant = 1
)

// Inode data layouts (Format's 3-bit layout field), in the order the
// canonical EROFS on-disk format assigns them.
const (
	LayoutFlatPlain             uint8 = 0
	LayoutFlatCompressionLegacy uint8 = 1
	LayoutFlatInline            uint8 = 2
	LayoutFlatCompression       uint8 = 3
	LayoutChunkBased            uint8 = 4
)

// InodeVariant distinguishes the compact (32-byte) and extended
// (64-byte) on-disk inode records.
type InodeVariant uint8

// Format is the derived view over an inode's raw 16-bit format word.
type Format uint16

func bitRange(value uint16, bit, bits int) uint16 {
	return (value >> bit) & ((1 << bits) - 1)
}

// Variant returns whether this is a compact or extended inode.
func (f Format) Variant() InodeVariant {
	return InodeVariant(bitRange(uint16(f), formatVersionBit, formatVersionBits))
}

// Layout returns the 3-bit data layout field.
func (f Format) Layout() uint8 {
	return uint8(bitRange(uint16(f), formatLayoutBit, formatLayoutBits))
}

// ChunkFormat is the 16-bit chunk descriptor carried in a chunk-based
// inode's i_u bytes: a 5-bit chunkbits field plus an indirect-index
// flag bit.
type ChunkFormat uint16

const (
	chunkFormatBlkBitsMask = 0x1F
	chunkFormatIndexes     = 0x20
)

// ChunkBits returns the chunk size in bit-shift form, relative to the
// block size (add SuperBlock.BlockSizeBits to get the absolute shift).
func (c ChunkFormat) ChunkBits() uint8 {
	return uint8(c) & chunkFormatBlkBitsMask
}

// IsChunkIndex reports whether chunk slots are 8-byte ChunkIndex
// records (true) or legacy 4-byte block addresses (false).
func (c ChunkFormat) IsChunkIndex() bool {
	return uint16(c)&chunkFormatIndexes != 0
}

// SpecKind tags the variant carried by Spec.
type SpecKind uint8

const (
	SpecUnknown SpecKind = iota
	SpecRawBlk
	SpecChunk
	SpecCompressed
)

// Spec is the data locator derived from an inode's i_u bytes and data
// layout (spec.md §3's Spec entity).
type Spec struct {
	Kind  SpecKind
	Value uint32      // RawBlk/Compressed: a block address.
	Chunk ChunkFormat // valid when Kind == SpecChunk.
}

// specFromLayout derives Spec from the raw i_u bytes and data layout,
// per spec.md §4.5.
func specFromLayout(iu [4]byte, layout uint8) Spec {
	switch layout {
	case LayoutFlatPlain, LayoutFlatInline:
		return Spec{Kind: SpecRawBlk, Value: binary.LittleEndian.Uint32(iu[:])}
	case LayoutChunkBased:
		return Spec{Kind: SpecChunk, Chunk: ChunkFormat(binary.LittleEndian.Uint16(iu[0:2]))}
	case LayoutFlatCompression, LayoutFlatCompressionLegacy:
		return Spec{Kind: SpecCompressed, Value: binary.LittleEndian.Uint32(iu[:])}
	default:
		return Spec{Kind: SpecUnknown}
	}
}

// InodeInfo is the materialized, in-memory view of one on-disk inode
// (spec.md §3's InodeInfo entity).
type InodeInfo struct {
	Nid     uint64
	Variant InodeVariant
	Format  Format

	Mode  uint16
	Size  uint64
	Nlink uint32
	UID   uint32
	GID   uint32
	Ino   uint32

	// Mtime/MtimeNsec are the image build time for compact inodes,
	// which carry no per-inode timestamp.
	Mtime     uint64
	MtimeNsec uint32

	XattrICount uint16

	iu [4]byte

	// off is the byte offset of this inode's record (iloc(Nid));
	// inodeSize is 32 or 64 depending on Variant. Both are needed to
	// locate inline data/xattrs, which immediately follow the record.
	off       uint64
	inodeSize uint64
}

// Spec returns this inode's data locator.
func (ino *InodeInfo) Spec() Spec {
	return specFromLayout(ino.iu, ino.Format.Layout())
}

// Layout returns this inode's data layout.
func (ino *InodeInfo) Layout() uint8 {
	return ino.Format.Layout()
}

// XattrSize returns the byte size of this inode's xattr summary +
// shared-index vector, per spec.md §3's invariant.
func (ino *InodeInfo) XattrSize() uint64 {
	if ino.XattrICount == 0 {
		return 0
	}
	return xattrSharedSummarySize + 4*uint64(ino.XattrICount-1)
}

// InodeSize returns 32 or 64, the on-disk size of this inode's record.
func (ino *InodeInfo) InodeSize() uint64 {
	return ino.inodeSize
}

// Offset returns iloc(Nid), the byte offset of this inode's record.
func (ino *InodeInfo) Offset() uint64 {
	return ino.off
}

// Mode bit helpers, mirroring the standard POSIX S_IF* constants.
func (ino *InodeInfo) IsRegular() bool  { return ino.Mode&S_IFMT == S_IFREG }
func (ino *InodeInfo) IsDir() bool      { return ino.Mode&S_IFMT == S_IFDIR }
func (ino *InodeInfo) IsCharDev() bool  { return ino.Mode&S_IFMT == S_IFCHR }
func (ino *InodeInfo) IsBlockDev() bool { return ino.Mode&S_IFMT == S_IFBLK }
func (ino *InodeInfo) IsFIFO() bool     { return ino.Mode&S_IFMT == S_IFIFO }
func (ino *InodeInfo) IsSocket() bool   { return ino.Mode&S_IFMT == S_IFSOCK }
func (ino *InodeInfo) IsSymlink() bool  { return ino.Mode&S_IFMT == S_IFLNK }

// FileMode converts the on-disk mode bits to an fs.FileMode.
func (ino *InodeInfo) FileMode() fs.FileMode {
	mode := fs.FileMode(ino.Mode) & fs.ModePerm

	switch {
	case ino.IsDir():
		mode |= fs.ModeDir
	case ino.IsCharDev():
		mode |= fs.ModeCharDevice
	case ino.IsBlockDev():
		mode |= fs.ModeDevice
	case ino.IsFIFO():
		mode |= fs.ModeNamedPipe
	case ino.IsSocket():
		mode |= fs.ModeSocket
	case ino.IsSymlink():
		mode |= fs.ModeSymlink
	}

	return mode
}

// raw on-disk inode records, decoded by shift-and-mask via
// binary.Read rather than relying on Go struct packing matching the
// C layout (it happens to, here, but the intent is explicit).
type compactInodeRaw struct {
	Format      uint16
	XattrICount uint16
	Mode        uint16
	Nlink       uint16
	Size        uint32
	Reserved    uint32
	IU          [4]byte
	Ino         uint32
	UID         uint16
	GID         uint16
	Reserved2   uint32
}

type extendedInodeRaw struct {
	Format      uint16
	XattrICount uint16
	Mode        uint16
	Reserved    uint16
	Size        uint64
	IU          [4]byte
	Ino         uint32
	UID         uint32
	GID         uint32
	Mtime       uint64
	MtimeNsec   uint32
	Nlink       uint32
	Reserved2   [16]byte
}

const (
	compactInodeSize  = 32
	extendedInodeSize = 64
)

// readInodeInfo decodes the inode identified by nid from the meta
// region, per spec.md §4.5.
func readInodeInfo(b Backend, sb *SuperBlock, nid uint64) (InodeInfo, error) {
	off := int64(sb.iloc(nid))
	if off&((1<<InodeSlotBits)-1) != 0 {
		return InodeInfo{}, wrapErrno(EINVAL, "inode %d offset %d is not slot-aligned", nid, off)
	}

	var formatBuf [2]byte
	if err := fillExactDevice(b, formatBuf[:], 0, off); err != nil {
		return InodeInfo{}, wrapErrno(EIO, "read format word for inode %d: %v", nid, err)
	}
	format := Format(binary.LittleEndian.Uint16(formatBuf[:]))

	info := InodeInfo{Nid: nid, Format: format, Variant: format.Variant(), off: sb.iloc(nid)}

	switch info.Variant {
	case InodeCompact:
		buf := make([]byte, compactInodeSize)
		if err := fillExactDevice(b, buf, 0, off); err != nil {
			return InodeInfo{}, wrapErrno(EIO, "read compact inode %d: %v", nid, err)
		}
		var raw compactInodeRaw
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
			return InodeInfo{}, wrapErrno(EINVAL, "decode compact inode %d: %v", nid, err)
		}

		info.XattrICount = raw.XattrICount
		info.Mode = raw.Mode
		info.Nlink = uint32(raw.Nlink)
		info.Size = uint64(raw.Size)
		info.iu = raw.IU
		info.Ino = raw.Ino
		info.UID = uint32(raw.UID)
		info.GID = uint32(raw.GID)
		info.Mtime = sb.BuildTime
		info.MtimeNsec = sb.BuildTimeNsec
		info.inodeSize = compactInodeSize

	case InodeExtended:
		buf := make([]byte, extendedInodeSize)
		if err := fillExactDevice(b, buf, 0, off); err != nil {
			return InodeInfo{}, wrapErrno(EIO, "read extended inode %d: %v", nid, err)
		}
		var raw extendedInodeRaw
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
			return InodeInfo{}, wrapErrno(EINVAL, "decode extended inode %d: %v", nid, err)
		}

		info.XattrICount = raw.XattrICount
		info.Mode = raw.Mode
		info.Nlink = raw.Nlink
		info.Size = raw.Size
		info.iu = raw.IU
		info.Ino = raw.Ino
		info.UID = raw.UID
		info.GID = raw.GID
		info.Mtime = raw.Mtime
		info.MtimeNsec = raw.MtimeNsec
		info.inodeSize = extendedInodeSize

	default:
		return InodeInfo{}, wrapErrno(EOPNOTSUPP, "unknown inode version at nid %d", nid)
	}

	return info, nil
}
