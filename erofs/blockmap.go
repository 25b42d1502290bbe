// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package erofs

import "encoding/binary"

// MapKind distinguishes a Map referring to a regular data block from
// one referring to bytes inside an inode's own metadata record.
type MapKind uint8

const (
	MapNormal MapKind = iota
	MapMeta
)

// AddressRange is a (start, len) byte span, used for both the
// logical and physical halves of a Map.
type AddressRange struct {
	Start uint64
	Len   uint64
}

// Map is the logical-to-physical translation of one inode extent,
// per spec.md §3/§4.6.
type Map struct {
	Logical  AddressRange
	Physical AddressRange
	DeviceID uint16
	Kind     MapKind
}

const chunkIndexSize = 8 // {advise: u16, device_id: u16, blkaddr: u32}

// chunkIndex is the raw 8-byte on-disk chunk slot used when
// ChunkFormat.IsChunkIndex() is set.
type chunkIndex struct {
	Advise   uint16
	DeviceID uint16
	BlkAddr  uint32
}

const chunkHole = 0xFFFFFFFF

func roundUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

// computeMap translates (info, offset) to a physical Map, dispatching
// on the inode's data layout (spec.md §4.6).
func computeMap(b Backend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo, offset uint64) (Map, error) {
	switch info.Layout() {
	case LayoutFlatPlain, LayoutFlatInline:
		return flatmap(sb, info, offset)
	case LayoutChunkBased:
		return chunkMap(b, sb, dt, info, offset)
	default:
		return Map{}, wrapErrno(EOPNOTSUPP, "inode %d: unsupported data layout %d", info.Nid, info.Layout())
	}
}

// flatmap handles the FlatPlain and FlatInline data layouts, per
// spec.md §4.6 and original_source/erofs-sys's data.rs `flatmap`.
func flatmap(sb *SuperBlock, info *InodeInfo, offset uint64) (Map, error) {
	spec := info.Spec()
	if spec.Kind != SpecRawBlk {
		return Map{}, wrapErrno(EUCLEAN, "inode %d: flat layout without a raw block spec", info.Nid)
	}

	inline := info.Layout() == LayoutFlatInline
	nblocks := uint64(sb.blkRoundUp(info.Size))
	lastblk := nblocks
	if inline {
		lastblk--
	}

	if offset < sb.blkpos(uint32(lastblk)) {
		length := sb.blkpos(uint32(lastblk)) - offset
		if fileEnd := info.Size; offset+length > fileEnd {
			length = fileEnd - offset
		}
		return Map{
			Logical:  AddressRange{Start: offset, Len: length},
			Physical: AddressRange{Start: sb.blkpos(spec.Value) + offset, Len: length},
			Kind:     MapNormal,
		}, nil
	}

	if !inline {
		return Map{}, wrapErrno(EUCLEAN, "inode %d: offset %d beyond flat-plain extent", info.Nid, offset)
	}

	length := info.Size - offset
	return Map{
		Logical: AddressRange{Start: offset, Len: length},
		Physical: AddressRange{
			Start: info.Offset() + info.InodeSize() + info.XattrSize() + sb.blkoff(offset),
			Len:   length,
		},
		Kind: MapMeta,
	}, nil
}

// chunkMap handles the ChunkBased data layout's two sub-layouts
// (8-byte indexed chunk slots and legacy 4-byte compact slots), per
// spec.md §4.6.
func chunkMap(b Backend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo, offset uint64) (Map, error) {
	spec := info.Spec()
	if spec.Kind != SpecChunk {
		return Map{}, wrapErrno(EUCLEAN, "inode %d: chunk layout without a chunk spec", info.Nid)
	}

	chunkBits := uint64(spec.Chunk.ChunkBits()) + uint64(sb.BlockSizeBits)
	chunknr := offset >> chunkBits
	chunkoff := offset & ((1 << chunkBits) - 1)

	metaBase := info.Offset() + info.InodeSize() + info.XattrSize()

	if spec.Chunk.IsChunkIndex() {
		slotOff := roundUp(metaBase+chunkIndexSize*chunknr, chunkIndexSize)
		buf := make([]byte, chunkIndexSize)
		if err := fillExactDevice(b, buf, 0, int64(slotOff)); err != nil {
			return Map{}, wrapErrno(EIO, "inode %d: read chunk index %d: %v", info.Nid, chunknr, err)
		}

		idx := chunkIndex{
			Advise:   binary.LittleEndian.Uint16(buf[0:2]),
			DeviceID: binary.LittleEndian.Uint16(buf[2:4]),
			BlkAddr:  binary.LittleEndian.Uint32(buf[4:8]),
		}
		if idx.BlkAddr == chunkHole {
			return Map{}, wrapErrno(EUCLEAN, "inode %d: chunk %d is a hole", info.Nid, chunknr)
		}

		length := uint64(1) << chunkBits
		if offset+length > info.Size {
			length = info.Size - offset
		}

		deviceID := idx.DeviceID
		if dt != nil {
			deviceID = dt.resolveDeviceID(deviceID)
		}

		return Map{
			Logical:  AddressRange{Start: offset, Len: length},
			Physical: AddressRange{Start: sb.blkpos(idx.BlkAddr) + chunkoff, Len: length},
			DeviceID: deviceID,
			Kind:     MapNormal,
		}, nil
	}

	// Legacy compact chunk: a bare 4-byte little-endian block address.
	const legacySlotSize = 4
	slotOff := roundUp(metaBase+legacySlotSize*chunknr, legacySlotSize)
	buf := make([]byte, legacySlotSize)
	if err := fillExactDevice(b, buf, 0, int64(slotOff)); err != nil {
		return Map{}, wrapErrno(EIO, "inode %d: read legacy chunk %d: %v", info.Nid, chunknr, err)
	}
	blkaddr := binary.LittleEndian.Uint32(buf)
	if blkaddr == chunkHole {
		return Map{}, wrapErrno(EUCLEAN, "inode %d: chunk %d is a hole", info.Nid, chunknr)
	}

	length := uint64(1) << chunkBits
	if offset+length > info.Size {
		length = info.Size - offset
	}

	return Map{
		Logical:  AddressRange{Start: offset, Len: length},
		Physical: AddressRange{Start: sb.blkpos(blkaddr) + chunkoff, Len: length},
		Kind:     MapNormal,
	}, nil
}
