// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package erofs_test's fixture builder hand-assembles a minimal
// well-formed EROFS image byte-for-byte, in lieu of a real image
// produced by a reference authoring tool. It duplicates just enough
// of the on-disk wire format (independently of the erofs package's
// unexported decode types) to drive the public Filesystem API
// end-to-end.
package erofs_test

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/go-erofs/erofs/erofs"
)

const fixtureBlockSize = 512

// rawCompactInode mirrors the 32-byte on-disk compact inode record.
type rawCompactInode struct {
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

func formatWord(layout uint8) uint16 {
	return uint16(layout) << 1 // compact variant (version bit 0)
}

// imageBuilder assembles a flat EROFS image: a data region of whole
// blocks (directory blocks, chunk payload blocks) followed by a meta
// region of densely-packed 32-byte-aligned inode records.
type imageBuilder struct {
	startBlock uint32
	data       []byte
	meta       []byte
}

func newImageBuilder() *imageBuilder {
	return &imageBuilder{startBlock: 3} // blocks 0-1 padding, block 2 the superblock
}

// addDataBlock appends content as one whole block-aligned block,
// returning its block address.
func (b *imageBuilder) addDataBlock(content []byte) uint32 {
	blk := b.startBlock + uint32(len(b.data))/fixtureBlockSize
	padded := make([]byte, fixtureBlockSize)
	copy(padded, content)
	b.data = append(b.data, padded...)
	return blk
}

// peekNid returns the nid that the next addInode call will assign.
func (b *imageBuilder) peekNid() uint64 {
	return uint64(len(b.meta)) / 32
}

// addInode appends one inode record plus any trailing meta bytes
// (inline xattrs, inline tail data, chunk index slots), padding the
// meta region out to the next 32-byte slot boundary, and returns the
// nid assigned to it.
func (b *imageBuilder) addInode(record, trailing []byte) uint64 {
	nid := b.peekNid()
	b.meta = append(b.meta, record...)
	b.meta = append(b.meta, trailing...)
	if pad := (32 - len(b.meta)%32) % 32; pad > 0 {
		b.meta = append(b.meta, make([]byte, pad)...)
	}
	return nid
}

// finish assembles the full image, stamping sb.MetaBlockAddr from the
// final layout and writing sb at SuperBlockOffset.
func (b *imageBuilder) finish(sb rawSuperBlock) []byte {
	sb.MetaBlockAddr = b.startBlock + uint32(len(b.data))/fixtureBlockSize
	sb.Blocks = sb.MetaBlockAddr + uint32(len(b.meta)+fixtureBlockSize-1)/fixtureBlockSize

	var sbBuf bytes.Buffer
	if err := binary.Write(&sbBuf, binary.LittleEndian, sb); err != nil {
		panic(err)
	}
	if sbBuf.Len() != 128 {
		panic("superblock must marshal to exactly 128 bytes")
	}

	image := make([]byte, 1024)
	image = append(image, sbBuf.Bytes()...)
	image = append(image, make([]byte, fixtureBlockSize-sbBuf.Len())...)
	image = append(image, b.data...)
	image = append(image, b.meta...)
	return image
}

// rawSuperBlock mirrors erofs.SuperBlock's 128-byte on-disk layout.
type rawSuperBlock struct {
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
	PackedNid           uint64
	XattrFilterReserved uint8
	Reserved            [23]uint8
}

type fixtureDirent struct {
	nid      uint64
	fileType uint8
	name     string
}

// buildDirBlock lays out entries (sorted) as one directory block's
// dirent table plus name table; the caller is responsible for sizing
// an inode's Size to the meaningful prefix returned here.
func buildDirBlock(entries []fixtureDirent) []byte {
	sorted := append([]fixtureDirent{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	const direntSize = 12
	nameOff := uint16(len(sorted) * direntSize)

	var buf bytes.Buffer
	buf.Grow(int(nameOff))
	var names bytes.Buffer
	for _, e := range sorted {
		var rec [direntSize]byte
		binary.LittleEndian.PutUint64(rec[0:8], e.nid)
		binary.LittleEndian.PutUint16(rec[8:10], nameOff)
		rec[10] = e.fileType
		buf.Write(rec[:])
		names.WriteString(e.name)
		nameOff += uint16(len(e.name))
	}
	buf.Write(names.Bytes())
	return buf.Bytes()
}

// xattrPrefixUser is the real-prefix index for the fixed "user." xattr
// namespace, per erofs.xattrPrefixes's canonical ordering.
const xattrPrefixUser = 1

func buildInlineXattrEntry(nameIndex uint8, suffix, value string) []byte {
	const headerSize = 4
	var header [headerSize]byte
	header[0] = uint8(len(suffix))
	header[1] = nameIndex
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(value)))

	var buf bytes.Buffer
	buf.Write(header[:])
	buf.WriteString(suffix)
	buf.WriteString(value)

	consumed := headerSize - headerSize + len(suffix) + len(value) // suffix+value only
	if pad := (4 - consumed%4) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return buf.Bytes()
}

// buildXattrSharedSummary returns the 12-byte XAttrSharedEntrySummary
// with no shared (image-wide) entries, only inline ones.
func buildXattrSharedSummary() []byte {
	return make([]byte, 12)
}

type chunkEntry struct {
	blkAddr uint32
}

func buildChunkIndexSlots(entries []chunkEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		var rec [8]byte
		binary.LittleEndian.PutUint16(rec[0:2], 0) // advise
		binary.LittleEndian.PutUint16(rec[2:4], 0) // device id (primary)
		binary.LittleEndian.PutUint32(rec[4:8], e.blkAddr)
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// fixtureImage builds a small, fully self-consistent EROFS image: a
// root directory containing a flat-inline regular file, a flat-inline
// symlink, and a chunk-indexed regular file carrying one inline xattr.
func fixtureImage() (image []byte, helloContent, bigContent []byte) {
	b := newImageBuilder()

	helloContent = []byte("hello from a hand-built erofs fixture\n")
	linkTarget := []byte("hello.txt")

	// big.bin: two chunks of the chunk-indexed sub-layout, chunk size
	// equal to the block size (chunkbits 0).
	const bigSize = 700
	chunk0 := bytes.Repeat([]byte{0xAB}, fixtureBlockSize)
	chunk1Meaningful := bytes.Repeat([]byte{0xCD}, bigSize-fixtureBlockSize)
	bigContent = append(append([]byte{}, chunk0...), chunk1Meaningful...)

	chunk0Blk := b.addDataBlock(chunk0)
	chunk1Blk := b.addDataBlock(append(append([]byte{}, chunk1Meaningful...), make([]byte, fixtureBlockSize-len(chunk1Meaningful))...))

	helloNid := b.addInode(encodeCompactInode(formatWord(2 /* FlatInline */), erofs.S_IFREG|0o644, 1, uint32(len(helloContent)), [4]byte{}, 100), helloContent)
	linkNid := b.addInode(encodeCompactInode(formatWord(2 /* FlatInline */), erofs.S_IFLNK|0o777, 1, uint32(len(linkTarget)), [4]byte{}, 101), linkTarget)

	xattrEntry := buildInlineXattrEntry(xattrPrefixUser, "note", "chunked file")
	xattrBytes := append(buildXattrSharedSummary(), xattrEntry...)
	chunkFormatWord := uint16(0x0020) // indexed, chunkbits 0
	var bigIU [4]byte
	binary.LittleEndian.PutUint16(bigIU[0:2], chunkFormatWord)
	chunkSlots := buildChunkIndexSlots([]chunkEntry{{blkAddr: chunk0Blk}, {blkAddr: chunk1Blk}})
	// XattrSize() = 12 (summary) + 4*(XattrICount-1), so ICount must be
	// derived from the entry region alone, not the summary+entry total.
	xattrICount := uint16(len(xattrEntry)/4) + 1
	bigRecord := encodeCompactInodeWithXattr(formatWord(4 /* ChunkBased */), erofs.S_IFREG|0o644, 1, bigSize, bigIU, 102, xattrICount)
	bigNid := b.addInode(bigRecord, append(xattrBytes, chunkSlots...))

	rootNid := b.peekNid()
	dirBytes := buildDirBlock([]fixtureDirent{
		{rootNid, erofs.FT_DIR, "."},
		{rootNid, erofs.FT_DIR, ".."},
		{bigNid, erofs.FT_REG_FILE, "big.bin"},
		{helloNid, erofs.FT_REG_FILE, "hello.txt"},
		{linkNid, erofs.FT_SYMLINK, "link"},
	})
	dirBlk := b.addDataBlock(dirBytes)

	var rootIU [4]byte
	binary.LittleEndian.PutUint32(rootIU[:], dirBlk)
	rootRecord := encodeCompactInode(formatWord(0 /* FlatPlain */), erofs.S_IFDIR|0o755, 2, uint32(len(dirBytes)), rootIU, 1)
	gotRootNid := b.addInode(rootRecord, nil)
	if gotRootNid != rootNid {
		panic("root nid prediction drifted from actual assignment")
	}

	sb := rawSuperBlock{
		Magic:            0xE0F5E1E2,
		BlockSizeBits:    9,
		RootNid:          uint16(rootNid),
		DirBlockSizeBits: 9,
		BuildTime:        1700000000,
	}
	return b.finish(sb), helloContent, bigContent
}

func encodeCompactInode(format uint16, mode uint16, nlink uint16, size uint32, iu [4]byte, ino uint32) []byte {
	return encodeCompactInodeWithXattr(format, mode, nlink, size, iu, ino, 0)
}

func encodeCompactInodeWithXattr(format uint16, mode uint16, nlink uint16, size uint32, iu [4]byte, ino uint32, xattrICount uint16) []byte {
	raw := rawCompactInode{
		Format:      format,
		XattrICount: xattrICount,
		Mode:        mode,
		Nlink:       nlink,
		Size:        size,
		IU:          iu,
		Ino:         ino,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, raw); err != nil {
		panic(err)
	}
	if buf.Len() != 32 {
		panic("compact inode must marshal to exactly 32 bytes")
	}
	return buf.Bytes()
}
