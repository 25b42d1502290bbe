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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeXattrEntry appends one on-disk xattr entry (header + suffix +
// value + 4-byte alignment padding) to buf, mirroring the layout
// getEntryHeader/skipXattrValue expect.
func writeXattrEntry(buf *bytes.Buffer, nameIndex uint8, suffix, value []byte) {
	var header [xattrEntryHeaderSize]byte
	header[0] = uint8(len(suffix))
	header[1] = nameIndex
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(value)))
	buf.Write(header[:])
	buf.Write(suffix)
	buf.Write(value)

	consumed := uint64(len(suffix) + len(value))
	if pad := roundUp(consumed, xattrEntryHeaderSize) - consumed; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func twoEntryInlineRegion() ([]byte, []XAttrInfix) {
	var buf bytes.Buffer
	writeXattrEntry(&buf, 1, []byte("note"), []byte("hi")) // short prefix "user."
	writeXattrEntry(&buf, 0x80|0, []byte("bar"), []byte("V"))

	infixes := []XAttrInfix{{PrefixIndex: 1, Name: []byte("xdg.")}}
	return buf.Bytes(), infixes
}

func TestQueryXattrValueShortPrefixMatch(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	region, infixes := twoEntryInlineRegion()

	sci, err := newSkippableContinuousIter(newContinuousIter(newFileBackend(bytes.NewReader(region)), &sb, 0, uint64(len(region))))
	require.NoError(t, err)

	header, err := sci.getEntryHeader()
	require.NoError(t, err)

	val, err := sci.queryXattrValue(infixes, header, []byte("note"), 1, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), val.Data)
}

func TestQueryXattrValueMismatchSkipsToNextEntry(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	region, infixes := twoEntryInlineRegion()

	sci, err := newSkippableContinuousIter(newContinuousIter(newFileBackend(bytes.NewReader(region)), &sb, 0, uint64(len(region))))
	require.NoError(t, err)

	header, err := sci.getEntryHeader()
	require.NoError(t, err)

	_, err = sci.queryXattrValue(infixes, header, []byte("zzzz"), 1, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ENODATA))

	// The mismatch must have left the stream positioned exactly at the
	// second entry's header.
	header2, err := sci.getEntryHeader()
	require.NoError(t, err)
	require.Equal(t, uint8(0x80), uint8(header2.NameIndex))
	require.True(t, header2.NameIndex.IsLong())

	val, err := sci.queryXattrValue(infixes, header2, []byte("xdg.bar"), 1, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val.Data)
}

func TestQueryXattrValueRangeError(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	region, infixes := twoEntryInlineRegion()

	sci, err := newSkippableContinuousIter(newContinuousIter(newFileBackend(bytes.NewReader(region)), &sb, 0, uint64(len(region))))
	require.NoError(t, err)

	header, err := sci.getEntryHeader()
	require.NoError(t, err)

	_, err = sci.queryXattrValue(infixes, header, []byte("note"), 1, make([]byte, 1))
	require.Error(t, err)
	require.True(t, errors.Is(err, ERANGE))
}

func TestXattrKeyReconstruction(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	region, infixes := twoEntryInlineRegion()

	sci, err := newSkippableContinuousIter(newContinuousIter(newFileBackend(bytes.NewReader(region)), &sb, 0, uint64(len(region))))
	require.NoError(t, err)

	header, err := sci.getEntryHeader()
	require.NoError(t, err)
	key, err := sci.xattrKey(infixes, header)
	require.NoError(t, err)
	require.Equal(t, "user.note\x00", string(key))
	require.NoError(t, sci.skipXattrValue(header))

	header2, err := sci.getEntryHeader()
	require.NoError(t, err)
	key2, err := sci.xattrKey(infixes, header2)
	require.NoError(t, err)
	require.Equal(t, "user.xdg.bar\x00", string(key2))
}

// buildInlineXattrImage places the two-entry inline region immediately
// after a bare inode record (no shared entries), returning the
// backing image bytes and an InodeInfo describing it.
func buildInlineXattrImage(t *testing.T) ([]byte, *InodeInfo, []XAttrInfix) {
	t.Helper()
	region, infixes := twoEntryInlineRegion()
	require.Zero(t, len(region)%4, "inline region must be a multiple of 4 bytes")

	const inodeSize = compactInodeSize
	const summarySize = xattrSharedSummarySize
	base := uint64(inodeSize + summarySize)

	image := make([]byte, base+uint64(len(region)))
	copy(image[base:], region)

	info := &InodeInfo{
		inodeSize:   inodeSize,
		XattrICount: uint16(len(region)/4) + 1,
	}
	return image, info, infixes
}

func TestGetXattrInline(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	image, info, infixes := buildInlineXattrImage(t)
	b := newFileBackend(bytes.NewReader(image))

	val, err := getXattr(b, &sb, infixes, info, XAttrSharedEntries{}, 1, []byte("note"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), val.Data)

	val, err = getXattr(b, &sb, infixes, info, XAttrSharedEntries{}, 1, []byte("xdg.bar"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("V"), val.Data)

	_, err = getXattr(b, &sb, infixes, info, XAttrSharedEntries{}, 1, []byte("missing"), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ENODATA))
}

func TestListXattrsInline(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	image, info, infixes := buildInlineXattrImage(t)
	b := newFileBackend(bytes.NewReader(image))

	dst := make([]byte, 64)
	n, err := listXattrs(b, &sb, infixes, info, XAttrSharedEntries{}, dst)
	require.NoError(t, err)
	require.Equal(t, "user.note\x00user.xdg.bar\x00", string(dst[:n]))
}

func TestListXattrsRangeError(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	image, info, infixes := buildInlineXattrImage(t)
	b := newFileBackend(bytes.NewReader(image))

	dst := make([]byte, 3)
	_, err := listXattrs(b, &sb, infixes, info, XAttrSharedEntries{}, dst)
	require.Error(t, err)
	require.True(t, errors.Is(err, ERANGE))
}

func TestReadXAttrSharedEntriesNone(t *testing.T) {
	info := &InodeInfo{}
	shared, err := readXAttrSharedEntries(newFileBackend(nil), info)
	require.NoError(t, err)
	require.Zero(t, shared.NameFilter)
	require.Empty(t, shared.SharedIndexes)
}

func TestLoadXattrInfixTableNone(t *testing.T) {
	sb := SuperBlock{BlockSizeBits: 9}
	infixes, err := loadXattrInfixTable(newFileBackend(nil), &sb)
	require.NoError(t, err)
	require.Nil(t, infixes)
}
