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
)

// xattrSharedSummarySize is sizeof(XAttrSharedEntrySummary): a 4-byte
// name-filter, 1-byte shared-count, 7 reserved bytes.
const xattrSharedSummarySize = 12

const xattrEntryHeaderSize = 4 // sizeof{suffix_len, name_index, value_len}

const (
	xattrLongPrefix uint8 = 0x80
	xattrLongMask   uint8 = xattrLongPrefix - 1
)

// xattrPrefixes are the seven fixed real-prefix strings an inode's
// xattr name_index selects among (spec.md §4.7).
var xattrPrefixes = [][]byte{
	[]byte(""),
	[]byte("user."),
	[]byte("system.posix_acl_access"),
	[]byte("system.posix_acl_default"),
	[]byte("trusted."),
	[]byte(""),
	[]byte("security."),
}

// Conservative upper bounds used to size continuous iterators over
// regions whose exact length isn't known ahead of decoding: an
// xattr entry's header + suffix (u8 max) + value (u16 max), and an
// xattr-infix record's length prefix + selector byte + name.
const (
	maxXattrEntrySpan        = xattrEntryHeaderSize + 255 + 65535
	maxXattrPrefixRecordSpan = 2 + 1 + 255
)

// XAttrNameIndex is the raw name_index byte: either a direct real-
// prefix selector, or (high bit set) an index into the image's
// xattr-infix table.
type XAttrNameIndex uint8

// IsLong reports whether this name_index selects the infix table
// rather than a real prefix directly.
func (n XAttrNameIndex) IsLong() bool {
	return uint8(n)&xattrLongPrefix != 0
}

// Index returns the selector: an infix-table index when IsLong, a
// real-prefix index otherwise.
func (n XAttrNameIndex) Index() int {
	if n.IsLong() {
		return int(uint8(n) & xattrLongMask)
	}
	return int(n)
}

// XAttrEntryHeader is the 4-byte on-disk prefix of every xattr entry.
type XAttrEntryHeader struct {
	SuffixLen uint8
	NameIndex XAttrNameIndex
	ValueLen  uint16
}

// XAttrInfix is one entry of the image's xattr-infix table: a
// prefix-selector byte plus the infix bytes that sit between the
// real prefix and an entry's stored suffix.
type XAttrInfix struct {
	PrefixIndex uint8
	Name        []byte
}

// XAttrSharedEntries is the per-inode xattr summary: the (currently
// unconsulted) name-filter hint plus the ordered shared-entry index
// vector.
type XAttrSharedEntries struct {
	// TODO: NameFilter is parsed but never consulted as a fast-reject
	// hint before walking shared entries; wiring it in only pays off
	// once a real workload shows get_xattr misses dominating lookups.
	NameFilter    uint32
	SharedIndexes []uint32
}

// XAttrValue is the result of a successful get_xattr: either the
// number of bytes written into the caller's buffer, or a freshly
// allocated copy of the value.
type XAttrValue struct {
	Size int
	Data []byte
}

// readXAttrSharedEntries decodes the XAttrSharedEntrySummary and
// shared-index vector immediately following an inode's record.
func readXAttrSharedEntries(b Backend, info *InodeInfo) (XAttrSharedEntries, error) {
	if info.XattrICount == 0 {
		return XAttrSharedEntries{}, nil
	}

	base := info.Offset() + info.InodeSize()

	var summary [xattrSharedSummarySize]byte
	if err := fillExactDevice(b, summary[:], 0, int64(base)); err != nil {
		return XAttrSharedEntries{}, wrapErrno(EIO, "read xattr summary for inode %d: %v", info.Nid, err)
	}
	nameFilter := binary.LittleEndian.Uint32(summary[0:4])
	sharedCount := summary[4]

	indexes := make([]uint32, sharedCount)
	if sharedCount > 0 {
		buf := make([]byte, 4*int(sharedCount))
		if err := fillExactDevice(b, buf, 0, int64(base+xattrSharedSummarySize)); err != nil {
			return XAttrSharedEntries{}, wrapErrno(EIO, "read xattr shared indexes for inode %d: %v", info.Nid, err)
		}
		for i := range indexes {
			indexes[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		}
	}

	return XAttrSharedEntries{NameFilter: nameFilter, SharedIndexes: indexes}, nil
}

// loadXattrInfixTable decodes the image's xattr-infix table from the
// xattr_prefix_{start,count} superblock region (spec.md §4.7, built
// at open time).
func loadXattrInfixTable(b Backend, sb *SuperBlock) ([]XAttrInfix, error) {
	if sb.XattrPrefixCount == 0 {
		return nil, nil
	}

	off := sb.blkpos(sb.XattrPrefixStart)
	span := uint64(sb.XattrPrefixCount) * maxXattrPrefixRecordSpan
	ci := newContinuousIter(b, sb, off, span)

	mi, err := newMetadataBufferIter(ci)
	if err != nil {
		return nil, err
	}

	infixes := make([]XAttrInfix, 0, sb.XattrPrefixCount)
	for len(infixes) < int(sb.XattrPrefixCount) {
		rec, ok, err := mi.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, wrapErrno(EUCLEAN, "xattr prefix table truncated at entry %d", len(infixes))
		}
		if len(rec) == 0 {
			return nil, wrapErrno(EINVAL, "empty xattr infix record")
		}
		infixes = append(infixes, XAttrInfix{PrefixIndex: rec[0], Name: rec[1:]})
	}

	return infixes, nil
}

func (s *SkippableContinuousIter) getEntryHeader() (XAttrEntryHeader, error) {
	var buf [xattrEntryHeaderSize]byte
	if err := s.Read(buf[:]); err != nil {
		return XAttrEntryHeader{}, err
	}
	return XAttrEntryHeader{
		SuffixLen: buf[0],
		NameIndex: XAttrNameIndex(buf[1]),
		ValueLen:  binary.LittleEndian.Uint16(buf[2:4]),
	}, nil
}

func (s *SkippableContinuousIter) skipXattrValue(header XAttrEntryHeader) error {
	total := roundUp(uint64(header.SuffixLen)+uint64(header.ValueLen), xattrEntryHeaderSize)
	return s.Skip(total - uint64(header.SuffixLen))
}

// xattrKey reconstructs an entry's full key (real_prefix ++ infix ++
// suffix ++ NUL), consuming the suffix bytes from the stream.
func (s *SkippableContinuousIter) xattrKey(infixes []XAttrInfix, header XAttrEntryHeader) ([]byte, error) {
	var prefix, infixName []byte

	if header.NameIndex.IsLong() {
		idx := header.NameIndex.Index()
		if idx >= len(infixes) {
			return nil, wrapErrno(ENODATA, "xattr infix %d out of range", idx)
		}
		infix := infixes[idx]
		if int(infix.PrefixIndex) >= len(xattrPrefixes) {
			return nil, wrapErrno(ENODATA, "xattr prefix %d out of range", infix.PrefixIndex)
		}
		prefix = xattrPrefixes[infix.PrefixIndex]
		infixName = infix.Name
	} else {
		idx := header.NameIndex.Index()
		if idx >= len(xattrPrefixes) {
			return nil, wrapErrno(ENODATA, "xattr prefix %d out of range", idx)
		}
		prefix = xattrPrefixes[idx]
	}

	buf := make([]byte, len(prefix)+len(infixName)+int(header.SuffixLen)+1)
	cur := copy(buf, prefix)
	cur += copy(buf[cur:], infixName)
	if err := s.Read(buf[cur : cur+int(header.SuffixLen)]); err != nil {
		return nil, err
	}
	cur += int(header.SuffixLen)
	buf[cur] = 0

	return buf[:cur+1], nil
}

// queryXattrValue validates header against the caller's (index, name)
// and, on a match, reads the value either into dst or a freshly
// allocated slice. On mismatch it skips the remainder of the entry
// and returns ENODATA, leaving the stream positioned at the next
// entry's header.
func (s *SkippableContinuousIter) queryXattrValue(infixes []XAttrInfix, header XAttrEntryHeader, name []byte, index uint8, dst []byte) (XAttrValue, error) {
	xattrSize := roundUp(uint64(header.SuffixLen)+uint64(header.ValueLen), xattrEntryHeaderSize)

	mismatch := func() (XAttrValue, error) {
		if err := s.Skip(xattrSize); err != nil {
			return XAttrValue{}, err
		}
		return XAttrValue{}, ENODATA
	}

	var cur int
	if header.NameIndex.IsLong() {
		idx := header.NameIndex.Index()
		if idx >= len(infixes) {
			return mismatch()
		}
		infix := infixes[idx]
		if int(infix.PrefixIndex) >= len(xattrPrefixes) {
			return mismatch()
		}
		ilen := len(infix.Name)
		if uint32(index) != uint32(infix.PrefixIndex) || len(name) != ilen+int(header.SuffixLen) ||
			!bytes.Equal(name[:ilen], infix.Name) {
			return mismatch()
		}
		cur = ilen
	} else {
		idx := header.NameIndex.Index()
		if idx >= len(xattrPrefixes) {
			return mismatch()
		}
		if idx != int(index) || int(header.SuffixLen) != len(name) {
			return mismatch()
		}
		cur = 0
	}

	matched, consumed, err := s.TryCmp(name[cur:])
	if err != nil {
		return XAttrValue{}, err
	}

	if matched {
		if dst != nil {
			if len(dst) < int(header.ValueLen) {
				return XAttrValue{}, ERANGE
			}
			if err := s.Read(dst[:header.ValueLen]); err != nil {
				return XAttrValue{}, err
			}
			return XAttrValue{Size: int(header.ValueLen)}, nil
		}

		val := make([]byte, header.ValueLen)
		if err := s.Read(val); err != nil {
			return XAttrValue{}, err
		}
		return XAttrValue{Data: val}, nil
	}

	if err := s.Skip(xattrSize - consumed); err != nil {
		return XAttrValue{}, err
	}
	return XAttrValue{}, ENODATA
}

// inlineXattrRegion returns the (offset, length) of an inode's inline
// xattr entries, following its shared-index vector.
func inlineXattrRegion(info *InodeInfo, shared XAttrSharedEntries) (uint64, uint64) {
	base := info.Offset() + info.InodeSize() + xattrSharedSummarySize + 4*uint64(len(shared.SharedIndexes))
	size := info.XattrSize()
	consumed := xattrSharedSummarySize + 4*uint64(len(shared.SharedIndexes))
	if size <= consumed {
		return base, 0
	}
	return base, size - consumed
}

// getXattr implements §4.7's get_xattr: index is the real-prefix
// selector, name is the suffix-relative key the caller is searching
// for (already stripped of the real prefix). dst, if non-nil, is
// filled in place; otherwise a fresh copy is allocated.
func getXattr(b Backend, sb *SuperBlock, infixes []XAttrInfix, info *InodeInfo, shared XAttrSharedEntries, index uint8, name []byte, dst []byte) (XAttrValue, error) {
	inlineOff, inlineLen := inlineXattrRegion(info, shared)
	if inlineLen > 0 {
		sci, err := newSkippableContinuousIter(newContinuousIter(b, sb, inlineOff, inlineLen))
		if err != nil {
			return XAttrValue{}, err
		}
		for !sci.Eof() {
			header, err := sci.getEntryHeader()
			if err != nil {
				return XAttrValue{}, err
			}
			val, err := sci.queryXattrValue(infixes, header, name, index, dst)
			if err == nil {
				return val, nil
			}
			if !errors.Is(err, ENODATA) {
				return XAttrValue{}, err
			}
		}
	}

	for _, idx := range shared.SharedIndexes {
		off := sb.xattrBlkPos() + uint64(idx)*4
		sci, err := newSkippableContinuousIter(newContinuousIter(b, sb, off, maxXattrEntrySpan))
		if err != nil {
			return XAttrValue{}, err
		}
		header, err := sci.getEntryHeader()
		if err != nil {
			return XAttrValue{}, err
		}
		val, err := sci.queryXattrValue(infixes, header, name, index, dst)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ENODATA) {
			return XAttrValue{}, err
		}
	}

	return XAttrValue{}, ENODATA
}

// listXattrs implements §4.7's list_xattrs: emits real_prefix ++
// infix ++ suffix ++ NUL for every entry into dst, returning the
// total bytes written.
func listXattrs(b Backend, sb *SuperBlock, infixes []XAttrInfix, info *InodeInfo, shared XAttrSharedEntries, dst []byte) (int, error) {
	written := 0

	emit := func(sci *SkippableContinuousIter) error {
		header, err := sci.getEntryHeader()
		if err != nil {
			return err
		}
		key, err := sci.xattrKey(infixes, header)
		if err != nil {
			return err
		}
		if written+len(key) > len(dst) {
			return ERANGE
		}
		copy(dst[written:], key)
		written += len(key)
		return sci.skipXattrValue(header)
	}

	inlineOff, inlineLen := inlineXattrRegion(info, shared)
	if inlineLen > 0 {
		sci, err := newSkippableContinuousIter(newContinuousIter(b, sb, inlineOff, inlineLen))
		if err != nil {
			return 0, err
		}
		for !sci.Eof() {
			if err := emit(sci); err != nil {
				return 0, err
			}
		}
	}

	for _, idx := range shared.SharedIndexes {
		off := sb.xattrBlkPos() + uint64(idx)*4
		sci, err := newSkippableContinuousIter(newContinuousIter(b, sb, off, maxXattrEntrySpan))
		if err != nil {
			return 0, err
		}
		if err := emit(sci); err != nil {
			return 0, err
		}
	}

	return written, nil
}
