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

// MapIter walks an inode's logical extents, yielding one Map per
// call to Next until the inode's size is exhausted (spec.md §4.2.1).
type MapIter struct {
	b    Backend
	sb   *SuperBlock
	dt   *DeviceTable
	info *InodeInfo

	offset uint64
}

func newMapIter(b Backend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo) *MapIter {
	return &MapIter{b: b, sb: sb, dt: dt, info: info}
}

// Next returns the Map for the iterator's current offset, clamped so
// that it never straddles a block boundary, and advances the offset
// by the clamped length. ok is false once offset reaches the inode's
// size.
func (it *MapIter) Next() (Map, bool, error) {
	if it.offset >= it.info.Size {
		return Map{}, false, nil
	}

	m, err := computeMap(it.b, it.sb, it.dt, it.info, it.offset)
	if err != nil {
		return Map{}, false, err
	}

	clamp := it.sb.BlockSize() - (m.Physical.Start % it.sb.BlockSize())
	if m.Physical.Len > clamp {
		m.Physical.Len = clamp
		m.Logical.Len = clamp
	}

	it.offset += m.Logical.Len
	return m, true, nil
}

// BufferMapIter composes a MapIter with a backend, yielding one
// buffer per extent (spec.md §4.2.2).
type BufferMapIter interface {
	Next() (Buffer, bool, error)
}

// tempBufferMapIter is the owned-buffer variant: it fills a
// freshly-allocated buffer per extent from a file-like Backend.
type tempBufferMapIter struct {
	b    Backend
	mi   *MapIter
	size uint64
}

func newTempBufferMapIter(b Backend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo) *tempBufferMapIter {
	return &tempBufferMapIter{b: b, mi: newMapIter(b, sb, dt, info), size: sb.BlockSize()}
}

func (it *tempBufferMapIter) Next() (Buffer, bool, error) {
	m, ok, err := it.mi.Next()
	if err != nil || !ok {
		return nil, ok, err
	}

	length := m.Physical.Len
	if length > it.size {
		length = it.size
	}

	buf := newTempBuffer(int(length))
	if err := fillExactDevice(it.b, buf.buf, m.DeviceID, int64(m.Physical.Start)); err != nil {
		return nil, false, wrapErrno(EIO, "fill extent at offset %d: %v", m.Physical.Start, err)
	}
	return buf, true, nil
}

// refBufferMapIter is the borrowed-buffer variant: it borrows a slice
// of the mapped image per extent from a page-like Backend.
type refBufferMapIter struct {
	pb PageBackend
	mi *MapIter
}

func newRefBufferMapIter(pb PageBackend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo) *refBufferMapIter {
	return &refBufferMapIter{pb: pb, mi: newMapIter(pb, sb, dt, info)}
}

func (it *refBufferMapIter) Next() (Buffer, bool, error) {
	m, ok, err := it.mi.Next()
	if err != nil || !ok {
		return nil, ok, err
	}

	buf, err := it.pb.AsBuf(m.DeviceID, int64(m.Physical.Start), int(m.Physical.Len))
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// newBufferMapIter picks the ref or temp BufferMapIter variant
// depending on whether b exposes PageBackend.
func newBufferMapIter(b Backend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo) BufferMapIter {
	if pb, ok := b.(PageBackend); ok {
		return newRefBufferMapIter(pb, sb, dt, info)
	}
	return newTempBufferMapIter(b, sb, dt, info)
}

// ContinuousBufferIter walks a (offset, length) byte region ignoring
// logical extent boundaries, yielding block-boundary-aligned buffers
// (spec.md §4.2.3). It is always addressed against device 0, the
// primary image: continuous reads are used for metadata regions
// (inline/shared xattrs, the infix table) which are never chunk
// device-indirected.
type ContinuousBufferIter interface {
	BufferMapIter
	// AdvanceOff skips n bytes without reading them.
	AdvanceOff(n uint64)
	// Eof reports whether the region is exhausted.
	Eof() bool
}

type continuousTempIter struct {
	b      Backend
	sb     *SuperBlock
	offset uint64
	len    uint64
}

func newContinuousTempIter(b Backend, sb *SuperBlock, offset, length uint64) *continuousTempIter {
	return &continuousTempIter{b: b, sb: sb, offset: offset, len: length}
}

func (it *continuousTempIter) Next() (Buffer, bool, error) {
	if it.len == 0 {
		return nil, false, nil
	}

	accessor := it.sb.blkAccess(it.offset)
	length := accessor.Len
	if it.len < length {
		length = it.len
	}

	buf := newTempBuffer(int(length))
	if err := fillExactDevice(it.b, buf.buf, 0, int64(it.offset)); err != nil {
		return nil, false, wrapErrno(EIO, "fill continuous range at offset %d: %v", it.offset, err)
	}

	it.offset += length
	it.len -= length
	return buf, true, nil
}

func (it *continuousTempIter) AdvanceOff(n uint64) {
	it.offset += n
	it.len -= n
}

func (it *continuousTempIter) Eof() bool {
	return it.len == 0
}

type continuousRefIter struct {
	pb     PageBackend
	sb     *SuperBlock
	offset uint64
	len    uint64
}

func newContinuousRefIter(pb PageBackend, sb *SuperBlock, offset, length uint64) *continuousRefIter {
	return &continuousRefIter{pb: pb, sb: sb, offset: offset, len: length}
}

func (it *continuousRefIter) Next() (Buffer, bool, error) {
	if it.len == 0 {
		return nil, false, nil
	}

	accessor := it.sb.blkAccess(it.offset)
	length := accessor.Len
	if it.len < length {
		length = it.len
	}

	buf, err := it.pb.AsBuf(0, int64(it.offset), int(length))
	if err != nil {
		return nil, false, err
	}

	it.offset += length
	it.len -= length
	return buf, true, nil
}

func (it *continuousRefIter) AdvanceOff(n uint64) {
	it.offset += n
	it.len -= n
}

func (it *continuousRefIter) Eof() bool {
	return it.len == 0
}

// newContinuousIter picks the ref (zero-copy) or temp (owned-buffer)
// ContinuousBufferIter variant depending on whether b exposes
// PageBackend, without ever mixing the two families within a single
// iterator instance.
func newContinuousIter(b Backend, sb *SuperBlock, offset, length uint64) ContinuousBufferIter {
	if pb, ok := b.(PageBackend); ok {
		return newContinuousRefIter(pb, sb, offset, length)
	}
	return newContinuousTempIter(b, sb, offset, length)
}

// SkippableContinuousIter layers byte-granular skip/read/compare over
// a ContinuousBufferIter, maintaining a (current_buffer, cursor) pair
// that is refilled transparently across buffer joins (spec.md
// §4.2.5). Grounded on original_source/erofs-sys's
// SkippableContinuousIter, generalized so Skip can cross more than
// one buffer boundary in a single call.
type SkippableContinuousIter struct {
	iter ContinuousBufferIter
	data Buffer
	cur  int
}

func newSkippableContinuousIter(iter ContinuousBufferIter) (*SkippableContinuousIter, error) {
	s := &SkippableContinuousIter{iter: iter}
	if !iter.Eof() {
		buf, ok, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			s.data = buf
		}
	}
	return s, nil
}

func (s *SkippableContinuousIter) advance() error {
	s.cur = 0
	buf, ok, err := s.iter.Next()
	if err != nil {
		return err
	}
	if !ok {
		s.data = nil
		return nil
	}
	s.data = buf
	return nil
}

func (s *SkippableContinuousIter) remaining() int {
	if s.data == nil {
		return 0
	}
	return len(s.data.Content()) - s.cur
}

// Skip advances the cursor by n bytes. When the skip runs past the
// current buffer, the rest of the distance is handed to the underlying
// iterator's AdvanceOff, so skipped buffers are never read.
func (s *SkippableContinuousIter) Skip(n uint64) error {
	dlen := uint64(s.remaining())
	if n <= dlen {
		s.cur += int(n)
		return nil
	}
	if s.iter.Eof() {
		return wrapErrno(EIO, "skip past end of buffer stream")
	}
	s.iter.AdvanceOff(n - dlen)
	return s.advance()
}

// Read fills dst completely, pulling additional buffers as needed.
func (s *SkippableContinuousIter) Read(dst []byte) error {
	bcur := 0
	for bcur < len(dst) {
		dlen := s.remaining()
		if dlen == 0 {
			if err := s.advance(); err != nil {
				return err
			}
			if s.data == nil {
				return wrapErrno(EIO, "read past end of buffer stream")
			}
			dlen = s.remaining()
		}

		n := len(dst) - bcur
		if n > dlen {
			n = dlen
		}
		copy(dst[bcur:bcur+n], s.data.Content()[s.cur:s.cur+n])
		s.cur += n
		bcur += n
	}
	return nil
}

// TryCmp streams dst against the next len(dst) bytes of the iterator.
// matched is true on full equality. When matched is false, consumed
// reports how many bytes were compared, up to and including the first
// mismatching byte (the cursor has advanced exactly that far), letting
// the caller compute the remaining skip distance.
func (s *SkippableContinuousIter) TryCmp(dst []byte) (matched bool, consumed uint64, err error) {
	bcur := 0
	for bcur < len(dst) {
		dlen := s.remaining()
		if dlen == 0 {
			if err := s.advance(); err != nil {
				return false, uint64(bcur), err
			}
			if s.data == nil {
				return false, uint64(bcur), wrapErrno(EIO, "compare past end of buffer stream")
			}
			dlen = s.remaining()
		}

		n := len(dst) - bcur
		if n > dlen {
			n = dlen
		}
		content := s.data.Content()
		for i := 0; i < n; i++ {
			if content[s.cur+i] != dst[bcur+i] {
				s.cur += i + 1
				return false, uint64(bcur + i + 1), nil
			}
		}
		s.cur += n
		bcur += n
	}
	return true, uint64(bcur), nil
}

// Eof reports whether no more bytes remain in this stream.
func (s *SkippableContinuousIter) Eof() bool {
	return s.remaining() == 0 && s.iter.Eof()
}

// MetadataBufferIter walks a sequence of length-prefixed records
// (u16_le length + payload, 4-byte aligned after each record) via a
// SkippableContinuousIter (spec.md §4.2.4). Used to decode the
// xattr-infix table at open time.
type MetadataBufferIter struct {
	sci *SkippableContinuousIter
}

func newMetadataBufferIter(ci ContinuousBufferIter) (*MetadataBufferIter, error) {
	sci, err := newSkippableContinuousIter(ci)
	if err != nil {
		return nil, err
	}
	return &MetadataBufferIter{sci: sci}, nil
}

// Next returns the payload of the next length-prefixed record, or
// ok=false once the stream is exhausted.
func (it *MetadataBufferIter) Next() ([]byte, bool, error) {
	if it.sci.Eof() {
		return nil, false, nil
	}

	var lenBuf [2]byte
	if err := it.sci.Read(lenBuf[:]); err != nil {
		return nil, false, err
	}
	length := binary.LittleEndian.Uint16(lenBuf[:])

	rec := make([]byte, length)
	if err := it.sci.Read(rec); err != nil {
		return nil, false, err
	}

	consumed := 2 + uint64(length)
	if pad := roundUp(consumed, 4) - consumed; pad > 0 {
		if err := it.sci.Skip(pad); err != nil {
			return nil, false, err
		}
	}

	return rec, true, nil
}

var (
	_ BufferMapIter        = (*tempBufferMapIter)(nil)
	_ BufferMapIter        = (*refBufferMapIter)(nil)
	_ ContinuousBufferIter = (*continuousTempIter)(nil)
	_ ContinuousBufferIter = (*continuousRefIter)(nil)
)
