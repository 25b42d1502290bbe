// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package erofs

// Backend abstracts random access to image bytes (spec.md §4.1). Every
// backend is capable of fill; page-like backends additionally satisfy
// PageBackend. The core never mixes the two capabilities inside a
// single iterator.
type Backend interface {
	// Fill reads up to len(dst) bytes starting at offset on the given
	// device into dst, returning the number of bytes actually read.
	// Short reads at device end are permitted; the returned count is
	// authoritative. deviceID 0 means the primary image device.
	Fill(dst []byte, deviceID uint16, offset int64) (int, error)
}

// PageBackend is a Backend that can additionally hand back a borrowed
// slice into mapped memory, bounded to a single host page.
type PageBackend interface {
	Backend

	// AsBuf returns a slice of len bytes at offset on the given device.
	// The slice must lie within a single host page; a request crossing
	// a page boundary fails with ERANGE. The returned RefBuffer's
	// Close invokes the backend's release policy.
	AsBuf(deviceID uint16, offset int64, len int) (RefBuffer, error)
}

// Buffer is satisfied by both owned and borrowed byte buffers yielded
// by the iterator stack.
type Buffer interface {
	// Content returns the buffer's bytes.
	Content() []byte
}

// TempBuffer is a heap-allocated, independently-owned byte buffer.
type TempBuffer struct {
	buf []byte
}

// Content implements Buffer.
func (t *TempBuffer) Content() []byte { return t.buf }

// newTempBuffer allocates a TempBuffer of the given size.
func newTempBuffer(size int) *TempBuffer {
	return &TempBuffer{buf: make([]byte, size)}
}

// RefBuffer is a slice borrowed from a page-like backend, plus a
// release callback invoked when the caller is done with it. Its
// lifetime never outlives the backend instance that produced it.
type RefBuffer struct {
	buf     []byte
	release func()
}

// Content implements Buffer.
func (r RefBuffer) Content() []byte { return r.buf }

// Close invokes the buffer's release callback, if any. Safe to call on
// a zero-value RefBuffer.
func (r RefBuffer) Close() {
	if r.release != nil {
		r.release()
	}
}

// IterDir interprets a buffer's content as a directory block and
// returns an iterator over its entries, per spec.md §4.2's iter_dir
// buffer helper.
func IterDir(b Buffer) (*DirCollection, error) {
	return newDirCollection(b.Content())
}
