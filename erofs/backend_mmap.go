//go:build !windows
// +build !windows

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
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mmapBackend is the page-like Backend variant: it supports both Fill
// and AsBuf, the latter handing back a genuine zero-copy slice of the
// mapped image, bounded to a single host page (spec.md §4.1).
type mmapBackend struct {
	data     []byte
	pageSize int
}

// newMmapBackend memory-maps f read-only and returns a page-like
// Backend over it. The caller retains ownership of f; closing the
// returned backend unmaps the region but does not close f.
func newMmapBackend(f *os.File) (*mmapBackend, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, wrapErrno(EIO, "stat image file: %v", err)
	}
	if info.Size() == 0 {
		return nil, wrapErrno(EINVAL, "image file is empty")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, wrapErrno(EIO, "mmap image file: %v", err)
	}

	return &mmapBackend{data: data, pageSize: os.Getpagesize()}, nil
}

// Close unmaps the backing region.
func (m *mmapBackend) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// OpenMmap memory-maps f read-only and opens a Filesystem over it,
// using the zero-copy page-like backend (spec.md §4.1) rather than
// Open's fill-into-buffer file backend. The caller retains ownership
// of f; Close unmaps the region without closing f.
func OpenMmap(f *os.File) (*Filesystem, io.Closer, error) {
	b, err := newMmapBackend(f)
	if err != nil {
		return nil, nil, err
	}
	fsys, err := OpenBackend(b)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return fsys, b, nil
}

// Fill implements Backend.
func (m *mmapBackend) Fill(dst []byte, deviceID uint16, offset int64) (int, error) {
	if deviceID != 0 {
		return 0, wrapErrno(ENODEV, "mmapBackend: device %d not addressable", deviceID)
	}
	if offset < 0 || offset >= int64(len(m.data)) {
		return 0, wrapErrno(ERANGE, "offset %d beyond mapped image of size %d", offset, len(m.data))
	}
	n := copy(dst, m.data[offset:])
	if n < len(dst) {
		// Short read at the end of the mapped region, same contract
		// as io.ReaderAt would report via io.EOF.
		return n, nil
	}
	return n, nil
}

// AsBuf implements PageBackend. The returned slice never crosses a
// host page boundary; a request that would is rejected with ERANGE.
func (m *mmapBackend) AsBuf(deviceID uint16, offset int64, length int) (RefBuffer, error) {
	if deviceID != 0 {
		return RefBuffer{}, wrapErrno(ENODEV, "mmapBackend: device %d not addressable", deviceID)
	}
	if offset < 0 || length < 0 || offset+int64(length) > int64(len(m.data)) {
		return RefBuffer{}, wrapErrno(ERANGE, "range [%d, %d) beyond mapped image of size %d", offset, offset+int64(length), len(m.data))
	}

	pageStart := (offset / int64(m.pageSize)) * int64(m.pageSize)
	pageEnd := pageStart + int64(m.pageSize)
	if offset+int64(length) > pageEnd {
		return RefBuffer{}, wrapErrno(ERANGE, "range [%d, %d) crosses page boundary at %d", offset, offset+int64(length), pageEnd)
	}

	return RefBuffer{buf: m.data[offset : offset+int64(length)]}, nil
}

var (
	_ Backend     = (*mmapBackend)(nil)
	_ PageBackend = (*mmapBackend)(nil)
	_ io.Closer   = (*mmapBackend)(nil)
)
