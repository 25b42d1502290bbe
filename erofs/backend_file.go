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
)

// fileBackend is the file-like Backend variant: it supports Fill only,
// reading through an io.ReaderAt. This is the classic "fill into
// buffer" backend, grounded on the teacher's Image.bytesAt.
type fileBackend struct {
	src io.ReaderAt
}

// newFileBackend wraps src as a file-like Backend.
func newFileBackend(src io.ReaderAt) *fileBackend {
	return &fileBackend{src: src}
}

// Fill implements Backend. Only device 0 (the primary image) is
// addressable through a bare fileBackend; extra devices are resolved
// by multiBackend.
func (f *fileBackend) Fill(dst []byte, deviceID uint16, offset int64) (int, error) {
	if deviceID != 0 {
		return 0, wrapErrno(ENODEV, "fileBackend: device %d not addressable", deviceID)
	}
	n, err := f.src.ReadAt(dst, offset)
	if err != nil && err != io.EOF {
		return n, wrapErrno(EIO, "read %d bytes at offset %d: %v", len(dst), offset, err)
	}
	return n, nil
}

// fillExactDevice reads exactly len(dst) bytes at offset on the given
// device, treating a short read as EIO rather than the permissive
// short-read contract Fill exposes to callers composing the iterator
// stack.
func fillExactDevice(b Backend, dst []byte, deviceID uint16, offset int64) error {
	n, err := b.Fill(dst, deviceID, offset)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return wrapErrno(EIO, "short read: got %d bytes, wanted %d at offset %d on device %d", n, len(dst), offset, deviceID)
	}
	return nil
}

// multiBackend composes a primary Backend with zero or more extra
// device backends, resolved by the chunk device-id indirection
// described in spec.md §3/§4.6. Device 0 is always the primary image;
// device i (i >= 1) is extras[i-1].
type multiBackend struct {
	primary Backend
	extras  []Backend
}

func newMultiBackend(primary Backend, extras []Backend) *multiBackend {
	return &multiBackend{primary: primary, extras: extras}
}

func (m *multiBackend) resolve(deviceID uint16) (Backend, error) {
	if deviceID == 0 {
		return m.primary, nil
	}
	idx := int(deviceID) - 1
	if idx < 0 || idx >= len(m.extras) {
		return nil, wrapErrno(ENODEV, "device id %d out of range (%d extra devices)", deviceID, len(m.extras))
	}
	return m.extras[idx], nil
}

// Fill implements Backend.
func (m *multiBackend) Fill(dst []byte, deviceID uint16, offset int64) (int, error) {
	b, err := m.resolve(deviceID)
	if err != nil {
		return 0, err
	}
	return b.Fill(dst, 0, offset)
}

// AsBuf implements PageBackend when every composed device is itself a
// PageBackend. Falls back to ENODEV-free EOPNOTSUPP semantics via a
// type assertion failure otherwise.
func (m *multiBackend) AsBuf(deviceID uint16, offset int64, length int) (RefBuffer, error) {
	b, err := m.resolve(deviceID)
	if err != nil {
		return RefBuffer{}, err
	}
	pb, ok := b.(PageBackend)
	if !ok {
		return RefBuffer{}, wrapErrno(EOPNOTSUPP, "device %d is not page-addressable", deviceID)
	}
	return pb.AsBuf(0, offset, length)
}

var (
	_ Backend     = (*fileBackend)(nil)
	_ Backend     = (*multiBackend)(nil)
	_ PageBackend = (*multiBackend)(nil)
)
