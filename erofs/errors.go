// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package erofs

import "fmt"

// Errno is a POSIX-flavored error tag. The on-disk decoding and access
// path surfaces exactly this flat set end to end; intermediate layers
// never silently remap one kind into another.
type Errno int

const (
	// EIO indicates a backend read failure.
	EIO Errno = iota + 1
	// ERANGE indicates a short read at end-of-device where a full fill
	// was required, or that a caller-supplied xattr/list buffer is too
	// small.
	ERANGE
	// EINVAL indicates a superblock magic mismatch or other malformed
	// header.
	EINVAL
	// ENOENT indicates a path component was not found during lookup.
	ENOENT
	// ENODATA indicates the requested xattr key is absent.
	ENODATA
	// EUCLEAN indicates an on-disk inconsistency, such as a chunk hole
	// reported as mapped or a flat-map offset out of bounds.
	EUCLEAN
	// EOPNOTSUPP indicates an unknown inode version or a compressed
	// layout encountered on the read path.
	EOPNOTSUPP
	// ENOMEM indicates an allocation failure (see DESIGN.md's Open
	// Question on fallible allocation).
	ENOMEM
	// ENODEV indicates a chunk referenced a device id outside the
	// device table.
	ENODEV
)

func (e Errno) Error() string {
	switch e {
	case EIO:
		return "EIO: input/output error"
	case ERANGE:
		return "ERANGE: result too large"
	case EINVAL:
		return "EINVAL: invalid argument"
	case ENOENT:
		return "ENOENT: no such file or directory"
	case ENODATA:
		return "ENODATA: no data available"
	case EUCLEAN:
		return "EUCLEAN: structure needs cleaning"
	case EOPNOTSUPP:
		return "EOPNOTSUPP: operation not supported"
	case ENOMEM:
		return "ENOMEM: out of memory"
	case ENODEV:
		return "ENODEV: no such device"
	default:
		return fmt.Sprintf("erofs: unknown errno %d", int(e))
	}
}

// wrapErrno attaches context to an Errno without losing its identity:
// errors.Is(err, EIO) still holds after wrapping.
func wrapErrno(errno Errno, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errno)
}
