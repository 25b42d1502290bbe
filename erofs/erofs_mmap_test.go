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

package erofs_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-erofs/erofs/erofs"
)

// TestFilesystemOpenMmap exercises the page-like mmap backend end to
// end: a chunked read (two extents, two AsBuf calls) and a flat-inline
// read (whose tail lives inside the meta region rather than a data
// block) both have to come back byte-identical to the fill-based Open
// path over the same image.
func TestFilesystemOpenMmap(t *testing.T) {
	image, helloContent, bigContent := fixtureImage()

	f, err := os.CreateTemp(t.TempDir(), "erofs-fixture-*.img")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(image)
	require.NoError(t, err)

	fsys, closer, err := erofs.OpenMmap(f)
	require.NoError(t, err)
	defer closer.Close()

	hf, err := fsys.Open("hello.txt")
	require.NoError(t, err)
	defer hf.Close()
	got, err := io.ReadAll(hf)
	require.NoError(t, err)
	require.Equal(t, helloContent, got)

	bf, err := fsys.Open("big.bin")
	require.NoError(t, err)
	defer bf.Close()
	gotBig, err := io.ReadAll(bf)
	require.NoError(t, err)
	require.Equal(t, bigContent, gotBig)
}
