// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from: github.com/google/gvisor
 *
 * Copyright 2023 The gVisor Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package erofs

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	_ fs.FS        = (*Filesystem)(nil)
	_ fs.ReadDirFS = (*Filesystem)(nil)
	_ fs.StatFS    = (*Filesystem)(nil)
)

// maxSymlinkDepth bounds resolve's recursion; an on-disk symlink loop
// is corruption, not a legitimate deep path.
const maxSymlinkDepth = 40

// toFSError widens an Errno-tagged error so io/fs.FS callers can also
// detect it through the standard sentinels — errors.Is(err,
// fs.ErrNotExist) for a missing path, errors.Is(err, fs.ErrInvalid)
// for a wrong-type operand (e.g. ReadDir on a file) — per this
// package's io/fs.FS adapter-boundary contract. errors.Is(err, ENOENT)
// / errors.Is(err, EINVAL) still hold afterwards; this only adds a
// sentinel, it never replaces the original error.
func toFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ENOENT):
		return errors.Join(err, fs.ErrNotExist)
	case errors.Is(err, EINVAL):
		return errors.Join(err, fs.ErrInvalid)
	default:
		return err
	}
}

// Filesystem is the opened EROFS image: the wiring of a Backend, its
// decoded SuperBlock and DeviceTable, the xattr-infix table, and the
// InodeCollection that materializes inodes on demand. It implements
// io/fs.FS, io/fs.ReadDirFS, and io/fs.StatFS. Grounded on
// dpeckett-archivefs/erofs/erofs.go's Filesystem/Open, generalized to
// this driver's Backend/InodeInfo/DeviceTable model.
type Filesystem struct {
	b       Backend
	sb      SuperBlock
	dt      DeviceTable
	infixes []XAttrInfix
	inodes  *InodeCollection
	root    *dirHandle
}

// Open decodes the superblock from src and returns a ready Filesystem,
// addressing the image through a plain io.ReaderAt (no extra device
// table support; use OpenWithDevices for chunked images that reference
// extra devices).
func Open(src io.ReaderAt) (*Filesystem, error) {
	return OpenBackend(newFileBackend(src))
}

// OpenWithDevices is like Open but also wires extras as the image's
// extra device table targets, indexed the same way DeviceTable.Specs
// orders them.
func OpenWithDevices(src io.ReaderAt, extras []io.ReaderAt) (*Filesystem, error) {
	extraBackends := make([]Backend, len(extras))
	for i, e := range extras {
		extraBackends[i] = newFileBackend(e)
	}
	// Every device here is file-like, so the composed backend is exposed
	// with Fill only and reads go through owned buffers.
	return OpenBackend(struct{ Backend }{newMultiBackend(newFileBackend(src), extraBackends)})
}

// OpenBackend opens a Filesystem directly over an arbitrary Backend,
// for callers that have their own page-like or composed backend (e.g.
// an mmap-backed one from newMmapBackend).
func OpenBackend(b Backend) (*Filesystem, error) {
	sb, err := readSuperBlock(b)
	if err != nil {
		return nil, err
	}

	dt, err := readDeviceTable(b, &sb)
	if err != nil {
		return nil, err
	}

	infixes, err := loadXattrInfixTable(b, &sb)
	if err != nil {
		return nil, err
	}

	fsys := &Filesystem{
		b:       b,
		sb:      sb,
		dt:      dt,
		infixes: infixes,
		inodes:  newInodeCollection(b, &sb),
	}
	fsys.root = &dirHandle{fsys: fsys, nid: uint64(sb.RootNid), name: "/", fileType: FT_DIR}
	return fsys, nil
}

// SuperBlock returns the image's decoded superblock.
func (fsys *Filesystem) SuperBlock() SuperBlock {
	return fsys.sb
}

// ReadInodeInfo returns the materialized inode identified by nid.
func (fsys *Filesystem) ReadInodeInfo(nid uint64) (*InodeInfo, error) {
	return fsys.inodes.iget(nid)
}

// ReadXAttrSharedEntries returns info's xattr summary and shared-index
// vector.
func (fsys *Filesystem) ReadXAttrSharedEntries(info *InodeInfo) (XAttrSharedEntries, error) {
	return readXAttrSharedEntries(fsys.b, info)
}

// Map translates one logical offset of info to a physical Map.
func (fsys *Filesystem) Map(info *InodeInfo, offset uint64) (Map, error) {
	return computeMap(fsys.b, &fsys.sb, &fsys.dt, info, offset)
}

// MappedIter returns a MapIter walking all of info's logical extents.
func (fsys *Filesystem) MappedIter(info *InodeInfo) *MapIter {
	return newMapIter(fsys.b, &fsys.sb, &fsys.dt, info)
}

// ContinuousIter returns a ContinuousBufferIter over (offset, length)
// bytes of the primary image, ignoring inode extent boundaries.
func (fsys *Filesystem) ContinuousIter(offset, length uint64) ContinuousBufferIter {
	return newContinuousIter(fsys.b, &fsys.sb, offset, length)
}

// GetXattr looks up one xattr value on info. index selects the real
// prefix; name is the suffix-relative key with that prefix already
// stripped. dst, if non-nil, receives the value in place; otherwise a
// fresh copy is returned.
func (fsys *Filesystem) GetXattr(info *InodeInfo, index uint8, name []byte, dst []byte) (XAttrValue, error) {
	shared, err := readXAttrSharedEntries(fsys.b, info)
	if err != nil {
		return XAttrValue{}, err
	}
	return getXattr(fsys.b, &fsys.sb, fsys.infixes, info, shared, index, name, dst)
}

// ListXattrs writes every xattr key on info (each as real_prefix ++
// infix ++ suffix ++ NUL) into dst, returning the number of bytes
// written.
func (fsys *Filesystem) ListXattrs(info *InodeInfo, dst []byte) (int, error) {
	shared, err := readXAttrSharedEntries(fsys.b, info)
	if err != nil {
		return 0, err
	}
	return listXattrs(fsys.b, &fsys.sb, fsys.infixes, info, shared, dst)
}

// FillDentries linearly enumerates info's directory entries; see
// fillDentries for the exact offset/skip/emit contract.
func (fsys *Filesystem) FillDentries(info *InodeInfo, offset, skip int, emit func(Dirent, int) bool) error {
	return fillDentries(fsys.b, &fsys.sb, &fsys.dt, info, offset, skip, emit)
}

// FindNid resolves a slash-separated path to its target nid, following
// symlinks. An empty or "/" path resolves to the root nid.
func (fsys *Filesystem) FindNid(name string) (uint64, error) {
	dh, err := fsys.resolve(name, false, 0)
	if err != nil {
		return 0, err
	}
	return dh.nid, nil
}

func (fsys *Filesystem) Open(name string) (fs.File, error) {
	dh, err := fsys.resolve(name, false, 0)
	if err != nil {
		return nil, toFSError(err)
	}
	return &openFile{fsys: fsys, dh: dh}, nil
}

func (fsys *Filesystem) ReadDir(name string) ([]fs.DirEntry, error) {
	dh, err := fsys.resolve(name, false, 0)
	if err != nil {
		return nil, toFSError(err)
	}
	if !dh.IsDir() {
		return nil, toFSError(wrapErrno(EINVAL, "%s is not a directory", name))
	}

	info, err := dh.info()
	if err != nil {
		return nil, err
	}

	var entries []fs.DirEntry
	err = fillDentries(fsys.b, &fsys.sb, &fsys.dt, info, 0, 0, func(d Dirent, _ int) bool {
		dname := string(d.Name)
		if dname == "." || dname == ".." {
			return false
		}
		entries = append(entries, &dirHandle{fsys: fsys, nid: d.Nid, name: dname, fileType: d.FileType})
		return false
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (fsys *Filesystem) Stat(name string) (fs.FileInfo, error) {
	dh, err := fsys.resolve(name, false, 0)
	if err != nil {
		return nil, toFSError(err)
	}
	return dh.Info()
}

// ReadLink returns the destination of the named symbolic link without
// following it.
func (fsys *Filesystem) ReadLink(name string) (string, error) {
	dh, err := fsys.resolve(name, true, 0)
	if err != nil {
		return "", toFSError(err)
	}
	info, err := dh.info()
	if err != nil {
		return "", toFSError(err)
	}
	if !info.IsSymlink() {
		return "", toFSError(wrapErrno(EINVAL, "%s is not a symlink", name))
	}

	target, err := io.ReadAll(newInodeReader(fsys.b, &fsys.sb, &fsys.dt, info))
	if err != nil {
		return "", err
	}
	return string(target), nil
}

// StatLink returns a FileInfo describing the named file without
// following a trailing symbolic link.
func (fsys *Filesystem) StatLink(name string) (fs.FileInfo, error) {
	dh, err := fsys.resolve(name, true, 0)
	if err != nil {
		return nil, toFSError(err)
	}
	return dh.Info()
}

func (fsys *Filesystem) resolve(name string, noResolveLastSymlink bool, depth int) (*dirHandle, error) {
	if depth > maxSymlinkDepth {
		return nil, wrapErrno(EUCLEAN, "too many levels of symbolic links resolving %q", name)
	}

	dh := fsys.root
	components := splitPath(name)
	for i, comp := range components {
		child, err := dh.lookup(comp)
		if err != nil {
			return nil, err
		}

		info, err := child.info()
		if err != nil {
			return nil, err
		}

		if info.IsSymlink() && !(noResolveLastSymlink && i == len(components)-1) {
			target, err := io.ReadAll(newInodeReader(fsys.b, &fsys.sb, &fsys.dt, info))
			if err != nil {
				return nil, err
			}
			link := filepath.Clean(string(target))

			if strings.HasPrefix(link, "/") {
				link = strings.TrimPrefix(link, "/")
			} else {
				link = filepath.Join(strings.Join(components[:i], "/"), link)
			}

			child, err = fsys.resolve(link, noResolveLastSymlink, depth+1)
			if err != nil {
				return nil, err
			}
		}

		dh = child
	}
	return dh, nil
}

func splitPath(path string) []string {
	var components []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part != "" {
			components = append(components, part)
		}
	}
	return components
}

// inodeReader streams an inode's data in logical order via a
// BufferMapIter.
type inodeReader struct {
	it  BufferMapIter
	cur Buffer
	pos int
}

func newInodeReader(b Backend, sb *SuperBlock, dt *DeviceTable, info *InodeInfo) *inodeReader {
	return &inodeReader{it: newBufferMapIter(b, sb, dt, info)}
}

func (r *inodeReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if r.cur == nil || r.pos >= len(r.cur.Content()) {
			buf, ok, err := r.it.Next()
			if err != nil {
				return total, err
			}
			if !ok {
				if total == 0 {
					return 0, io.EOF
				}
				return total, nil
			}
			r.cur = buf
			r.pos = 0
		}
		n := copy(p[total:], r.cur.Content()[r.pos:])
		r.pos += n
		total += n
	}
	return total, nil
}

// dirHandle is a resolved path component: its nid plus enough context
// (fsys, name, on-disk file type) to lazily materialize its InodeInfo
// and implement fs.DirEntry.
type dirHandle struct {
	fsys     *Filesystem
	name     string
	nid      uint64
	fileType uint8

	once    sync.Once
	infoVal *InodeInfo
	infoErr error
}

func (dh *dirHandle) Name() string { return dh.name }
func (dh *dirHandle) IsDir() bool  { return dh.fileType == FT_DIR }

func (dh *dirHandle) Type() fs.FileMode {
	info, err := dh.info()
	if err != nil {
		return 0
	}
	return info.FileMode()
}

func (dh *dirHandle) Info() (fs.FileInfo, error) {
	info, err := dh.info()
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: dh.name, info: info}, nil
}

func (dh *dirHandle) info() (*InodeInfo, error) {
	dh.once.Do(func() {
		dh.infoVal, dh.infoErr = dh.fsys.inodes.iget(dh.nid)
	})
	return dh.infoVal, dh.infoErr
}

func (dh *dirHandle) lookup(name string) (*dirHandle, error) {
	info, err := dh.info()
	if err != nil {
		return nil, err
	}
	d, err := dirLookup(dh.fsys.b, &dh.fsys.sb, info, []byte(name))
	if err != nil {
		return nil, err
	}
	return &dirHandle{fsys: dh.fsys, name: name, nid: d.Nid, fileType: d.FileType}, nil
}

// fileInfo implements fs.FileInfo over a materialized InodeInfo.
type fileInfo struct {
	name string
	info *InodeInfo
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return int64(fi.info.Size) }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.info.FileMode() }
func (fi *fileInfo) ModTime() time.Time { return time.Unix(int64(fi.info.Mtime), int64(fi.info.MtimeNsec)) }
func (fi *fileInfo) IsDir() bool        { return fi.info.IsDir() }
func (fi *fileInfo) Sys() any           { return fi.info }

// openFile implements fs.File over a resolved dirHandle.
type openFile struct {
	fsys *Filesystem
	dh   *dirHandle
	r    io.Reader
}

func (f *openFile) Read(p []byte) (int, error) {
	if f.r == nil {
		info, err := f.dh.info()
		if err != nil {
			return 0, err
		}
		f.r = newInodeReader(f.fsys.b, &f.fsys.sb, &f.fsys.dt, info)
	}
	return f.r.Read(p)
}

func (f *openFile) Close() error { return nil }

func (f *openFile) Stat() (fs.FileInfo, error) {
	return f.dh.Info()
}

var (
	_ fs.DirEntry = (*dirHandle)(nil)
	_ fs.FileInfo = (*fileInfo)(nil)
	_ fs.File     = (*openFile)(nil)
)
