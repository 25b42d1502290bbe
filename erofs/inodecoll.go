// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package erofs

import "sync"

// InodeCollection materializes and caches InodeInfo records by nid,
// the collaborator spec.md §4.5/§6 names as owning inode lifetime
// (iget/release). This reference implementation never evicts on its
// own; callers that need bounded memory use release explicitly. There
// is no grounding for an eviction policy in either the teacher or the
// rest of the pack, so one isn't invented here.
type InodeCollection struct {
	b  Backend
	sb *SuperBlock

	mu    sync.Mutex
	cache map[uint64]*InodeInfo
}

func newInodeCollection(b Backend, sb *SuperBlock) *InodeCollection {
	return &InodeCollection{b: b, sb: sb, cache: make(map[uint64]*InodeInfo)}
}

// iget returns the InodeInfo for nid, decoding and caching it on first
// access.
func (c *InodeCollection) iget(nid uint64) (*InodeInfo, error) {
	c.mu.Lock()
	if info, ok := c.cache[nid]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	info, err := readInodeInfo(c.b, c.sb, nid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cache[nid]; ok {
		return existing, nil
	}
	c.cache[nid] = &info
	return &info, nil
}

// release drops nid from the cache, if present.
func (c *InodeCollection) release(nid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, nid)
}
