// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
)

// On-disk inode kinds.
const (
	FT_REG_FILE = 1
	FT_DIR      = 2
)

// InodeSize is the fixed encoded size of an inode record. It divides every
// supported sector size, so records never straddle a sector boundary.
const InodeSize = 128

// RawInode represents the on-disk inode record. Records are packed into the
// inode table sectors in table order; a Kind of zero marks an unused slot.
type RawInode struct {
	Ino         uint32     // Inode id, unique and non-zero
	Parent      uint32     // Parent directory inode id, zero for the root
	Kind        uint16     // File type (FT_*)
	Flags       uint16     // Reserved flag bits
	Size        uint64     // File size in bytes, zero for directories
	FirstExtent uint32     // First extent index, NilExtent if none
	NameLen     uint16     // Length of Name in bytes
	Reserved    uint16     // Reserved for future use
	Name        [100]uint8 // Entry name, not null terminated
}

// Inode represents a file or directory entry within the container. It holds
// ids and indices into the image's tables, never raw sector buffers.
type Inode struct {
	ino         uint32
	parent      uint32
	kind        uint16
	flags       uint16
	size        uint64
	firstExtent uint32
	name        string
}

// Ino returns the inode id.
func (ino *Inode) Ino() uint32 {
	return ino.ino
}

// Parent returns the parent directory's inode id, or zero for the root.
func (ino *Inode) Parent() uint32 {
	return ino.parent
}

// Name returns the entry name. The root inode's name is empty.
func (ino *Inode) Name() string {
	return ino.name
}

// Size returns the file size in bytes. Directories have size zero.
func (ino *Inode) Size() uint64 {
	return ino.size
}

// IsRegular indicates whether ino represents a regular file.
func (ino *Inode) IsRegular() bool {
	return ino.kind == FT_REG_FILE
}

// IsDir indicates whether ino represents a directory.
func (ino *Inode) IsDir() bool {
	return ino.kind == FT_DIR
}

// Mode returns the file type and permissions. The format carries no
// permission bits, so files report 0o644 and directories 0o755.
func (ino *Inode) Mode() fs.FileMode {
	if ino.IsDir() {
		return fs.ModeDir | 0o755
	}

	return 0o644
}

// table is the in-memory inode arena: inodes indexed by id, with
// parent/child relationships stored as id references. Child order is table
// order, for deterministic traversal.
type table struct {
	byIno    map[uint32]*Inode
	children map[uint32][]uint32
	order    []uint32
	root     uint32
}

// loadTable reads the inode table and reconstructs the directory forest.
// It fails without exposing a partial tree if any record is malformed or
// the parent references do not form a tree rooted at the root inode.
func loadTable(img *Image) (*table, error) {
	sb := img.SuperBlock()

	t := &table{
		byIno:    make(map[uint32]*Inode, sb.InodeCount),
		children: make(map[uint32][]uint32),
		root:     sb.RootIno,
	}

	perSector := uint64(sb.SectorSize()) / InodeSize

	var (
		buf       []byte
		bufSector = ^uint64(0)
	)
	for idx := uint64(0); idx < uint64(sb.InodeCount); idx++ {
		sector := sb.InodeTableStart + idx/perSector
		if sector != bufSector {
			var err error
			if buf, err = img.Sector(sector); err != nil {
				return nil, err
			}
			bufSector = sector
		}

		off := (idx % perSector) * InodeSize

		var raw RawInode
		if err := binary.Read(bytes.NewReader(buf[off:off+InodeSize]), binary.LittleEndian, &raw); err != nil {
			return nil, err
		}

		if raw.Kind == 0 {
			// Unused slot.
			continue
		}

		if err := t.addRecord(&raw); err != nil {
			return nil, err
		}
	}

	if err := t.link(); err != nil {
		return nil, err
	}

	return t, nil
}

// addRecord validates a raw record and adds it to the arena.
func (t *table) addRecord(raw *RawInode) error {
	if raw.Kind != FT_REG_FILE && raw.Kind != FT_DIR {
		return fmt.Errorf("%w: unknown inode kind %d", ErrMalformedImage, raw.Kind)
	}
	if raw.Ino == 0 {
		return fmt.Errorf("%w: inode record with reserved id 0", ErrMalformedImage)
	}
	if _, ok := t.byIno[raw.Ino]; ok {
		return fmt.Errorf("%w: duplicate inode id %d", ErrCorruptTree, raw.Ino)
	}
	if int(raw.NameLen) > len(raw.Name) {
		return fmt.Errorf("%w: inode %d name length %d", ErrMalformedImage, raw.Ino, raw.NameLen)
	}

	name := string(raw.Name[:raw.NameLen])
	if raw.Ino != t.root {
		if name == "" {
			return fmt.Errorf("%w: inode %d has an empty name", ErrMalformedImage, raw.Ino)
		}
		if bytes.ContainsAny(raw.Name[:raw.NameLen], "/\x00") {
			return fmt.Errorf("%w: inode %d name contains a separator or NUL", ErrMalformedImage, raw.Ino)
		}
	}

	if raw.Kind == FT_DIR {
		if raw.Size != 0 || raw.FirstExtent != NilExtent {
			return fmt.Errorf("%w: directory inode %d carries file data", ErrMalformedImage, raw.Ino)
		}
	}

	ino := &Inode{
		ino:         raw.Ino,
		parent:      raw.Parent,
		kind:        raw.Kind,
		flags:       raw.Flags,
		size:        raw.Size,
		firstExtent: raw.FirstExtent,
		name:        name,
	}

	t.byIno[raw.Ino] = ino
	t.order = append(t.order, raw.Ino)

	return nil
}

// link resolves parent references into child lists and verifies that every
// inode reaches the root within a bounded ancestry walk.
func (t *table) link() error {
	root, ok := t.byIno[t.root]
	if !ok {
		return fmt.Errorf("%w: root inode %d missing from the table", ErrCorruptTree, t.root)
	}
	if !root.IsDir() {
		return fmt.Errorf("%w: root inode %d is not a directory", ErrCorruptTree, t.root)
	}

	for _, id := range t.order {
		ino := t.byIno[id]
		if id == t.root {
			continue
		}

		parent, ok := t.byIno[ino.parent]
		if !ok {
			return fmt.Errorf("%w: inode %d references missing parent %d", ErrCorruptTree, id, ino.parent)
		}
		if !parent.IsDir() {
			return fmt.Errorf("%w: inode %d has non-directory parent %d", ErrCorruptTree, id, ino.parent)
		}

		t.children[ino.parent] = append(t.children[ino.parent], id)
	}

	// A walk that fails to reach the root within the inode count has hit a
	// cycle.
	for _, id := range t.order {
		cur := t.byIno[id]
		for depth := 0; cur.ino != t.root; depth++ {
			if depth > len(t.byIno) {
				return fmt.Errorf("%w: parent cycle involving inode %d", ErrCorruptTree, id)
			}
			cur = t.byIno[cur.parent]
		}
	}

	return nil
}
