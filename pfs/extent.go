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
	"sort"
)

// ExtentSize is the fixed encoded size of an extent record. It divides
// every supported sector size, so records never straddle a sector boundary.
const ExtentSize = 16

// NilExtent terminates an extent chain.
const NilExtent = ^uint32(0)

// RawExtent represents the on-disk extent record. Records are packed into
// the extent table sectors and chained through Next.
type RawExtent struct {
	Start uint64 // First sector of the run
	Count uint32 // Sectors in the run
	Next  uint32 // Index of the next extent in the chain, NilExtent at the end
}

// Extent describes a contiguous physical run of sectors backing part of a
// file's logical byte stream.
type Extent struct {
	// Start is the first sector of the run.
	Start uint64
	// Count is the number of sectors in the run.
	Count uint64
}

// extentAt returns the extent record identified by idx.
func (i *Image) extentAt(idx uint32) (RawExtent, error) {
	sb := i.SuperBlock()

	perSector := uint64(sb.SectorSize()) / ExtentSize

	buf, err := i.Sector(sb.ExtentTableStart + uint64(idx)/perSector)
	if err != nil {
		return RawExtent{}, err
	}

	off := (uint64(idx) % perSector) * ExtentSize

	var raw RawExtent
	if err := binary.Read(bytes.NewReader(buf[off:off+ExtentSize]), binary.LittleEndian, &raw); err != nil {
		return RawExtent{}, err
	}

	return raw, nil
}

// resolveExtents maps ino's logical byte stream to its ordered physical
// sector runs. The returned extents cover exactly ceil(size/sectorSize)
// sectors, in logical offset order, with no gaps and no overlap.
func resolveExtents(img *Image, ino *Inode) ([]Extent, error) {
	sb := img.SuperBlock()

	need := sectorsFor(ino.size, sb.SectorSize())

	var (
		extents []Extent
		covered uint64
		visited = make(map[uint32]bool)
	)
	for idx := ino.firstExtent; idx != NilExtent; {
		if idx >= sb.ExtentCount {
			return nil, fmt.Errorf("%w: inode %d references extent %d beyond the extent table", ErrMalformedImage, ino.ino, idx)
		}
		if visited[idx] {
			return nil, fmt.Errorf("%w: extent chain of inode %d revisits extent %d", ErrOverlappingExtents, ino.ino, idx)
		}
		visited[idx] = true

		raw, err := img.extentAt(idx)
		if err != nil {
			return nil, err
		}

		if raw.Count == 0 {
			return nil, fmt.Errorf("%w: empty extent %d in chain of inode %d", ErrMalformedImage, idx, ino.ino)
		}
		end := raw.Start + uint64(raw.Count)
		if end < raw.Start || end > sb.SectorCount {
			return nil, fmt.Errorf("%w: extent %d of inode %d exceeds the image's sector count", ErrMalformedImage, idx, ino.ino)
		}
		if raw.Start == 0 {
			return nil, fmt.Errorf("%w: extent %d of inode %d claims the superblock sector", ErrMalformedImage, idx, ino.ino)
		}

		extents = append(extents, Extent{Start: raw.Start, Count: uint64(raw.Count)})
		covered += uint64(raw.Count)
		if covered > need {
			return nil, fmt.Errorf("%w: extent chain of inode %d covers %d sectors, expected %d", ErrMalformedImage, ino.ino, covered, need)
		}

		idx = raw.Next
	}

	if covered < need {
		return nil, fmt.Errorf("%w: inode %d covers %d of %d sectors", ErrTruncatedExtentChain, ino.ino, covered, need)
	}

	if err := checkDisjoint(extents, ino.ino); err != nil {
		return nil, err
	}

	return extents, nil
}

// checkDisjoint verifies that no two extents of the list claim the same
// physical sector.
func checkDisjoint(extents []Extent, ino uint32) error {
	byStart := make([]Extent, len(extents))
	copy(byStart, extents)
	sort.Slice(byStart, func(i, j int) bool {
		return byStart[i].Start < byStart[j].Start
	})

	for i := 1; i < len(byStart); i++ {
		prev, cur := byStart[i-1], byStart[i]
		if prev.Start+prev.Count > cur.Start {
			return fmt.Errorf("%w: inode %d claims sector %d twice", ErrOverlappingExtents, ino, cur.Start)
		}
	}

	return nil
}
