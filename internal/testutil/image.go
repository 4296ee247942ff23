// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package testutil

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/xts"

	"github.com/dpeckett/pfsfs/pfs"
)

// ImageBuilder assembles synthetic PFS images in memory for tests. The
// record edit hooks run after layout, so tests can manufacture every
// corrupt shape the reader must reject.
type ImageBuilder struct {
	sectorSize uint32
	key        []byte
	scatter    bool

	records []*pfs.RawInode
	chunks  map[uint32][][]byte

	editSuperBlock []func(*pfs.SuperBlock)
	editInodes     map[uint32][]func(*pfs.RawInode)
	editExtents    map[uint32][]func(indices []uint32, records []*pfs.RawExtent)
}

// NewImageBuilder returns a builder for an unencrypted image with the given
// sector size. The first inode added becomes the root directory.
func NewImageBuilder(sectorSize uint32) *ImageBuilder {
	return &ImageBuilder{
		sectorSize:  sectorSize,
		chunks:      make(map[uint32][][]byte),
		editInodes:  make(map[uint32][]func(*pfs.RawInode)),
		editExtents: make(map[uint32][]func([]uint32, []*pfs.RawExtent)),
	}
}

// WithKey makes the built image encrypted with the given AES-XTS key.
func (b *ImageBuilder) WithKey(key []byte) *ImageBuilder {
	b.key = key
	return b
}

// Scatter leaves an unused sector after every data chunk, so multi-chunk
// files occupy non-contiguous physical runs.
func (b *ImageBuilder) Scatter() *ImageBuilder {
	b.scatter = true
	return b
}

// AddDir adds a directory inode.
func (b *ImageBuilder) AddDir(ino, parent uint32, name string) {
	b.addRecord(ino, parent, pfs.FT_DIR, name, 0)
}

// AddFile adds a file inode backed by a single extent.
func (b *ImageBuilder) AddFile(ino, parent uint32, name string, data []byte) {
	b.AddFileChunks(ino, parent, name, data)
}

// AddFileChunks adds a file inode whose content is the concatenation of
// chunks, one extent per non-empty chunk. Every chunk except the last must
// be a multiple of the sector size, since extents cover whole sectors.
func (b *ImageBuilder) AddFileChunks(ino, parent uint32, name string, chunks ...[]byte) {
	var size uint64
	for _, chunk := range chunks {
		size += uint64(len(chunk))
		if len(chunk) > 0 {
			b.chunks[ino] = append(b.chunks[ino], chunk)
		}
	}

	b.addRecord(ino, parent, pfs.FT_REG_FILE, name, size)
}

func (b *ImageBuilder) addRecord(ino, parent uint32, kind uint16, name string, size uint64) {
	raw := &pfs.RawInode{
		Ino:         ino,
		Parent:      parent,
		Kind:        kind,
		Size:        size,
		FirstExtent: pfs.NilExtent,
		NameLen:     uint16(len(name)),
	}
	copy(raw.Name[:], name)

	b.records = append(b.records, raw)
}

// EditSuperBlock registers an edit applied before the checksum is computed.
func (b *ImageBuilder) EditSuperBlock(edit func(*pfs.SuperBlock)) {
	b.editSuperBlock = append(b.editSuperBlock, edit)
}

// EditInode registers an edit applied to the inode record after layout.
func (b *ImageBuilder) EditInode(ino uint32, edit func(*pfs.RawInode)) {
	b.editInodes[ino] = append(b.editInodes[ino], edit)
}

// EditExtents registers an edit applied to the file's extent records after
// layout. indices holds the table index of each record, in chain order.
func (b *ImageBuilder) EditExtents(ino uint32, edit func(indices []uint32, records []*pfs.RawExtent)) {
	b.editExtents[ino] = append(b.editExtents[ino], edit)
}

// Build lays out and serializes the image.
func (b *ImageBuilder) Build() []byte {
	sectorSize := uint64(b.sectorSize)

	inodeTableStart := uint64(1)
	inodeTableSectors := sectorsFor(uint64(len(b.records))*pfs.InodeSize, sectorSize)

	// One extent per chunk.
	var extentCount uint64
	for _, record := range b.records {
		extentCount += uint64(len(b.chunks[record.Ino]))
	}

	extentTableStart := inodeTableStart + inodeTableSectors
	extentTableSectors := sectorsFor(extentCount*pfs.ExtentSize, sectorSize)

	// Allocate data sectors chunk by chunk, in record order.
	next := extentTableStart + extentTableSectors

	var (
		extents       []*pfs.RawExtent
		chunkStarts   []uint64
		chunkPayloads [][]byte
	)
	for _, record := range b.records {
		chunks := b.chunks[record.Ino]
		if len(chunks) == 0 {
			continue
		}

		var indices []uint32
		for i, chunk := range chunks {
			count := sectorsFor(uint64(len(chunk)), sectorSize)

			index := uint32(len(extents))
			extents = append(extents, &pfs.RawExtent{
				Start: next,
				Count: uint32(count),
				Next:  pfs.NilExtent,
			})
			if i > 0 {
				extents[indices[i-1]].Next = index
			}
			indices = append(indices, index)

			chunkStarts = append(chunkStarts, next)
			chunkPayloads = append(chunkPayloads, chunk)

			next += count
			if b.scatter {
				next++
			}
		}

		record.FirstExtent = indices[0]

		records := make([]*pfs.RawExtent, len(indices))
		for i, index := range indices {
			records[i] = extents[index]
		}
		for _, edit := range b.editExtents[record.Ino] {
			edit(indices, records)
		}
	}

	for _, record := range b.records {
		for _, edit := range b.editInodes[record.Ino] {
			edit(record)
		}
	}

	sectorCount := next

	sb := pfs.SuperBlock{
		Magic:            pfs.SuperBlockMagicV1,
		Version:          1,
		SectorSizeBits:   uint8(bits.TrailingZeros32(b.sectorSize)),
		SectorCount:      sectorCount,
		InodeTableStart:  inodeTableStart,
		InodeCount:       uint32(len(b.records)),
		RootIno:          b.rootIno(),
		ExtentTableStart: extentTableStart,
		ExtentCount:      uint32(len(extents)),
	}
	if b.key != nil {
		sb.Flags |= pfs.FlagEncrypted
		sb.KeyDigest = pfs.KeyDigest(b.key)
	}

	for _, edit := range b.editSuperBlock {
		edit(&sb)
	}
	if err := sb.UpdateChecksum(); err != nil {
		panic(err)
	}

	img := make([]byte, sectorCount*sectorSize)

	for i, record := range b.records {
		marshalAt(img, (inodeTableStart*sectorSize)+uint64(i)*pfs.InodeSize, record)
	}
	for i, record := range extents {
		marshalAt(img, (extentTableStart*sectorSize)+uint64(i)*pfs.ExtentSize, record)
	}
	for i, chunk := range chunkPayloads {
		copy(img[chunkStarts[i]*sectorSize:], chunk)
	}

	if b.key != nil {
		c, err := xts.NewCipher(aes.NewCipher, b.key)
		if err != nil {
			panic(fmt.Sprintf("bad test key: %v", err))
		}

		// Everything except the superblock sector is encrypted.
		for n := uint64(1); n < sectorCount; n++ {
			sector := img[n*sectorSize : (n+1)*sectorSize]
			c.Encrypt(sector, sector, n)
		}
	}

	marshalAt(img, 0, &sb)

	return img
}

// Reader wraps a built image so it satisfies pfsfs.SizedReaderAt.
func Reader(img []byte) *bytes.Reader {
	return bytes.NewReader(img)
}

func (b *ImageBuilder) rootIno() uint32 {
	if len(b.records) == 0 {
		return 0
	}

	return b.records[0].Ino
}

func marshalAt(img []byte, off uint64, data any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		panic(err)
	}

	copy(img[off:], buf.Bytes())
}

func sectorsFor(n, sectorSize uint64) uint64 {
	return (n + sectorSize - 1) / sectorSize
}
