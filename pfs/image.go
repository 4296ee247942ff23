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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dpeckett/pfsfs"
)

// Image represents an open PFS image: the backing resource, its parsed
// superblock, and the sector cipher. It owns all raw sector access; higher
// layers hold only sector indices and inode ids into it.
//
// The backing resource is held for the lifetime of the Image and is never
// reopened per read. All methods are safe for concurrent use provided the
// underlying ReaderAt is.
type Image struct {
	src    pfsfs.SizedReaderAt
	sb     SuperBlock
	cipher *Cipher
}

// OpenImage returns an Image providing sector-level access to the contents
// of src. Most callers want Open, which additionally loads the directory
// tree.
func OpenImage(src pfsfs.SizedReaderAt, opts *Options) (*Image, error) {
	var key []byte
	if opts != nil {
		key = opts.Key
	}

	return newImage(src, key, nil)
}

func newImage(src pfsfs.SizedReaderAt, key []byte, partSizes []int64) (*Image, error) {
	i := &Image{src: src}

	if err := i.initSuperBlock(); err != nil {
		return nil, err
	}

	// A sector must never straddle a part boundary.
	sectorSize := int64(i.sb.SectorSize())
	for n, size := range partSizes {
		if size%sectorSize != 0 {
			return nil, fmt.Errorf("%w: part %d length %d is not sector aligned", ErrMalformedImage, n, size)
		}
	}

	cipher, err := NewCipher(&i.sb, key)
	if err != nil {
		return nil, err
	}
	i.cipher = cipher

	return i, nil
}

// SuperBlock returns a copy of the image's superblock.
func (i *Image) SuperBlock() SuperBlock {
	return i.sb
}

// SectorSize returns the sector size of this image.
func (i *Image) SectorSize() uint32 {
	return i.sb.SectorSize()
}

// SectorCount returns the total sectors of this image.
func (i *Image) SectorCount() uint64 {
	return i.sb.SectorCount
}

// initSuperBlock reads and validates the superblock of this image.
func (i *Image) initSuperBlock() error {
	if i.src.Size() < SuperBlockSize {
		return fmt.Errorf("%w: image too small to hold a superblock", ErrUnrecognizedFormat)
	}

	if err := i.unmarshalFrom(SuperBlockOffset, &i.sb); err != nil {
		return err
	}

	if i.sb.Magic != SuperBlockMagicV1 {
		return fmt.Errorf("%w: unknown magic 0x%x", ErrUnrecognizedFormat, i.sb.Magic)
	}

	sum, err := i.sb.checksum()
	if err != nil {
		return err
	}
	if sum != i.sb.Checksum {
		return fmt.Errorf("%w: invalid superblock checksum 0x%x, expected 0x%x", ErrMalformedImage, sum, i.sb.Checksum)
	}

	if i.sb.SectorSizeBits < MinSectorSizeBits || i.sb.SectorSizeBits > MaxSectorSizeBits {
		return fmt.Errorf("%w: unsupported sector size bits %d", ErrMalformedImage, i.sb.SectorSizeBits)
	}

	if i.sb.SectorCount == 0 {
		return fmt.Errorf("%w: zero sector count", ErrMalformedImage)
	}
	if i.sb.SectorCount > uint64(i.src.Size())>>i.sb.SectorSizeBits {
		return fmt.Errorf("%w: declared sector count %d exceeds image capacity", ErrMalformedImage, i.sb.SectorCount)
	}

	if i.sb.InodeCount == 0 || i.sb.RootIno == 0 {
		return fmt.Errorf("%w: no root inode declared", ErrMalformedImage)
	}

	if err := i.checkTableRange("inode", i.sb.InodeTableStart, i.sb.InodeTableSectors()); err != nil {
		return err
	}
	if i.sb.ExtentCount > 0 {
		if err := i.checkTableRange("extent", i.sb.ExtentTableStart, i.sb.ExtentTableSectors()); err != nil {
			return err
		}

		// The two metadata regions must not overlap.
		if i.sb.InodeTableStart < i.sb.ExtentTableStart+i.sb.ExtentTableSectors() &&
			i.sb.ExtentTableStart < i.sb.InodeTableStart+i.sb.InodeTableSectors() {
			return fmt.Errorf("%w: inode and extent tables overlap", ErrMalformedImage)
		}
	}

	return nil
}

func (i *Image) checkTableRange(name string, start, sectors uint64) error {
	if start == 0 {
		return fmt.Errorf("%w: %s table claims the superblock sector", ErrMalformedImage, name)
	}
	if start+sectors < start || start+sectors > i.sb.SectorCount {
		return fmt.Errorf("%w: %s table exceeds the image's sector count", ErrMalformedImage, name)
	}

	return nil
}

// Sector returns the decrypted contents of the sector identified by n.
// Sector 0 holds the plaintext superblock and is returned as read.
func (i *Image) Sector(n uint64) ([]byte, error) {
	buf, err := i.RawSector(n)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return buf, nil
	}

	return i.cipher.DecryptSector(n, buf), nil
}

// RawSector returns the raw (possibly encrypted) contents of the sector
// identified by n.
func (i *Image) RawSector(n uint64) ([]byte, error) {
	if n >= i.sb.SectorCount {
		return nil, fmt.Errorf("%w: sector %d of %d", ErrOutOfRange, n, i.sb.SectorCount)
	}

	buf, err := i.bytesAt(i.sb.SectorToOffset(n), int64(i.sb.SectorSize()))
	if err != nil {
		return nil, fmt.Errorf("%w: read sector %d: %w", ErrIO, n, err)
	}

	return buf, nil
}

// bytesAt returns the bytes at [off, off+n) of the image.
func (i *Image) bytesAt(off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := i.src.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func (i *Image) unmarshalFrom(off int64, data any) error {
	if err := binary.Read(io.NewSectionReader(i.src, off, int64(binary.Size(data))),
		binary.LittleEndian, data); err != nil {
		return fmt.Errorf("%w: read %d bytes at offset %d: %w", ErrIO, binary.Size(data), off, err)
	}

	return nil
}
