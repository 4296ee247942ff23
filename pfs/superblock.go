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
	"hash/crc32"
)

const (
	// Definitions for superblock.
	SuperBlockMagicV1 = 0x31534650 // "PFS1" in little-endian byte order
	SuperBlockOffset  = 0

	// Supported sector sizes, as bit shifts.
	MinSectorSizeBits = 9  // 512
	MaxSectorSizeBits = 16 // 65536

	// Max file name length in bytes.
	MaxNameLen = 100
)

// Superblock feature flags.
const (
	// FlagEncrypted indicates every sector except the superblock sector is
	// encrypted with the per-title key.
	FlagEncrypted = 0x00000001
)

// SuperBlock represents the on-disk superblock. It occupies the start of
// sector 0 and is always stored in plaintext. All multi-byte fields in the
// format are little-endian.
type SuperBlock struct {
	Magic            uint32    // Filesystem magic number
	Checksum         uint32    // CRC32C of this record with Checksum zeroed
	Version          uint32    // Format version
	Flags            uint32    // Feature flags
	SectorSizeBits   uint8     // Sector size in bit shift
	Reserved0        [3]uint8  // Reserved for future use
	SectorCount      uint64    // Total sectors in the image
	InodeTableStart  uint64    // First sector of the inode table
	InodeCount       uint32    // Number of inode records
	RootIno          uint32    // Root directory inode id
	ExtentTableStart uint64    // First sector of the extent table
	ExtentCount      uint32    // Number of extent records
	Reserved1        uint32    // Reserved for future use
	KeyDigest        [16]uint8 // Truncated SHA-256 of the key; zero when unencrypted
	Reserved         [52]uint8 // Reserved for future use
}

// SuperBlockSize is the encoded size of the superblock record.
var SuperBlockSize = int64(binary.Size(SuperBlock{}))

// SectorSize returns the sector size in bytes.
func (sb *SuperBlock) SectorSize() uint32 {
	return 1 << sb.SectorSizeBits
}

// SectorToOffset converts a sector index to the offset in the image.
func (sb *SuperBlock) SectorToOffset(n uint64) int64 {
	return int64(n) << sb.SectorSizeBits
}

// Encrypted indicates whether the image's content sectors are encrypted.
func (sb *SuperBlock) Encrypted() bool {
	return sb.Flags&FlagEncrypted != 0
}

// InodeTableSectors returns the number of sectors occupied by the inode
// table.
func (sb *SuperBlock) InodeTableSectors() uint64 {
	return sectorsFor(uint64(sb.InodeCount)*InodeSize, sb.SectorSize())
}

// ExtentTableSectors returns the number of sectors occupied by the extent
// table.
func (sb *SuperBlock) ExtentTableSectors() uint64 {
	return sectorsFor(uint64(sb.ExtentCount)*ExtentSize, sb.SectorSize())
}

// UpdateChecksum populates the checksum of the superblock record.
func (sb *SuperBlock) UpdateChecksum() error {
	sum, err := sb.checksum()
	if err != nil {
		return err
	}

	sb.Checksum = sum

	return nil
}

func (sb *SuperBlock) checksum() (uint32, error) {
	sbCopy := *sb
	sbCopy.Checksum = 0

	var marshalled bytes.Buffer
	if err := binary.Write(&marshalled, binary.LittleEndian, sbCopy); err != nil {
		return 0, err
	}

	table := crc32.MakeTable(crc32.Castagnoli)

	return crc32.Checksum(marshalled.Bytes(), table), nil
}

// sectorsFor returns the number of sectors needed to hold n bytes.
func sectorsFor(n uint64, sectorSize uint32) uint64 {
	return (n + uint64(sectorSize) - 1) / uint64(sectorSize)
}
