// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pfs_test

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"testing"

	"github.com/dpeckett/pfsfs"
	"github.com/dpeckett/pfsfs/internal/testutil"
	"github.com/dpeckett/pfsfs/pfs"

	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x5a, 0xc3}, 16)

// buildTestImage assembles a small tree:
//
//	.
//	├── data.bin    (two non-contiguous extents)
//	├── docs
//	│   ├── empty
//	│   └── readme.txt
//	└── hello.txt
func buildTestImage(b *testutil.ImageBuilder) (contents map[string][]byte) {
	readme := bytes.Repeat([]byte("all work and no play makes jack a dull boy\n"), 128)
	head := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1024) // two full sectors
	tail := []byte("trailing bytes")

	b.Scatter()
	b.AddDir(1, 0, "")
	b.AddDir(2, 1, "docs")
	b.AddFile(3, 2, "readme.txt", readme)
	b.AddFile(4, 1, "hello.txt", []byte("hello world"))
	b.AddFile(5, 2, "empty", nil)
	b.AddFileChunks(6, 1, "data.bin", head, tail)

	return map[string][]byte{
		"docs/readme.txt": readme,
		"hello.txt":       []byte("hello world"),
		"docs/empty":      nil,
		"data.bin":        append(append([]byte{}, head...), tail...),
	}
}

func TestPFS(t *testing.T) {
	b := testutil.NewImageBuilder(2048)
	contents := buildTestImage(b)

	fsys, err := pfs.Open(testutil.Reader(b.Build()), nil)
	require.NoError(t, err)

	t.Run("Open", func(t *testing.T) {
		for path, want := range contents {
			f, err := fsys.Open(path)
			require.NoError(t, err)

			got, err := io.ReadAll(f)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			require.Equal(t, len(want), len(got), path)
			require.Equal(t, want, got, path)
		}
	})

	t.Run("NotExist", func(t *testing.T) {
		_, err := fsys.Open("docs/missing")
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("ReadDir", func(t *testing.T) {
		entries, err := fsys.ReadDir(".")
		require.NoError(t, err)

		require.Len(t, entries, 3)

		require.Equal(t, "data.bin", entries[0].Name())
		require.False(t, entries[0].IsDir())

		require.Equal(t, "docs", entries[1].Name())
		require.True(t, entries[1].IsDir())

		require.Equal(t, "hello.txt", entries[2].Name())
		require.False(t, entries[2].IsDir())
	})

	t.Run("Stat", func(t *testing.T) {
		info, err := fsys.Stat("docs/readme.txt")
		require.NoError(t, err)

		require.Equal(t, "readme.txt", info.Name())
		require.Equal(t, int64(len(contents["docs/readme.txt"])), info.Size())
		require.Equal(t, os.FileMode(0o644), info.Mode())
		require.False(t, info.IsDir())

		ino, ok := info.Sys().(*pfs.Inode)
		require.True(t, ok)
		require.Equal(t, uint32(3), ino.Ino())
		require.Equal(t, uint32(2), ino.Parent())

		info, err = fsys.Stat("docs")
		require.NoError(t, err)
		require.True(t, info.IsDir())
		require.Equal(t, fs.ModeDir|0o755, info.Mode())
	})

	t.Run("SizeSum", func(t *testing.T) {
		// The bytes reachable through the tree account for every file
		// inode's declared size.
		var want, got int64
		for _, data := range contents {
			want += int64(len(data))
		}

		err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			data, err := fs.ReadFile(fsys, path)
			if err != nil {
				return err
			}
			got += int64(len(data))

			return nil
		})
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("Extents", func(t *testing.T) {
		info, err := fsys.Stat("data.bin")
		require.NoError(t, err)

		extents, err := fsys.Extents(info.Sys().(*pfs.Inode))
		require.NoError(t, err)

		// Two chunks, separated by a scatter sector.
		require.Len(t, extents, 2)
		require.Equal(t, uint64(2), extents[0].Count)
		require.Equal(t, uint64(1), extents[1].Count)
		require.Greater(t, extents[1].Start, extents[0].Start+extents[0].Count)
	})

	t.Run("Children", func(t *testing.T) {
		// Children come back in inode table order, not name order.
		children := fsys.Children(fsys.Root())

		var names []string
		for _, child := range children {
			names = append(names, child.Name())
		}
		require.Equal(t, []string{"docs", "hello.txt", "data.bin"}, names)
	})
}

func TestPFSEncrypted(t *testing.T) {
	b := testutil.NewImageBuilder(2048).WithKey(testKey)
	contents := buildTestImage(b)
	img := b.Build()

	t.Run("RoundTrip", func(t *testing.T) {
		fsys, err := pfs.Open(testutil.Reader(img), &pfs.Options{Key: testKey})
		require.NoError(t, err)

		for path, want := range contents {
			got, err := fs.ReadFile(fsys, path)
			require.NoError(t, err)
			require.Equal(t, want, got, path)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		fsys, err := pfs.Open(testutil.Reader(img), &pfs.Options{Key: testKey})
		require.NoError(t, err)

		first, err := fs.ReadFile(fsys, "docs/readme.txt")
		require.NoError(t, err)

		second, err := fs.ReadFile(fsys, "docs/readme.txt")
		require.NoError(t, err)

		require.Equal(t, first, second)
	})

	t.Run("Ciphertext", func(t *testing.T) {
		// The data sectors must not contain the plaintext.
		require.NotContains(t, string(img), "hello world")
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := pfs.Open(testutil.Reader(img), nil)
		require.ErrorIs(t, err, pfs.ErrInvalidKey)
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrong := bytes.Repeat([]byte{0x11}, 32)
		_, err := pfs.Open(testutil.Reader(img), &pfs.Options{Key: wrong})
		require.ErrorIs(t, err, pfs.ErrInvalidKey)
	})

	t.Run("WrongKeyLength", func(t *testing.T) {
		_, err := pfs.Open(testutil.Reader(img), &pfs.Options{Key: []byte("short")})
		require.ErrorIs(t, err, pfs.ErrInvalidKey)
	})
}

func TestPFSMultiPart(t *testing.T) {
	b := testutil.NewImageBuilder(2048)
	contents := buildTestImage(b)
	img := b.Build()

	// Split inside the data region so file content spans the part boundary.
	split := int64(len(img) / 2 / 2048 * 2048)
	require.Greater(t, split, int64(0))

	parts := []pfsfs.SizedReaderAt{
		io.NewSectionReader(bytes.NewReader(img[:split]), 0, split),
		io.NewSectionReader(bytes.NewReader(img[split:]), 0, int64(len(img))-split),
	}

	fsys, err := pfs.OpenParts(parts, nil)
	require.NoError(t, err)

	for path, want := range contents {
		got, err := fs.ReadFile(fsys, path)
		require.NoError(t, err)
		require.Equal(t, want, got, path)
	}

	t.Run("FirstPartAlone", func(t *testing.T) {
		// Part 0 alone declares more sectors than it holds.
		_, err := pfs.OpenImage(parts[0], nil)
		require.ErrorIs(t, err, pfs.ErrMalformedImage)
	})

	t.Run("MisalignedBoundary", func(t *testing.T) {
		odd := []pfsfs.SizedReaderAt{
			io.NewSectionReader(bytes.NewReader(img[:split+7]), 0, split+7),
			io.NewSectionReader(bytes.NewReader(img[split+7:]), 0, int64(len(img))-split-7),
		}

		_, err := pfs.OpenParts(odd, nil)
		require.ErrorIs(t, err, pfs.ErrMalformedImage)
	})
}

func TestPFSErrors(t *testing.T) {
	t.Run("UnrecognizedFormat", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		buildTestImage(b)
		b.EditSuperBlock(func(sb *pfs.SuperBlock) { sb.Magic = 0x12345678 })

		_, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrUnrecognizedFormat)
	})

	t.Run("TooSmall", func(t *testing.T) {
		_, err := pfs.Open(testutil.Reader([]byte("not an image")), nil)
		require.ErrorIs(t, err, pfs.ErrUnrecognizedFormat)
	})

	t.Run("BadChecksum", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		buildTestImage(b)

		img := b.Build()
		img[8] ^= 0xff // version field, covered by the checksum

		_, err := pfs.Open(testutil.Reader(img), nil)
		require.ErrorIs(t, err, pfs.ErrMalformedImage)
	})

	t.Run("BadSectorSize", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		buildTestImage(b)
		b.EditSuperBlock(func(sb *pfs.SuperBlock) { sb.SectorSizeBits = 7 })

		_, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrMalformedImage)
	})

	t.Run("SectorCountExceedsCapacity", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		buildTestImage(b)
		b.EditSuperBlock(func(sb *pfs.SuperBlock) { sb.SectorCount += 16 })

		_, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrMalformedImage)
	})

	t.Run("MissingParent", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFile(2, 99, "orphan", []byte("x"))

		_, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrCorruptTree)
	})

	t.Run("ParentCycle", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddDir(2, 3, "a")
		b.AddDir(3, 2, "b")

		fsys, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrCorruptTree)
		require.Nil(t, fsys) // no partial tree is exposed
	})

	t.Run("DuplicateIno", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFile(2, 1, "one", []byte("x"))
		b.AddFile(2, 1, "two", []byte("y"))

		_, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrCorruptTree)
	})

	t.Run("FileAsParent", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFile(2, 1, "file", []byte("x"))
		b.AddFile(3, 2, "child", []byte("y"))

		_, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.ErrorIs(t, err, pfs.ErrCorruptTree)
	})

	t.Run("TruncatedExtentChain", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFile(2, 1, "file", bytes.Repeat([]byte{1}, 3*2048))
		b.EditExtents(2, func(_ []uint32, records []*pfs.RawExtent) {
			records[0].Count = 2
		})

		fsys, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.NoError(t, err)

		info, err := fsys.Stat("file")
		require.NoError(t, err)

		_, err = fsys.Extents(info.Sys().(*pfs.Inode))
		require.ErrorIs(t, err, pfs.ErrTruncatedExtentChain)
	})

	t.Run("OverlappingExtents", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFileChunks(2, 1, "file", bytes.Repeat([]byte{1}, 2048), []byte("tail"))
		b.EditExtents(2, func(_ []uint32, records []*pfs.RawExtent) {
			records[1].Start = records[0].Start
		})

		fsys, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.NoError(t, err)

		info, err := fsys.Stat("file")
		require.NoError(t, err)

		_, err = fsys.Extents(info.Sys().(*pfs.Inode))
		require.ErrorIs(t, err, pfs.ErrOverlappingExtents)
	})

	t.Run("ExtentChainCycle", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFileChunks(2, 1, "file", bytes.Repeat([]byte{1}, 2048), []byte("tail"))
		b.EditExtents(2, func(indices []uint32, records []*pfs.RawExtent) {
			records[1].Next = indices[0]
		})

		fsys, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.NoError(t, err)

		info, err := fsys.Stat("file")
		require.NoError(t, err)

		_, err = fsys.Extents(info.Sys().(*pfs.Inode))
		require.ErrorIs(t, err, pfs.ErrOverlappingExtents)
	})

	t.Run("ExtentBeyondTable", func(t *testing.T) {
		b := testutil.NewImageBuilder(2048)
		b.AddDir(1, 0, "")
		b.AddFile(2, 1, "file", []byte("x"))
		b.EditInode(2, func(raw *pfs.RawInode) { raw.FirstExtent = 1000 })

		fsys, err := pfs.Open(testutil.Reader(b.Build()), nil)
		require.NoError(t, err)

		info, err := fsys.Stat("file")
		require.NoError(t, err)

		_, err = fsys.Extents(info.Sys().(*pfs.Inode))
		require.ErrorIs(t, err, pfs.ErrMalformedImage)
	})
}

func TestImageSectors(t *testing.T) {
	b := testutil.NewImageBuilder(512)
	b.AddDir(1, 0, "")
	b.AddFile(2, 1, "file", []byte("sector payload"))

	img, err := pfs.OpenImage(testutil.Reader(b.Build()), nil)
	require.NoError(t, err)

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := img.Sector(img.SectorCount())
		require.ErrorIs(t, err, pfs.ErrOutOfRange)
	})

	t.Run("SectorSize", func(t *testing.T) {
		buf, err := img.Sector(0)
		require.NoError(t, err)
		require.Len(t, buf, 512)
	})
}
