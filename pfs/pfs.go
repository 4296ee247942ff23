// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package pfs provides read-only access to the contents of a PFS container
// image: the sector-addressed, optionally encrypted filesystem format used
// by certain console disc and update images.
//
// The package parses the container superblock, reconstructs the directory
// tree from the flat inode table, and streams decrypted file content. It
// never writes to the image.
package pfs

import (
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dpeckett/pfsfs"
	"github.com/google/btree"
)

var (
	_ fs.FS        = (*Filesystem)(nil)
	_ fs.ReadDirFS = (*Filesystem)(nil)
	_ fs.StatFS    = (*Filesystem)(nil)
)

// Options configures opening an image.
type Options struct {
	// Key is the externally supplied per-title key material. It is required
	// for encrypted images and ignored for unencrypted ones.
	Key []byte
}

// Filesystem provides access to the directory tree of a PFS image.
type Filesystem struct {
	image *Image
	table *table
	tree  *btree.BTree
}

// Open opens the PFS image contained in src.
//
// The backing resource is held for the lifetime of the filesystem and must
// remain open while it is in use.
func Open(src pfsfs.SizedReaderAt, opts *Options) (*Filesystem, error) {
	return open(src, opts, nil)
}

// OpenParts opens a PFS image split across multiple backing resources,
// logically concatenated in the given order. Every part boundary must fall
// on a sector boundary.
func OpenParts(parts []pfsfs.SizedReaderAt, opts *Options) (*Filesystem, error) {
	src, err := pfsfs.ConcatReaderAt(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}

	partSizes := make([]int64, len(parts))
	for i, part := range parts {
		partSizes[i] = part.Size()
	}

	return open(src, opts, partSizes)
}

func open(src pfsfs.SizedReaderAt, opts *Options, partSizes []int64) (*Filesystem, error) {
	var key []byte
	if opts != nil {
		key = opts.Key
	}

	image, err := newImage(src, key, partSizes)
	if err != nil {
		return nil, err
	}

	table, err := loadTable(image)
	if err != nil {
		return nil, err
	}

	fsys := &Filesystem{
		image: image,
		table: table,
		tree:  btree.New(2),
	}
	fsys.indexPaths(table.root, ".")

	return fsys, nil
}

// indexPaths builds the path index by walking the tree in child (table)
// order. When two siblings share a name, the first keeps the path; the
// duplicate stays reachable through Children and is resolved by the
// extraction policy.
func (fsys *Filesystem) indexPaths(id uint32, path string) {
	ino := fsys.table.byIno[id]

	e := &pathEntry{path: path, inode: ino}
	if fsys.tree.Get(e) == nil {
		fsys.tree.ReplaceOrInsert(e)
	}

	for _, child := range fsys.table.children[id] {
		name := fsys.table.byIno[child].name

		childPath := name
		if path != "." {
			childPath = path + "/" + name
		}

		fsys.indexPaths(child, childPath)
	}
}

// SuperBlock returns a copy of the image's superblock.
func (fsys *Filesystem) SuperBlock() SuperBlock {
	return fsys.image.SuperBlock()
}

// Root returns the root directory inode.
func (fsys *Filesystem) Root() *Inode {
	return fsys.table.byIno[fsys.table.root]
}

// Children returns the entries of the directory dir in table order.
func (fsys *Filesystem) Children(dir *Inode) []*Inode {
	ids := fsys.table.children[dir.ino]

	children := make([]*Inode, len(ids))
	for i, id := range ids {
		children[i] = fsys.table.byIno[id]
	}

	return children
}

// Extents resolves the ordered physical sector runs backing the file ino.
func (fsys *Filesystem) Extents(ino *Inode) ([]Extent, error) {
	if !ino.IsRegular() {
		return nil, fs.ErrInvalid
	}

	return resolveExtents(fsys.image, ino)
}

// FileData returns a reader over the decrypted content of the file ino.
// The reader yields exactly ino.Size() bytes: the final sector is trimmed
// to the remaining byte count.
func (fsys *Filesystem) FileData(ino *Inode) (io.Reader, error) {
	extents, err := fsys.Extents(ino)
	if err != nil {
		return nil, err
	}

	return &fileReader{
		image:     fsys.image,
		extents:   extents,
		remaining: ino.size,
	}, nil
}

func (fsys *Filesystem) Open(name string) (fs.File, error) {
	e := fsys.lookup(name)
	if e == nil {
		return nil, fs.ErrNotExist
	}

	return &file{fsys: fsys, entry: e}, nil
}

func (fsys *Filesystem) ReadDir(name string) ([]fs.DirEntry, error) {
	e := fsys.lookup(name)
	if e == nil {
		return nil, fs.ErrNotExist
	}

	if !e.inode.IsDir() {
		return nil, fs.ErrInvalid
	}

	children := fsys.Children(e.inode)

	dirents := make([]fs.DirEntry, 0, len(children))
	for _, child := range children {
		dirents = append(dirents, &dirEntry{inode: child})
	}

	// fs.ReadDirFS requires entries ordered by name.
	sort.Slice(dirents, func(i, j int) bool {
		return dirents[i].Name() < dirents[j].Name()
	})

	return dirents, nil
}

func (fsys *Filesystem) Stat(name string) (fs.FileInfo, error) {
	e := fsys.lookup(name)
	if e == nil {
		return nil, fs.ErrNotExist
	}

	return &fileInfo{name: baseName(e.path), inode: e.inode}, nil
}

func (fsys *Filesystem) lookup(name string) *pathEntry {
	e := fsys.tree.Get(&pathEntry{path: sanitizePath(name)})
	if e == nil {
		return nil
	}

	return e.(*pathEntry)
}

func sanitizePath(name string) string {
	return strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(filepath.Clean(strings.TrimSpace(name))), "/"), "./")
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

type pathEntry struct {
	path  string
	inode *Inode
}

func (e *pathEntry) Less(than btree.Item) bool {
	return e.path < than.(*pathEntry).path
}

type file struct {
	fsys  *Filesystem
	entry *pathEntry
	r     io.Reader
}

func (f *file) Read(p []byte) (int, error) {
	if f.r == nil {
		var err error
		if f.r, err = f.fsys.FileData(f.entry.inode); err != nil {
			return 0, err
		}
	}

	return f.r.Read(p)
}

func (f *file) Close() error {
	return nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: baseName(f.entry.path), inode: f.entry.inode}, nil
}

type dirEntry struct {
	inode *Inode
}

func (de *dirEntry) Name() string {
	return de.inode.name
}

func (de *dirEntry) IsDir() bool {
	return de.inode.IsDir()
}

func (de *dirEntry) Type() fs.FileMode {
	return de.inode.Mode().Type()
}

func (de *dirEntry) Info() (fs.FileInfo, error) {
	return &fileInfo{name: de.inode.name, inode: de.inode}, nil
}

type fileInfo struct {
	name  string
	inode *Inode
}

func (fi *fileInfo) Name() string {
	if fi.name == "." || fi.name == "" {
		return "."
	}

	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return int64(fi.inode.size)
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.inode.Mode()
}

// ModTime returns the zero time: the format carries no timestamps.
func (fi *fileInfo) ModTime() time.Time {
	return time.Time{}
}

func (fi *fileInfo) IsDir() bool {
	return fi.inode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return fi.inode
}

// fileReader streams a file's decrypted content in extent order, one sector
// at a time.
type fileReader struct {
	image     *Image
	extents   []Extent
	remaining uint64

	ext uint64 // current extent index
	off uint64 // sectors consumed within the current extent
	buf []byte // decrypted bytes not yet returned
}

func (r *fileReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.remaining == 0 {
			return 0, io.EOF
		}

		for r.ext < uint64(len(r.extents)) && r.off == r.extents[r.ext].Count {
			r.ext++
			r.off = 0
		}
		if r.ext >= uint64(len(r.extents)) {
			// Extent coverage was validated against the file size up front.
			return 0, io.ErrUnexpectedEOF
		}

		buf, err := r.image.Sector(r.extents[r.ext].Start + r.off)
		if err != nil {
			return 0, err
		}
		r.off++

		// Trim the final sector to the remaining byte count.
		if r.remaining < uint64(len(buf)) {
			buf = buf[:r.remaining]
		}
		r.buf = buf
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.remaining -= uint64(n)

	return n, nil
}
