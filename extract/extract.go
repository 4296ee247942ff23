// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package extract materializes the directory tree of an opened PFS image
// onto disk.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/dpeckett/pfsfs/pfs"
	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
)

// FailurePolicy selects how per-file extraction failures are handled.
type FailurePolicy int

const (
	// AbortAll surfaces the first per-file failure immediately and cancels
	// the remaining work.
	AbortAll FailurePolicy = iota

	// SkipAndContinue records per-file failures in the report and keeps
	// going.
	SkipAndContinue
)

// CollisionPolicy selects how sibling entries sharing a name are handled.
type CollisionPolicy int

const (
	// FailFast fails the whole extraction with pfs.ErrNameCollision.
	FailFast CollisionPolicy = iota

	// RenameWithSuffix writes later duplicates under a "name~N" suffix so
	// no data is lost.
	RenameWithSuffix
)

// Options configures an extraction run.
type Options struct {
	FailurePolicy   FailurePolicy
	CollisionPolicy CollisionPolicy

	// Concurrency limits the number of files extracted in parallel. Zero
	// means one worker per CPU.
	Concurrency int
}

// Extract writes the image's directory tree beneath dest, creating every
// directory before the files and subdirectories it contains. File content
// is the exact decrypted bytes; no ordering is guaranteed between sibling
// files.
//
// Cancelling ctx stops new files from being scheduled and lets in-flight
// files drain. Partially written files from a cancelled run, or from files
// skipped under SkipAndContinue, are left in place for the caller to
// inspect; they are never silently deleted.
func Extract(ctx context.Context, fsys *pfs.Filesystem, dest string, opts Options) (*Report, error) {
	p := &planner{fsys: fsys, opts: opts}
	if err := p.walk(fsys.Root(), "."); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", pfs.ErrIO, err)
	}

	// Directories are created in pre-order, so every parent exists before
	// anything beneath it.
	for _, dir := range p.dirs {
		if err := os.Mkdir(filepath.Join(dest, dir), 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %w", pfs.ErrIO, err)
		}
	}

	var (
		report Report
		mu     sync.Mutex
	)

	// fail either surfaces err (AbortAll) or records it and keeps going.
	fail := func(path string, err error) error {
		if opts.FailurePolicy == AbortAll {
			return fmt.Errorf("%s: %w", path, err)
		}

		mu.Lock()
		report.Failures = append(report.Failures, Failure{Path: path, Err: err})
		mu.Unlock()

		return nil
	}

	claims := newClaimSet()

	g, ctx := errgroup.WithContext(ctx)

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(concurrency)

	for _, j := range p.files {
		if ctx.Err() != nil {
			break
		}

		j := j
		g.Go(func() error {
			extents, err := fsys.Extents(j.inode)
			if err != nil {
				return fail(j.path, err)
			}

			// Distinct files must occupy disjoint extent sets.
			if err := claims.claim(extents); err != nil {
				return fail(j.path, err)
			}

			n, err := writeFile(filepath.Join(dest, j.path), fsys, j.inode)

			mu.Lock()
			report.Bytes += n
			if err == nil {
				report.Files++
			}
			mu.Unlock()

			if err != nil {
				return fail(j.path, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &report, err
	}
	if err := ctx.Err(); err != nil {
		return &report, err
	}

	return &report, nil
}

type fileJob struct {
	path  string
	inode *pfs.Inode
}

// planner walks the tree in pre-order, applying the collision policy to
// compute the destination-relative path of every entry.
type planner struct {
	fsys *pfs.Filesystem
	opts Options

	dirs  []string
	files []fileJob
}

func (p *planner) walk(dir *pfs.Inode, path string) error {
	seen := make(map[string]bool)

	for _, child := range p.fsys.Children(dir) {
		name := child.Name()
		if err := checkName(name); err != nil {
			return fmt.Errorf("%w: inode %d: %w", pfs.ErrMalformedImage, child.Ino(), err)
		}

		if seen[name] {
			if p.opts.CollisionPolicy == FailFast {
				return fmt.Errorf("%w: %q in %q", pfs.ErrNameCollision, name, path)
			}

			for n := 1; ; n++ {
				if candidate := fmt.Sprintf("%s~%d", name, n); !seen[candidate] {
					name = candidate
					break
				}
			}
		}
		seen[name] = true

		childPath := filepath.Join(path, name)
		if child.IsDir() {
			p.dirs = append(p.dirs, childPath)
			if err := p.walk(child, childPath); err != nil {
				return err
			}
		} else {
			p.files = append(p.files, fileJob{path: childPath, inode: child})
		}
	}

	return nil
}

// writeFile streams the decrypted content of ino to dst, returning the
// number of bytes written.
func writeFile(dst string, fsys *pfs.Filesystem, ino *pfs.Inode) (int64, error) {
	r, err := fsys.FileData(ino)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", pfs.ErrIO, err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, coerceIO(err)
	}

	return n, nil
}

// coerceIO wraps errors from the copy path with pfs.ErrIO unless they
// already carry a pfs error kind.
func coerceIO(err error) error {
	for _, kind := range []error{
		pfs.ErrIO,
		pfs.ErrOutOfRange,
		pfs.ErrMalformedImage,
		pfs.ErrTruncatedExtentChain,
		pfs.ErrOverlappingExtents,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}

	return fmt.Errorf("%w: %w", pfs.ErrIO, err)
}

// claimSet tracks the physical sector ranges already assigned to a file.
type claimSet struct {
	mu   sync.Mutex
	tree *btree.BTree
}

func newClaimSet() *claimSet {
	return &claimSet{tree: btree.New(2)}
}

type claim struct {
	start, end uint64 // [start, end)
}

func (c claim) Less(than btree.Item) bool {
	return c.start < than.(claim).start
}

// claim registers the extents, failing with pfs.ErrOverlappingExtents if
// any of their sectors is already claimed. On failure nothing is
// registered.
func (s *claimSet) claim(extents []pfs.Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ext := range extents {
		c := claim{start: ext.Start, end: ext.Start + ext.Count}

		overlap := false
		s.tree.DescendLessOrEqual(claim{start: c.start}, func(item btree.Item) bool {
			overlap = item.(claim).end > c.start
			return false
		})
		if !overlap {
			s.tree.AscendGreaterOrEqual(claim{start: c.start}, func(item btree.Item) bool {
				overlap = item.(claim).start < c.end
				return false
			})
		}
		if overlap {
			return fmt.Errorf("%w: sectors %d-%d are claimed by another file", pfs.ErrOverlappingExtents, c.start, c.end-1)
		}
	}

	for _, ext := range extents {
		s.tree.ReplaceOrInsert(claim{start: ext.Start, end: ext.Start + ext.Count})
	}

	return nil
}
