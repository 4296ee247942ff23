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
	"errors"
)

// Errors returned while opening and reading a PFS image. All errors
// produced by this package wrap one of these sentinels, so callers can
// classify failures with errors.Is regardless of the attached context
// (sector index, inode id, and so on).
var (
	// ErrUnrecognizedFormat indicates the image does not carry the PFS
	// superblock magic.
	ErrUnrecognizedFormat = errors.New("unrecognized format")

	// ErrMalformedImage indicates the image declares geometry or records
	// that are internally inconsistent or exceed the backing resource.
	ErrMalformedImage = errors.New("malformed image")

	// ErrOutOfRange indicates a sector index at or beyond the declared
	// sector count.
	ErrOutOfRange = errors.New("sector index out of range")

	// ErrIO indicates a failure reading the backing resource. It is never
	// retried internally.
	ErrIO = errors.New("i/o failure")

	// ErrInvalidKey indicates key material of the wrong length, a key that
	// does not match the image's key digest, or a missing key for an
	// encrypted image.
	ErrInvalidKey = errors.New("invalid key")

	// ErrCorruptTree indicates an inode table whose parent references do
	// not form a forest rooted at the root inode.
	ErrCorruptTree = errors.New("corrupt directory tree")

	// ErrNameCollision indicates two sibling entries sharing a name, under
	// a policy that requires unique names.
	ErrNameCollision = errors.New("sibling name collision")

	// ErrTruncatedExtentChain indicates an extent chain that terminates
	// before covering the file's declared size.
	ErrTruncatedExtentChain = errors.New("truncated extent chain")

	// ErrOverlappingExtents indicates two extents claiming the same
	// physical sector.
	ErrOverlappingExtents = errors.New("overlapping extents")
)
