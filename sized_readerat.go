// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package pfsfs provides read-only access to PFS container images, the
// sector-addressed, optionally encrypted filesystem format used by certain
// console disc and update images.
package pfsfs

import (
	"io"
)

// SizedReaderAt is an io.ReaderAt with a known length. *io.SectionReader
// satisfies it, so an *os.File can be adapted with io.NewSectionReader.
type SizedReaderAt interface {
	io.ReaderAt

	// Size returns the total length of the underlying resource in bytes.
	Size() int64
}
