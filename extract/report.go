// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package extract

// Report summarizes an extraction run.
type Report struct {
	// Files is the number of files extracted in full.
	Files int

	// Bytes is the total number of decrypted bytes written, including
	// bytes written to files that subsequently failed.
	Bytes int64

	// Failures lists the per-file failures accumulated under the
	// SkipAndContinue policy, in no particular order.
	Failures []Failure
}

// Failure records a single file that could not be extracted.
type Failure struct {
	// Path is the destination-relative path of the entry.
	Path string

	// Err wraps one of the pfs sentinel errors where applicable.
	Err error
}
