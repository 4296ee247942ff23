// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pfsfs

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// ConcatReaderAt returns a SizedReaderAt presenting parts as a single
// logically concatenated resource. Images split across multiple backing
// files can be opened by passing one part per file, in order.
//
// Reads may span part boundaries. The returned reader is safe for
// concurrent use if the underlying parts are.
func ConcatReaderAt(parts ...SizedReaderAt) (SizedReaderAt, error) {
	if len(parts) == 0 {
		return nil, errors.New("no parts")
	}

	c := &concatReaderAt{parts: parts}
	for i, part := range parts {
		n := part.Size()
		if n <= 0 {
			return nil, fmt.Errorf("part %d is empty", i)
		}

		c.offsets = append(c.offsets, c.size)
		c.size += n
	}

	return c, nil
}

type concatReaderAt struct {
	parts []SizedReaderAt
	// offsets[i] is the logical offset at which parts[i] begins.
	offsets []int64
	size    int64
}

func (c *concatReaderAt) Size() int64 {
	return c.size
}

func (c *concatReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("invalid offset %d", off)
	}

	var total int
	for len(p) > 0 && off < c.size {
		// Find the last part beginning at or before off.
		i := sort.Search(len(c.offsets), func(i int) bool {
			return c.offsets[i] > off
		}) - 1

		partOff := off - c.offsets[i]
		want := int64(len(p))
		if remaining := c.parts[i].Size() - partOff; want > remaining {
			want = remaining
		}

		n, err := c.parts[i].ReadAt(p[:want], partOff)
		total += n
		off += int64(n)
		p = p[n:]

		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == want) {
			return total, err
		}
		if int64(n) < want {
			return total, io.ErrUnexpectedEOF
		}
	}

	if len(p) > 0 {
		return total, io.EOF
	}

	return total, nil
}
