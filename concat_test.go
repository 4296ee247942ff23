// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pfsfs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/dpeckett/pfsfs"

	"github.com/stretchr/testify/require"
)

func TestConcatReaderAt(t *testing.T) {
	r, err := pfsfs.ConcatReaderAt(
		bytes.NewReader([]byte("hello ")),
		bytes.NewReader([]byte("concatenated ")),
		bytes.NewReader([]byte("world")),
	)
	require.NoError(t, err)

	want := []byte("hello concatenated world")
	require.Equal(t, int64(len(want)), r.Size())

	t.Run("WholeResource", func(t *testing.T) {
		got := make([]byte, len(want))
		n, err := r.ReadAt(got, 0)
		require.NoError(t, err)
		require.Equal(t, len(want), n)
		require.Equal(t, want, got)
	})

	t.Run("SpanningBoundary", func(t *testing.T) {
		got := make([]byte, 10)
		n, err := r.ReadAt(got, 3)
		require.NoError(t, err)
		require.Equal(t, 10, n)
		require.Equal(t, want[3:13], got)
	})

	t.Run("WithinSinglePart", func(t *testing.T) {
		got := make([]byte, 4)
		n, err := r.ReadAt(got, 7)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		require.Equal(t, want[7:11], got)
	})

	t.Run("ReadPastEnd", func(t *testing.T) {
		got := make([]byte, 8)
		n, err := r.ReadAt(got, int64(len(want))-3)
		require.ErrorIs(t, err, io.EOF)
		require.Equal(t, 3, n)
		require.Equal(t, want[len(want)-3:], got[:n])
	})

	t.Run("BeyondEnd", func(t *testing.T) {
		n, err := r.ReadAt(make([]byte, 1), int64(len(want))+10)
		require.ErrorIs(t, err, io.EOF)
		require.Zero(t, n)
	})

	t.Run("NegativeOffset", func(t *testing.T) {
		_, err := r.ReadAt(make([]byte, 1), -1)
		require.Error(t, err)
	})

	t.Run("NoParts", func(t *testing.T) {
		_, err := pfsfs.ConcatReaderAt()
		require.Error(t, err)
	})

	t.Run("EmptyPart", func(t *testing.T) {
		_, err := pfsfs.ConcatReaderAt(
			bytes.NewReader([]byte("data")),
			bytes.NewReader(nil),
		)
		require.Error(t, err)
	})
}
