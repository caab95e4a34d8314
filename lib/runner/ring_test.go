// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferWraps(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ring")
	r := newRingBuffer(dir, 3)

	require.NoError(t, r.Persist(0, []byte("a")))
	require.NoError(t, r.Persist(1, []byte("b")))
	require.NoError(t, r.Persist(2, []byte("c")))
	require.NoError(t, r.Persist(3, []byte("d")))

	got, err := os.ReadFile(filepath.Join(dir, "0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), got)

	got, err = os.ReadFile(filepath.Join(dir, "1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestRingBufferCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "ring")
	r := newRingBuffer(dir, 1)

	require.NoError(t, r.Persist(0, []byte("x")))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
