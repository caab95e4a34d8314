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

func TestLoadKnownCrashes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deadbeef"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cafef00d"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	known, err := loadKnownCrashes(dir)
	require.NoError(t, err)

	assert.Len(t, known, 2)
	_, ok := known["deadbeef"]
	assert.True(t, ok)
	_, ok = known["cafef00d"]
	assert.True(t, ok)
	_, ok = known["subdir"]
	assert.False(t, ok)
}

func TestLoadKnownCrashesMissingDir(t *testing.T) {
	_, err := loadKnownCrashes(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
