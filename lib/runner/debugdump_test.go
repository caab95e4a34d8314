// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpDebugState(t *testing.T) {
	var buf bytes.Buffer
	err := dumpDebugState(&buf, debugState{TestcasesRun: 3, KnownCrashCount: 1})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `testcases_run`)
	assert.Contains(t, out, `known_crash_count`)
}

func TestLogDebugStateNoopWithoutDebug(t *testing.T) {
	l := &Loop{cfg: Config{Debug: false}}
	assert.NotPanics(t, func() {
		l.logDebugState()
	})
}
