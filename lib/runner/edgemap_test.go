// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldCoverageEmpty(t *testing.T) {
	bitmap := make([]byte, 1<<16)
	foldCoverage(nil, bitmap)
	for _, b := range bitmap {
		assert.Equal(t, byte(0), b)
	}
}

func TestFoldCoverageSingleEdge(t *testing.T) {
	cov := []uint64{1, 0x1234}
	bitmap := make([]byte, 1<<16)
	foldCoverage(cov, bitmap)

	idx := uint16(0x1234) ^ uint16(initialPrevLoc)
	assert.Equal(t, byte(1), bitmap[idx])
}

func TestFoldCoverageTwoEdgesAccumulate(t *testing.T) {
	cov := []uint64{2, 0x1234, 0x1234}
	bitmap := make([]byte, 1<<16)
	foldCoverage(cov, bitmap)

	first := uint16(0x1234) ^ uint16(initialPrevLoc)
	prev := uint16(0x1234) >> 1
	second := uint16(0x1234) ^ prev

	if first == second {
		assert.Equal(t, byte(2), bitmap[first])
	} else {
		assert.Equal(t, byte(1), bitmap[first])
		assert.Equal(t, byte(1), bitmap[second])
	}
}

func TestFoldCoverageSaturates(t *testing.T) {
	bitmap := make([]byte, 1<<16)
	idx := uint16(0x4321) ^ uint16(initialPrevLoc)
	bitmap[idx] = 0xFF

	foldCoverage([]uint64{1, 0x4321}, bitmap)
	assert.Equal(t, byte(0xFF), bitmap[idx])
}

func TestFoldCoverageClampsOverlongCount(t *testing.T) {
	// cov[0] claims more traced PCs than the slice actually holds; the
	// fold must clamp instead of reading out of bounds.
	cov := []uint64{5, 0x1, 0x2}
	bitmap := make([]byte, 1<<16)
	assert.NotPanics(t, func() {
		foldCoverage(cov, bitmap)
	})
}
