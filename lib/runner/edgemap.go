// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

// initialPrevLoc is AFL's classic edge-hash seed for the first PC of
// a trace (see AFLplusplus instrumentation conventions): a fixed
// nonzero starting point so the very first edge doesn't always hash
// to the PC's own low bits against a zeroed previous-location.
const initialPrevLoc = 0xDEAD

// foldCoverage folds kcov's traced PCs into afl-fuzz's edge-transition
// bitmap using AFL's classic edge hash: every traversed
// edge increments a saturating byte counter keyed by the XOR of the
// current and (right-shifted) previous program-counter location.
func foldCoverage(cov []uint64, bitmap []byte) {
	if len(cov) == 0 {
		return
	}
	n := cov[0]
	if n > uint64(len(cov)-1) {
		n = uint64(len(cov) - 1)
	}

	prev := uint16(initialPrevLoc)
	for i := uint64(0); i < n; i++ {
		cur := uint16(cov[1+i] & 0xFFFF)
		idx := cur ^ prev
		if bitmap[idx] != 0xFF {
			bitmap[idx]++
		}
		prev = cur >> 1
	}
}
