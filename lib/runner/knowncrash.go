// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"fmt"
	"os"
)

// loadKnownCrashes reads dir's entries as a hash allowlist: each
// filename is the hex-encoded SHA-256 of a testcase already
// known to crash the kernel, so a restarted fuzzing session doesn't
// waste cycles re-triggering (and re-reporting) a crash it has
// already recorded. File contents are never read; only the name.
func loadKnownCrashes(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read known-crash-dir %s: %w", dir, err)
	}
	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		known[e.Name()] = struct{}{}
	}
	return known, nil
}
