// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"bufio"
	"io"
	"os"

	"git.lukeshu.com/go/lowmemjson"
)

// debugState is a low-memory snapshot of the loop's accumulated state,
// dumped to stderr when --debug is set -- just enough to tell a
// human watching a long fuzzing session how many testcases have run
// and how large the known-crash allowlist it started with was,
// without the overhead of a general-purpose encoder holding the whole
// thing in memory at once.
type debugState struct {
	TestcasesRun    int `json:"testcases_run"`
	KnownCrashCount int `json:"known_crash_count"`
}

// dumpDebugState writes state as a single compact JSON line to w.
func dumpDebugState(w io.Writer, state debugState) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	re := lowmemjson.NewReEncoder(buffer, lowmemjson.ReEncoderConfig{
		Indent:                "",
		ForceTrailingNewlines: true,
	})
	return lowmemjson.NewEncoder(re).Encode(state)
}

// logDebugState dumps the loop's current state to stderr, if debug
// logging is enabled.
func (l *Loop) logDebugState() {
	if !l.cfg.Debug {
		return
	}
	_ = dumpDebugState(os.Stderr, debugState{
		TestcasesRun:    l.count,
		KnownCrashCount: len(l.known),
	})
}
