// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/danobi/btrfs-fuzz/lib/kcov"
)

// ReexecFlag is the hidden first argument cmd/btrfs-fuzz-runner
// recognizes to dispatch into RunChild instead of the documented CLI.
//
// Forking the Go runtime without an immediate exec is unsafe: only
// the calling OS thread survives the fork, so if any other goroutine
// happened to be holding a runtime lock (the memory allocator, the
// scheduler, a pending GC) at that instant, the forked copy can never
// make progress past it. The mount/mkdir/write work the child needs
// to do is exactly the kind of real Go-runtime work that's unsafe to
// perform in that state. So instead of fork(), this harness re-execs
// itself: a fresh process, fresh runtime, that inherits the kcov
// control fd across the exec boundary (the kcov driver's vmalloc'd
// trace buffer is tied to the open file description, not to an
// address space, so the parent still reads the child's coverage out
// of its own mapping after waiting).
const ReexecFlag = "__runner-child"

// childResult is the parent-side outcome of one spawnChild call.
type childResult struct {
	// crashed is true if the child was terminated by a signal --
	// that's a kernel crash verdict regardless of the kmsg scan
	// outcome.
	crashed bool
	// fatal is non-nil for an unrecoverable harness error: any exit
	// code other than ChildExitOK not explained by a signal.
	fatal error
}

// spawnChild runs the per-testcase child: reset the kcov trace count,
// re-exec self with the kcov control fd inherited, and wait for it to
// mount+exercise the image and exit.
func spawnChild(kc *kcov.Kcov, src, dest string, exercise bool) childResult {
	kc.ResetCount()

	cmd := exec.Command(os.Args[0], ReexecFlag, src, dest, fmt.Sprint(exercise))
	cmd.ExtraFiles = []*os.File{kc.File()}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		// The child only ever exits ChildExitOK on success; a zero
		// exit means it never reached RunChild at all.
		return childResult{fatal: fmt.Errorf("runner: child exited 0, expected %d", ChildExitOK)}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return childResult{fatal: fmt.Errorf("runner: exec child: %w", err)}
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return childResult{fatal: fmt.Errorf("runner: child wait status: %w", err)}
	}
	if ws.Signaled() {
		return childResult{crashed: true}
	}
	if ws.ExitStatus() == ChildExitOK {
		return childResult{}
	}
	return childResult{fatal: fmt.Errorf("runner: child exited %d: %w", ws.ExitStatus(), err)}
}
