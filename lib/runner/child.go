// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danobi/btrfs-fuzz/lib/kcov"
	"github.com/danobi/btrfs-fuzz/lib/mountutil"
)

// ChildExitOK is the exit code RunChild's caller should use to signal
// a completed run back to the parent; any other exit code not
// explained by a signal is an unrecoverable harness error.
const ChildExitOK = 88

// kcovFD is the fd number the per-testcase child finds its inherited
// kcov control file descriptor at. os/exec.Cmd.ExtraFiles always maps
// its first entry to fd 3 in the child (fds 0-2 are stdin/out/err).
const kcovFD = 3

// RunChild is the re-exec'd child side of one testcase: bind kcov
// tracing to this task, mount the decompressed image, and optionally
// exercise the filesystem. The caller is expected to
// os.Exit(ChildExitOK) if it returns nil.
//
// A refused mount or a failed exercise is a completed run, not an
// error: most fuzzed images don't survive the kernel's mount-time
// validation, and that rejection path is itself coverage worth
// reporting. If the kernel crashed along the way, the parent's kmsg
// scan (or this process dying to a signal) is what says so.
func RunChild(src, dest string, exercise bool) error {
	if err := kcov.EnableFD(kcovFD); err != nil {
		return fmt.Errorf("runner: child enable kcov: %w", err)
	}

	mnt, err := mountutil.New(src, dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner: child mount: %v\n", err)
		return nil
	}

	if exercise {
		if err := exerciseFS(dest); err != nil {
			fmt.Fprintf(os.Stderr, "runner: child exercise: %v\n", err)
		}
	}

	// Teardown failure is always fatal, regardless of how the
	// exercise itself fared -- leaking a mount or loop device across
	// testcases exhausts the system within a handful of runs.
	if err := mnt.Close(); err != nil {
		panic(fmt.Sprintf("runner: child teardown: %v", err))
	}

	return nil
}

// exerciseFS creates a six-deep nested directory and writes+fsyncs a
// small file into it, driving the freshly mounted filesystem past a
// bare mount into ordinary file-creation paths.
func exerciseFS(dest string) error {
	nested := dest
	for i := 0; i < 6; i++ {
		nested = filepath.Join(nested, fmt.Sprintf("d%d", i))
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(nested, "f"))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte("btrfs-fuzz")); err != nil {
		return err
	}
	return f.Sync()
}
