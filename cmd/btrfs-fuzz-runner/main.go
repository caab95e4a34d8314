// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-fuzz-runner is a coverage-guided fuzzing harness for
// the kernel btrfs driver: it speaks the AFL++ forkserver protocol
// over fds 198/199,
// decompresses each testcase into a btrfs image, mounts it under kcov
// coverage, scans the kernel log for crashes, and folds the resulting
// edge coverage back into the fuzzer's shared bitmap.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danobi/btrfs-fuzz/lib/runner"
	"github.com/danobi/btrfs-fuzz/lib/textui"
)

func main() {
	// The re-exec'd per-testcase child (see lib/runner.ReexecFlag) is
	// dispatched before any flag parsing: it's this binary's own
	// private fork replacement, not part of the public CLI surface.
	if len(os.Args) > 1 && os.Args[1] == runner.ReexecFlag {
		os.Exit(runChild(os.Args[2:]))
	}

	var debug bool
	var currentDir string
	var lastN int
	var knownCrashDir string

	cmd := &cobra.Command{
		Use:   "btrfs-fuzz-runner",
		Short: "Coverage-guided kernel btrfs fuzzing harness runner",

		Args: cobra.NoArgs,

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, args []string) error {
			level := logrus.InfoLevel
			if debug {
				level = logrus.DebugLevel
			}
			logger := logrus.New()
			logger.SetLevel(level)
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("runner", func(ctx context.Context) error {
				loop, err := runner.New(runner.Config{
					Debug:         debug,
					CurrentDir:    currentDir,
					LastN:         lastN,
					KnownCrashDir: knownCrashDir,
					Exercise:      true,
				})
				if err != nil {
					return err
				}
				defer func() {
					if cerr := loop.Close(); cerr != nil {
						panic(fmt.Sprintf("runner: cleanup: %v", cerr))
					}
				}()
				return loop.Run(ctx)
			})
			return grp.Wait()
		},
	}
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)
	cmd.Flags().BoolVar(&debug, "debug", false, "enable verbose logging")
	cmd.Flags().StringVar(&currentDir, "current-dir", "", "ring-buffer directory for the last N raw testcase inputs")
	cmd.Flags().IntVar(&lastN, "last-n", 15, "number of raw testcase inputs to retain under --current-dir")
	cmd.Flags().StringVar(&knownCrashDir, "known-crash-dir", "", "directory of known-crash testcase hashes to recognize without re-running")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

// runChild dispatches into the re-exec'd per-testcase child and
// returns the process exit code the caller should use.
func runChild(args []string) int {
	if len(args) != 3 {
		fmt.Fprintf(os.Stderr, "runner child: expected 3 args, got %d\n", len(args))
		return 1
	}
	src, dest := args[0], args[1]
	exercise, err := strconv.ParseBool(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner child: invalid exercise flag %q: %v\n", args[2], err)
		return 1
	}
	if err := runner.RunChild(src, dest, exercise); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return runner.ChildExitOK
}
