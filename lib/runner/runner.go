// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package runner implements the per-testcase orchestration loop:
// synchronize with the fuzzer's forkserver handshake,
// decompress a testcase into a btrfs image, reset cached kernel
// device state, mount the image under kcov in a re-exec'd child,
// scan the kernel log for crash signatures, fold the resulting
// coverage into AFL's edge bitmap, and report the outcome back.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/danobi/btrfs-fuzz/lib/envelope"
	"github.com/danobi/btrfs-fuzz/lib/forkserver"
	"github.com/danobi/btrfs-fuzz/lib/imgcodec"
	"github.com/danobi/btrfs-fuzz/lib/kcov"
	"github.com/danobi/btrfs-fuzz/lib/kmsg"
	"github.com/danobi/btrfs-fuzz/lib/textui"
)

// ImagePath is the fixed path the runner decompresses each testcase
// to before mounting it.
const ImagePath = "/tmp/btrfsimage"

// MountPath is the fixed mountpoint the runner attaches each
// testcase's loop device at.
const MountPath = "/mnt/btrfs-fuzz"

// Config holds the runner CLI's flags.
type Config struct {
	// Debug enables verbose logging.
	Debug bool
	// CurrentDir is the ring-buffer directory for the last LastN raw
	// inputs; empty disables persistence.
	CurrentDir string
	// LastN is the ring buffer's size. Ignored if CurrentDir is empty.
	LastN int
	// KnownCrashDir is a directory of known-crash testcase hashes;
	// empty disables the allowlist.
	KnownCrashDir string
	// Exercise controls whether the per-testcase child writes a
	// nested directory tree and fsyncs a file after mounting, or only
	// mounts the image.
	Exercise bool
}

// Loop drives the per-testcase state machine.
type Loop struct {
	cfg   Config
	fs    *forkserver.Forkserver
	kc    *kcov.Kcov
	known map[string]struct{}
	ring  *ringBuffer
	count int
}

// New constructs a Loop: it stands up the forkserver handshake and
// the kcov trace buffer once, for the process's lifetime, and loads
// the known-crash-hash allowlist if configured.
func New(cfg Config) (*Loop, error) {
	fs, err := forkserver.New()
	if err != nil {
		return nil, fmt.Errorf("runner: forkserver: %w", err)
	}

	kc, err := kcov.New()
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("runner: kcov: %w", err)
	}

	known := map[string]struct{}{}
	if cfg.KnownCrashDir != "" {
		known, err = loadKnownCrashes(cfg.KnownCrashDir)
		if err != nil {
			_ = kc.Close()
			_ = fs.Close()
			return nil, fmt.Errorf("runner: %w", err)
		}
	}

	var ring *ringBuffer
	if cfg.CurrentDir != "" {
		n := cfg.LastN
		if n <= 0 {
			n = 1
		}
		ring = newRingBuffer(cfg.CurrentDir, n)
	}

	return &Loop{cfg: cfg, fs: fs, kc: kc, known: known, ring: ring}, nil
}

// Close releases the forkserver's shared edge map and the kcov trace
// buffer. Failure here is fatal: leaking either quickly exhausts the
// system.
func (l *Loop) Close() error {
	if err := l.kc.Close(); err != nil {
		return fmt.Errorf("runner: close kcov: %w", err)
	}
	if err := l.fs.Close(); err != nil {
		return fmt.Errorf("runner: close forkserver: %w", err)
	}
	return nil
}

// Run drains testcases from stdin until EOF: each one goes through
// forkserver sync, crash-hash/decompress/reset, the mount-and-exercise
// child, a kmsg crash scan, edge-map folding, and a status report
// back to the fuzzer. Returns nil on a clean exit (empty stdin
// read).
func (l *Loop) Run(ctx context.Context) error {
	progress := textui.NewProgress[runStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progress.Done()
	var stats runStats
	progress.Set(stats)

	for {
		if err := l.fs.NewRun(); err != nil {
			return fmt.Errorf("runner: forkserver sync: %w", err)
		}

		testcase, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("runner: read testcase: %w", err)
		}
		if len(testcase) == 0 {
			dlog.Info(ctx, "stdin exhausted, exiting cleanly")
			return nil
		}

		crashed, err := l.runOne(ctx, testcase)
		if err != nil {
			return err
		}

		if err := l.fs.Report(crashed); err != nil {
			return fmt.Errorf("runner: report status: %w", err)
		}

		l.count++
		stats.Testcases = l.count
		if crashed {
			stats.Crashes++
		}
		progress.Set(stats)
		l.logDebugState()
	}
}

// runStats is the progress line Run keeps updated while it drains
// testcases.
type runStats struct {
	Testcases int
	Crashes   int
}

var _ fmt.Stringer = runStats{}

func (s runStats) String() string {
	return textui.Sprintf("ran %v testcases (%v crashing)", s.Testcases, s.Crashes)
}

// runOne runs exactly one testcase through the state machine and
// reports whether the fuzzer should treat it as a crash. A non-nil
// error is always an unrecoverable harness error, never a crash
// verdict -- those are reported via the bool return instead.
func (l *Loop) runOne(ctx context.Context, testcase []byte) (bool, error) {
	ctx = dlog.WithField(ctx, "runner.testcase", l.count)

	sum := sha256.Sum256(testcase)
	hash := hex.EncodeToString(sum[:])
	if _, ok := l.known[hash]; ok {
		dlog.Infof(ctx, "testcase hash %s matches a known crash", hash)
		return true, nil
	}

	if l.ring != nil {
		if err := l.ring.Persist(l.count, testcase); err != nil {
			return false, fmt.Errorf("runner: persist testcase: %w", err)
		}
	}

	img, err := decodeTestcase(ctx, testcase)
	if err != nil {
		// A malformed envelope means the mutator (or fuzzer) handed us
		// garbage; that's a failed testcase, not a fatal harness
		// error.
		dlog.Debugf(ctx, "decode testcase: %v", err)
		return false, nil
	}

	if err := os.WriteFile(ImagePath, img, 0o644); err != nil {
		return false, fmt.Errorf("runner: write image: %w", err)
	}

	if err := resetDeviceCache(); err != nil {
		return false, fmt.Errorf("runner: reset btrfs device cache: %w", err)
	}

	res := spawnChild(l.kc, ImagePath, MountPath, l.cfg.Exercise)
	if res.fatal != nil {
		return false, res.fatal
	}

	kmsgCrash, err := kmsg.ScanForCrash()
	if err != nil {
		return false, fmt.Errorf("runner: scan kmsg: %w", err)
	}
	crashed := res.crashed || kmsgCrash
	if crashed {
		dlog.Warn(ctx, "testcase crashed")
	}

	foldCoverage(l.kc.Coverage(), l.fs.Shmem())

	return crashed, nil
}

// decodeTestcase unmarshals the envelope and decompresses it into
// full image bytes.
func decodeTestcase(ctx context.Context, raw []byte) ([]byte, error) {
	c, err := envelope.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	img, err := imgcodec.Decompress(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("decompress image: %w", err)
	}
	return img, nil
}
