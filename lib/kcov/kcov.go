// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package kcov wraps the kernel's per-task coverage tracer
// (Documentation/dev-tools/kcov.rst): open the control file,
// size and mmap its shared PC-trace buffer, and toggle tracing around
// the code whose coverage we want attributed to the current testcase.
package kcov

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CoverSize is the number of 8-byte trace slots kcov reserves. Slot 0
// holds the number of PCs recorded since the last Enable; slots
// [1:1+n] hold those PCs.
const CoverSize = 16 << 10

const kcovPath = "/sys/kernel/debug/kcov"

// See include/uapi/linux/kcov.h. KCOV_ENABLE and KCOV_DISABLE are
// declared as argument-less _IO ioctls, but the kernel reads an
// argument word anyway -- a long-standing API wart we have to match.
const (
	kcovInitTrace = 0x80086301 // _IOR('c', 1, unsigned long)
	kcovEnable    = 0x6364     // _IO('c', 100)
	kcovDisable   = 0x6365     // _IO('c', 101)

	kcovTracePC = 0
)

// Kcov is a handle on one task's kcov trace buffer.
type Kcov struct {
	file *os.File
	mmap []byte
	cov  []uint64
}

// New opens the kcov control file, requests a CoverSize trace buffer,
// and maps it into this process.
func New() (*Kcov, error) {
	file, err := os.OpenFile(kcovPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kcov: open %s: %w", kcovPath, err)
	}

	fd := int(file.Fd())
	if err := unix.IoctlSetInt(fd, kcovInitTrace, CoverSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("kcov: KCOV_INIT_TRACE: %w", err)
	}

	mmap, err := unix.Mmap(fd, 0, CoverSize*8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("kcov: mmap trace buffer: %w", err)
	}

	return &Kcov{
		file: file,
		mmap: mmap,
		cov:  unsafe.Slice((*uint64)(unsafe.Pointer(&mmap[0])), CoverSize),
	}, nil
}

// Enable starts PC tracing for the calling OS thread. kcov state is
// per-task, so callers must runtime.LockOSThread around the region
// between Enable and Disable.
func (k *Kcov) Enable() error {
	// Reset before enabling in case a previous run left a stale count.
	k.cov[0] = 0

	if err := unix.IoctlSetInt(int(k.file.Fd()), kcovEnable, kcovTracePC); err != nil {
		return fmt.Errorf("kcov: KCOV_ENABLE: %w", err)
	}

	// The ioctl call itself may have been traced before the kernel
	// actually started recording for us; reset once more so the count
	// reflects only what happens after Enable returns.
	k.cov[0] = 0
	return nil
}

// Disable stops tracing and returns the number of PCs recorded since
// Enable.
func (k *Kcov) Disable() (int, error) {
	n := int(k.cov[0])
	if err := unix.IoctlSetInt(int(k.file.Fd()), kcovDisable, 0); err != nil {
		return 0, fmt.Errorf("kcov: KCOV_DISABLE: %w", err)
	}
	return n, nil
}

// Coverage returns the raw trace buffer: Coverage()[0] is the
// recorded PC count, Coverage()[1:1+n] the PCs themselves.
func (k *Kcov) Coverage() []uint64 {
	return k.cov
}

// ResetCount zeroes the trace-count word (slot 0) of the shared
// buffer. Used by a parent process that holds the mmap'd view on
// behalf of a different task that will actually be traced (see
// EnableFD): the vmalloc'd buffer a kcov fd's mmap backs is shared by
// every mapping of that fd, including one made before a fork, so
// resetting it here is visible to whichever task later calls
// EnableFD on the inherited fd.
func (k *Kcov) ResetCount() {
	k.cov[0] = 0
}

// File returns the open control file, so a parent can pass its
// descriptor to a child process (e.g. via os/exec.Cmd.ExtraFiles)
// that will call EnableFD on the inherited fd number itself.
func (k *Kcov) File() *os.File {
	return k.file
}

// EnableFD starts PC tracing for the calling task using an
// already-initialized kcov control file descriptor -- one opened and
// KCOV_INIT_TRACE'd by a different process (typically this one's
// parent) and inherited across fork+exec. This is how this harness's
// re-exec'd per-testcase child (lib/runner) binds kcov to itself
// without redoing the open/ioctl/mmap dance its parent already did:
// the kernel associates trace state with the calling task the moment
// KCOV_ENABLE is issued, regardless of which process originally
// opened the fd.
func EnableFD(fd int) error {
	if err := unix.IoctlSetInt(fd, kcovEnable, kcovTracePC); err != nil {
		return fmt.Errorf("kcov: KCOV_ENABLE: %w", err)
	}
	return nil
}

// Close unmaps the trace buffer and closes the control file.
func (k *Kcov) Close() error {
	if err := unix.Munmap(k.mmap); err != nil {
		return fmt.Errorf("kcov: munmap trace buffer: %w", err)
	}
	if err := k.file.Close(); err != nil {
		return fmt.Errorf("kcov: close control file: %w", err)
	}
	return nil
}
