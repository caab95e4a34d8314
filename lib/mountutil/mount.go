// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mountutil attaches a raw image file to a loop device and
// mounts it as btrfs.
package mountutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const loopControlPath = "/dev/loop-control"

// Mount holds a loop device attached to a backing file and the btrfs
// mount on top of it. Close tears both down in the order the kernel
// requires: filesystem first, then the loop device, since the mount
// holds a reference on the device.
type Mount struct {
	dest     string
	loopFile *os.File
	loopPath string
}

// New attaches src to a free loop device and mounts it as btrfs at
// dest, creating dest if it does not already exist.
func New(src, dest string) (*Mount, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("mountutil: create mountpoint %s: %w", dest, err)
	}

	loopPath, loopFile, err := attachLoop(src)
	if err != nil {
		return nil, err
	}

	if err := unix.Mount(loopPath, dest, "btrfs", 0, ""); err != nil {
		unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_CLR_FD, 0)
		loopFile.Close()
		return nil, fmt.Errorf("mountutil: mount %s at %s: %w", loopPath, dest, err)
	}

	return &Mount{dest: dest, loopFile: loopFile, loopPath: loopPath}, nil
}

// attachLoop finds a free loop device and attaches src's backing file
// to it, returning the device's path and an open handle on it (which
// the caller must keep open for as long as the device is attached).
func attachLoop(src string) (string, *os.File, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", nil, fmt.Errorf("mountutil: open %s: %w", loopControlPath, err)
	}
	defer ctl.Close()

	idx, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", nil, fmt.Errorf("mountutil: LOOP_CTL_GET_FREE: %w", err)
	}

	backing, err := os.OpenFile(src, os.O_RDWR, 0)
	if err != nil {
		return "", nil, fmt.Errorf("mountutil: open backing file %s: %w", src, err)
	}
	defer backing.Close()

	loopPath := fmt.Sprintf("/dev/loop%d", idx)
	loopFile, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return "", nil, fmt.Errorf("mountutil: open %s: %w", loopPath, err)
	}

	if err := unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		loopFile.Close()
		return "", nil, fmt.Errorf("mountutil: LOOP_SET_FD %s: %w", loopPath, err)
	}

	return loopPath, loopFile, nil
}

// Close unmounts the filesystem and detaches the loop device, in that
// order: the mount holds a kernel refcount on the loop device, so
// detaching first would fail.
func (m *Mount) Close() error {
	if err := unix.Unmount(m.dest, 0); err != nil {
		return fmt.Errorf("mountutil: unmount %s: %w", m.dest, err)
	}

	if err := unix.IoctlSetInt(int(m.loopFile.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		m.loopFile.Close()
		return fmt.Errorf("mountutil: LOOP_CLR_FD %s: %w", m.loopPath, err)
	}

	return m.loopFile.Close()
}
