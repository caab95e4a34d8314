// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const btrfsControlPath = "/dev/btrfs-control"

// btrfsIocForgetDev is BTRFS_IOC_FORGET_DEV: _IOW(0x94, 5, struct
// btrfs_ioctl_vol_args), where struct btrfs_ioctl_vol_args is an
// 8-byte fd field followed by a 4088-byte device-path buffer (4096
// bytes total) -- see linux/btrfs.h. A zeroed args record (fd == 0,
// empty path) tells the kernel to forget every device it has cached
// that currently has no open block device backing it, which is
// exactly the stale state a prior testcase's detached loop device
// leaves behind.
const btrfsIocForgetDev = 0x50009405

const btrfsIoctlVolArgsSize = 4096

// resetDeviceCache issues BTRFS_IOC_FORGET_DEV so the kernel drops
// cached device registrations from prior testcases --
// without this, mounting a new image on a reused loop-device path can
// see stale chunk-tree/device state left over from before.
func resetDeviceCache() error {
	f, err := os.OpenFile(btrfsControlPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", btrfsControlPath, err)
	}
	defer f.Close()

	var args [btrfsIoctlVolArgsSize]byte
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(btrfsIocForgetDev), uintptr(unsafe.Pointer(&args[0])))
	if errno != 0 {
		return fmt.Errorf("BTRFS_IOC_FORGET_DEV: %w", errno)
	}
	return nil
}
