// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package kmsg scans the kernel message buffer for the telltale
// strings a BUG()/UBSAN diagnostic leaves behind, since
// a hung or soft-crashed child frequently doesn't terminate by signal
// at all -- the only evidence is in dmesg.
package kmsg

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const devKmsg = "/dev/kmsg"

// recordBufSize comfortably exceeds /dev/kmsg's advertised maximum
// record size (see Documentation/ABI/testing/dev-kmsg).
const recordBufSize = 8192

// needles are the substrings whose presence in any /dev/kmsg record
// marks the testcase a failure.
var needles = [...]string{"BUG", "UBSAN:"}

// ScanForCrash drains every currently-pending /dev/kmsg record and
// reports whether any of them contain a crash marker. /dev/kmsg is
// opened non-blocking: each read() returns exactly one record (or
// EAGAIN once none remain), so this never stalls the runner loop
// waiting on new kernel messages that aren't coming.
func ScanForCrash() (bool, error) {
	f, err := os.OpenFile(devKmsg, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false, fmt.Errorf("kmsg: open %s: %w", devKmsg, err)
	}
	defer f.Close()

	found := false
	buf := make([]byte, recordBufSize)
	for {
		n, err := f.Read(buf)
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			return found, fmt.Errorf("kmsg: read %s: %w", devKmsg, err)
		}

		record := string(buf[:n])
		for _, needle := range needles {
			if strings.Contains(record, needle) {
				found = true
			}
		}
	}

	return found, nil
}
