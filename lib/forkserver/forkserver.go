// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package forkserver implements a fake AFL++ forkserver: the fuzzer
// believes it forks a child per testcase, but this process actually
// runs a persistent loop and reports a hardcoded sentinel PID. It
// speaks just enough of the real forkserver handshake over the
// hardcoded fds 198/199 to keep afl-fuzz's bookkeeping happy; see
// AFLplusplus/include/forkserver.h for the other side.
package forkserver

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// MapSize is the shared-memory edge bitmap size afl-fuzz allocates
// via __AFL_SHM_ID (see AFLplusplus/include/config.h).
const MapSize = 1 << 16

const (
	readFD  = 198
	writeFD = readFD + 1
)

// Forkserver status/flag words, per AFLplusplus/include/forkserver.h.
const (
	enabledFlag = 0x80000001
	mapsizeFlag = 0x40000000

	fakePID = math.MaxInt32

	statusOK      = 0
	statusSIGSEGV = 139
)

// Forkserver is a fake AFL++ forkserver: it does not fork, it only
// speaks the handshake protocol over fds 198/199 and exposes the
// shared edge-coverage bitmap.
type Forkserver struct {
	// disabled is true when we're not actually running under
	// afl-fuzz (e.g. standalone reproduction of a testcase), in
	// which case every protocol method is a no-op.
	disabled bool

	shm      []byte
	attached bool
}

// New constructs a Forkserver: it attaches the shared edge bitmap
// named by __AFL_SHM_ID, or falls back to a private anonymous buffer
// and disables the protocol entirely. If enabled, it sends the
// greeting word before returning.
func New() (*Forkserver, error) {
	fs := &Forkserver{disabled: os.Getenv("AFL_NO_FORKSRV") != ""}

	idStr, ok := os.LookupEnv("__AFL_SHM_ID")
	if !ok {
		fmt.Fprintln(os.Stderr, "forkserver: running outside of AFL")
		fs.disabled = true
		fs.shm = make([]byte, MapSize)
		return fs, nil
	}

	id, err := strconv.Atoi(idStr)
	if err != nil {
		return nil, fmt.Errorf("forkserver: invalid __AFL_SHM_ID %q: %w", idStr, err)
	}
	shm, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("forkserver: shmat edge buffer: %w", err)
	}
	fs.shm = shm
	fs.attached = true

	if !fs.disabled {
		hello := uint32(enabledFlag | mapsizeFlag | ((MapSize - 1) << 1))
		if err := writeWord(hello); err != nil {
			return nil, fmt.Errorf("forkserver: greeting: %w", err)
		}
	}

	return fs, nil
}

// Shmem returns the shared edge-coverage bitmap afl-fuzz reads after
// every reported status.
func (f *Forkserver) Shmem() []byte {
	return f.shm
}

// NewRun synchronizes with the fuzzer at the start of a testcase:
// it reads the was-killed word from the previous run
// (its value is irrelevant to us, since we never actually kill
// anything) and responds with the hardcoded fake PID.
func (f *Forkserver) NewRun() error {
	if f.disabled {
		return nil
	}
	if _, err := readWord(); err != nil {
		return fmt.Errorf("forkserver: read was-killed word: %w", err)
	}
	if err := writeWord(fakePID); err != nil {
		return fmt.Errorf("forkserver: write fake pid: %w", err)
	}
	return nil
}

// Report tells afl-fuzz how the testcase we just ran fared: a clean
// exit reports status 0, a crash reports 139 (the low byte of
// wait()'s wstatus for a SIGSEGV-terminated child).
func (f *Forkserver) Report(crashed bool) error {
	if f.disabled {
		return nil
	}
	status := uint32(statusOK)
	if crashed {
		status = statusSIGSEGV
	}
	if err := writeWord(status); err != nil {
		return fmt.Errorf("forkserver: report status: %w", err)
	}
	return nil
}

// Close releases the shared edge buffer.
func (f *Forkserver) Close() error {
	if !f.attached {
		return nil
	}
	if err := unix.SysvShmDetach(f.shm); err != nil {
		return fmt.Errorf("forkserver: shmdt edge buffer: %w", err)
	}
	f.attached = false
	return nil
}

func readWord() (uint32, error) {
	var buf [4]byte
	n, err := unix.Read(readFD, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read: got %d of %d bytes", n, len(buf))
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeWord(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	n, err := unix.Write(writeFD, buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}
