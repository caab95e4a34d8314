// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-fuzz-mutator is built with -buildmode=c-shared to
// produce the custom-mutator shared object AFL++ loads via
// -c <path>.so.
package main

/*
#include <stddef.h>
*/
import "C"

import (
	"unsafe"

	"github.com/danobi/btrfs-fuzz/lib/mutator"
)

//export afl_custom_init
func afl_custom_init(afl unsafe.Pointer, seed C.uint) unsafe.Pointer {
	state := mutator.NewState(uint32(seed))
	return pinState(state)
}

//export afl_custom_fuzz
func afl_custom_fuzz(
	data unsafe.Pointer,
	buf *C.uchar,
	bufSize C.size_t,
	outBuf **C.uchar,
	addBuf *C.uchar,
	addBufSize C.size_t,
	maxSize C.size_t,
) C.size_t {
	state := lookupState(data)
	if state == nil {
		*outBuf = nil
		return 0
	}

	in := C.GoBytes(unsafe.Pointer(buf), C.int(bufSize))
	out := state.Fuzz(in, int(maxSize))
	if out == nil {
		*outBuf = nil
		return 0
	}

	*outBuf = (*C.uchar)(unsafe.Pointer(&out[0]))
	return C.size_t(len(out))
}

//export afl_custom_deinit
func afl_custom_deinit(data unsafe.Pointer) {
	state := lookupState(data)
	if state == nil {
		return
	}
	state.Close()
	unpinState(data)
}

func main() {}
