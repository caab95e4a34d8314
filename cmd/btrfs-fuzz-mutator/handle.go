// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"runtime/cgo"
	"unsafe"

	"github.com/danobi/btrfs-fuzz/lib/mutator"
)

// pinState registers state with the Go runtime via runtime/cgo.Handle
// so it can be handed to C as an opaque pointer without the cgo
// pointer-passing rules being violated, and recovered again in
// afl_custom_fuzz/afl_custom_deinit.
func pinState(state *mutator.State) unsafe.Pointer {
	h := cgo.NewHandle(state)
	return unsafe.Pointer(uintptr(h))
}

func lookupState(data unsafe.Pointer) *mutator.State {
	if data == nil {
		return nil
	}
	h := cgo.Handle(uintptr(data))
	v, ok := h.Value().(*mutator.State)
	if !ok {
		return nil
	}
	return v
}

func unpinState(data unsafe.Pointer) {
	if data == nil {
		return
	}
	cgo.Handle(uintptr(data)).Delete()
}
