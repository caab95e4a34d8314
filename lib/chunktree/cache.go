// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package chunktree maps btrfs logical addresses to physical byte
// offsets, as bootstrapped from a superblock's sys_chunk_array and
// extended by walking the chunk tree.
package chunktree

import (
	"fmt"

	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
)

// Key is a logical address range [Start, Start+Size).
type Key struct {
	Start btrfsvol.LogicalAddr
	Size  uint64
}

func (k Key) end() btrfsvol.LogicalAddr {
	return k.Start + btrfsvol.LogicalAddr(k.Size)
}

func (k Key) contains(l btrfsvol.LogicalAddr) bool {
	return l >= k.Start && l < k.end()
}

// Value is the physical offset that Key.Start maps to.
type Value struct {
	Offset btrfsvol.PhysicalAddr
}

// Cache is a linear-scan range map from logical address ranges to
// physical offsets. The expected size is tens of entries, so a linear
// scan is the simplest correct structure -- there is no need for the
// interval-tree machinery a general-purpose, multi-device volume
// manager would carry.
//
// Once bootstrapped and populated by walking the chunk tree, a Cache
// is read-only: Insert is only ever called during that one-time
// construction phase.
type Cache struct {
	entries []entry
}

type entry struct {
	key Key
	val Value
}

// Insert adds a mapping. It panics if the new range overlaps any
// existing range (ranges that merely touch at a boundary are fine).
// An overlapping insert means the chunk tree itself is malformed,
// which is a programming/data error this harness cannot recover
// from.
func (c *Cache) Insert(key Key, val Value) {
	if c.overlaps(key) {
		panic(fmt.Sprintf("chunktree: overlapping range detected: inserting %+v", key))
	}
	c.entries = append(c.entries, entry{key: key, val: val})
}

func (c *Cache) overlaps(key Key) bool {
	for _, e := range c.entries {
		if key.Start < e.key.end() && e.key.Start < key.end() {
			return true
		}
	}
	return false
}

// Lookup returns the (Key, Value) pair whose range contains logical,
// if any.
func (c *Cache) Lookup(logical btrfsvol.LogicalAddr) (Key, Value, bool) {
	for _, e := range c.entries {
		if e.key.contains(logical) {
			return e.key, e.val, true
		}
	}
	return Key{}, Value{}, false
}

// Offset translates a logical address to its physical offset, or
// returns false if logical isn't covered by any stored range.
func (c *Cache) Offset(logical btrfsvol.LogicalAddr) (btrfsvol.PhysicalAddr, bool) {
	key, val, ok := c.Lookup(logical)
	if !ok {
		return 0, false
	}
	return val.Offset + btrfsvol.PhysicalAddr(logical-key.Start), true
}
