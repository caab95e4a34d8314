// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"fmt"

	"github.com/danobi/btrfs-fuzz/lib/binstruct"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfssum"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
)

// NodeHeader is the fixed-size record at the front of every tree
// node, leaf or internal.
type NodeHeader struct {
	Checksum      btrfssum.CSum        `bin:"off=0x0,  siz=0x20"`
	FSUUID        [0x10]byte           `bin:"off=0x20, siz=0x10"`
	Addr          btrfsvol.LogicalAddr `bin:"off=0x30, siz=0x8"`
	Flags         uint64               `bin:"off=0x38, siz=0x8"`
	ChunkTreeUUID [0x10]byte           `bin:"off=0x40, siz=0x10"`
	Generation    Generation           `bin:"off=0x50, siz=0x8"`
	Owner         ObjID                `bin:"off=0x58, siz=0x8"`
	NumItems      uint32               `bin:"off=0x60, siz=0x4"`
	Level         uint8                `bin:"off=0x64, siz=0x1"`

	binstruct.End `bin:"off=0x65"`
}

// NodeHeaderSize is sizeof(NodeHeader).
const NodeHeaderSize = 0x65

// ItemHeader is one entry of a leaf's item table: it names a Key and
// points at a (offset, size) byte range within the leaf (the offset
// counts from the end of the node header).
type ItemHeader struct {
	Key    Key    `bin:"off=0x0,  siz=0x11"`
	DataOffset uint32 `bin:"off=0x11, siz=0x4"`
	DataSize   uint32 `bin:"off=0x15, siz=0x4"`

	binstruct.End `bin:"off=0x19"`
}

const ItemHeaderSize = 0x19

// KeyPointer is one entry of an internal node's child table.
type KeyPointer struct {
	Key        Key        `bin:"off=0x0,  siz=0x11"`
	BlockPtr   btrfsvol.LogicalAddr `bin:"off=0x11, siz=0x8"`
	Generation Generation `bin:"off=0x19, siz=0x8"`

	binstruct.End `bin:"off=0x21"`
}

const KeyPointerSize = 0x21

// Item is a non-owning view of one leaf item: its key, and the slice
// of the node's bytes holding its payload.
type Item struct {
	Key  Key
	Data []byte
}

// ParseHeader parses the NodeHeader at the front of buf.
func ParseHeader(buf []byte) (NodeHeader, error) {
	var hdr NodeHeader
	if len(buf) < NodeHeaderSize {
		return hdr, fmt.Errorf("btrfs: node too short to contain a header: %d < %d", len(buf), NodeHeaderSize)
	}
	if _, err := binstruct.Unmarshal(buf, &hdr); err != nil {
		return hdr, fmt.Errorf("btrfs: parse node header: %w", err)
	}
	return hdr, nil
}

// ParseLeaf parses a leaf node's item table into non-owning views.
// The caller must have already confirmed hdr.Level == 0.
func ParseLeaf(buf []byte, hdr NodeHeader) ([]Item, error) {
	items := make([]Item, 0, hdr.NumItems)
	off := NodeHeaderSize
	for i := uint32(0); i < hdr.NumItems; i++ {
		if off+ItemHeaderSize > len(buf) {
			return nil, fmt.Errorf("btrfs: short read parsing item header %d", i)
		}
		var ih ItemHeader
		if _, err := binstruct.Unmarshal(buf[off:], &ih); err != nil {
			return nil, fmt.Errorf("btrfs: parse item header %d: %w", i, err)
		}
		off += ItemHeaderSize

		dataStart := NodeHeaderSize + int(ih.DataOffset)
		dataEnd := dataStart + int(ih.DataSize)
		if dataStart < 0 || dataEnd > len(buf) || dataStart > dataEnd {
			return nil, fmt.Errorf("btrfs: item %d payload out of bounds", i)
		}

		items = append(items, Item{
			Key:  ih.Key,
			Data: buf[dataStart:dataEnd],
		})
	}
	return items, nil
}

// ParseInternal parses an internal node's key-pointer table. The
// caller must have already confirmed hdr.Level != 0.
func ParseInternal(buf []byte, hdr NodeHeader) ([]KeyPointer, error) {
	ptrs := make([]KeyPointer, 0, hdr.NumItems)
	off := NodeHeaderSize
	for i := uint32(0); i < hdr.NumItems; i++ {
		if off+KeyPointerSize > len(buf) {
			return nil, fmt.Errorf("btrfs: short read parsing key pointer %d", i)
		}
		var kp KeyPointer
		if _, err := binstruct.Unmarshal(buf[off:], &kp); err != nil {
			return nil, fmt.Errorf("btrfs: parse key pointer %d: %w", i, err)
		}
		ptrs = append(ptrs, kp)
		off += KeyPointerSize
	}
	return ptrs, nil
}

// LeafMetadataSize returns the number of leading bytes of a leaf node
// that constitute its metadata (header + item table, excluding the
// payload area) -- the only bytes an image compressor keeps for a
// leaf.
func LeafMetadataSize(hdr NodeHeader) int {
	return NodeHeaderSize + int(hdr.NumItems)*ItemHeaderSize
}

// InternalMetadataSize returns the number of leading bytes of an
// internal node that constitute its metadata: the header plus its
// key-pointer table. Bytes after the table are not counted.
func InternalMetadataSize(hdr NodeHeader) int {
	return NodeHeaderSize + int(hdr.NumItems)*KeyPointerSize
}
