// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danobi/btrfs-fuzz/lib/binstruct"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
)

func marshalNode(t *testing.T, hdr NodeHeader) []byte {
	t.Helper()
	buf, err := binstruct.Marshal(hdr)
	require.NoError(t, err)
	return buf
}

func TestParseHeaderTooShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, NodeHeaderSize-1))
	assert.Error(t, err)
}

func TestParseLeafRoundTrip(t *testing.T) {
	hdr := NodeHeader{NumItems: 1, Level: 0}
	buf := marshalNode(t, hdr)

	// The payload sits immediately after the single item header, so
	// its offset within the data area is exactly one item header.
	ih := ItemHeader{
		Key:        Key{ObjectID: 5, ItemType: 1, Offset: 0},
		DataOffset: ItemHeaderSize,
		DataSize:   4,
	}
	ihBuf, err := binstruct.Marshal(ih)
	require.NoError(t, err)
	buf = append(buf, ihBuf...)
	buf = append(buf, []byte{0xaa, 0xbb, 0xcc, 0xdd}...)

	items, err := ParseLeaf(buf, hdr)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ObjID(5), items[0].Key.ObjectID)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, items[0].Data)
}

func TestParseLeafShortReadOnItemHeader(t *testing.T) {
	hdr := NodeHeader{NumItems: 1, Level: 0}
	buf := marshalNode(t, hdr)

	_, err := ParseLeaf(buf, hdr)
	assert.Error(t, err)
}

func TestParseLeafPayloadOutOfBounds(t *testing.T) {
	hdr := NodeHeader{NumItems: 1, Level: 0}
	buf := marshalNode(t, hdr)

	ih := ItemHeader{DataOffset: 0, DataSize: 1000}
	ihBuf, err := binstruct.Marshal(ih)
	require.NoError(t, err)
	buf = append(buf, ihBuf...)

	_, err = ParseLeaf(buf, hdr)
	assert.Error(t, err)
}

func TestParseInternalRoundTrip(t *testing.T) {
	hdr := NodeHeader{NumItems: 2, Level: 1}
	buf := marshalNode(t, hdr)

	for i := 0; i < 2; i++ {
		kp := KeyPointer{
			Key:        Key{ObjectID: ObjID(i)},
			BlockPtr:   btrfsvol.LogicalAddr(0x1000 * i),
			Generation: Generation(i),
		}
		kpBuf, err := binstruct.Marshal(kp)
		require.NoError(t, err)
		buf = append(buf, kpBuf...)
	}

	ptrs, err := ParseInternal(buf, hdr)
	require.NoError(t, err)
	require.Len(t, ptrs, 2)
	assert.Equal(t, ObjID(0), ptrs[0].Key.ObjectID)
	assert.Equal(t, ObjID(1), ptrs[1].Key.ObjectID)
}

func TestLeafMetadataSize(t *testing.T) {
	hdr := NodeHeader{NumItems: 3}
	assert.Equal(t, NodeHeaderSize+3*ItemHeaderSize, LeafMetadataSize(hdr))
}

func TestInternalMetadataSize(t *testing.T) {
	hdr := NodeHeader{NumItems: 4}
	assert.Equal(t, NodeHeaderSize+4*KeyPointerSize, InternalMetadataSize(hdr))
}
