// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package imgcodec

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/davecgh/go-spew/spew"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danobi/btrfs-fuzz/lib/binstruct"
	"github.com/danobi/btrfs-fuzz/lib/btrfs"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
	"github.com/danobi/btrfs-fuzz/lib/envelope"
	"github.com/danobi/btrfs-fuzz/lib/textui"
)

// The synthetic image used throughout these tests:
//
//	0x10000  superblock, one system chunk in sys_chunk_array mapping
//	         logical [0x20000,0x30000) to physical 0x20000
//	0x20000  chunk tree root (leaf repeating the bootstrap mapping)
//	0x21000  root tree root (leaf with one ROOT_ITEM naming the fs tree)
//	0x22000  fs tree root (internal node with one child pointer)
//	0x23000  fs tree leaf (empty)
const (
	testNodeSize = 0x1000
	testImgSize  = 0x30000

	chunkTreeAddr  = 0x20000
	rootTreeAddr   = 0x21000
	fsInternalAddr = 0x22000
	fsLeafAddr     = 0x23000
)

func testContext() context.Context {
	return dlog.WithLogger(context.Background(), textui.NewLogger(os.Stderr, dlog.LogLevelError))
}

func mustMarshal(t *testing.T, obj any) []byte {
	t.Helper()
	buf, err := binstruct.Marshal(obj)
	require.NoError(t, err)
	return buf
}

// fixBlockCsum stamps the block at img[off:off+blockSize] with the
// same checksum Decompress computes when it heals a block.
func fixBlockCsum(t *testing.T, img []byte, off, blockSize int) {
	t.Helper()
	sum, err := btrfs.CsumTypeCRC32.Sum(img[off+btrfs.CsumSize : off+blockSize-btrfs.CsumSize])
	require.NoError(t, err)
	copy(img[off:off+4], sum[:4])
}

type leafItem struct {
	key  btrfs.Key
	data []byte
}

// writeLeaf lays out a leaf node: header, item table growing forward,
// payloads packed at the tail of the data area the way the kernel
// writes them.
func writeLeaf(t *testing.T, img []byte, off int, owner btrfs.ObjID, addr btrfsvol.LogicalAddr, items []leafItem) {
	t.Helper()
	hdr := btrfs.NodeHeader{
		Addr:     addr,
		Owner:    owner,
		NumItems: uint32(len(items)),
		Level:    0,
	}
	copy(img[off:], mustMarshal(t, hdr))

	tail := testNodeSize
	for i, it := range items {
		tail -= len(it.data)
		ih := btrfs.ItemHeader{
			Key:        it.key,
			DataOffset: uint32(tail - btrfs.NodeHeaderSize),
			DataSize:   uint32(len(it.data)),
		}
		copy(img[off+btrfs.NodeHeaderSize+i*btrfs.ItemHeaderSize:], mustMarshal(t, ih))
		copy(img[off+tail:], it.data)
	}
	fixBlockCsum(t, img, off, testNodeSize)
}

func writeInternal(t *testing.T, img []byte, off int, owner btrfs.ObjID, addr btrfsvol.LogicalAddr, level uint8, ptrs []btrfs.KeyPointer) {
	t.Helper()
	hdr := btrfs.NodeHeader{
		Addr:     addr,
		Owner:    owner,
		NumItems: uint32(len(ptrs)),
		Level:    level,
	}
	copy(img[off:], mustMarshal(t, hdr))
	for i, kp := range ptrs {
		copy(img[off+btrfs.NodeHeaderSize+i*btrfs.KeyPointerSize:], mustMarshal(t, kp))
	}
	fixBlockCsum(t, img, off, testNodeSize)
}

func buildTestImage(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, testImgSize)

	chunk := btrfs.Chunk{
		Length:     testImgSize - chunkTreeAddr,
		Owner:      3,
		StripeLen:  0x10000,
		Type:       2,
		IOAlign:    testNodeSize,
		IOWidth:    testNodeSize,
		SectorSize: testNodeSize,
		NumStripes: 1,
		Stripe:     btrfs.Stripe{DeviceID: 1, Offset: chunkTreeAddr},
	}
	chunkKey := btrfs.Key{ObjectID: 0x100, ItemType: btrfs.ChunkItemKey, Offset: chunkTreeAddr}

	var sb btrfs.Superblock
	sb.Magic = btrfs.SuperblockMagic
	sb.Self = btrfs.SuperblockOffset
	sb.RootTree = rootTreeAddr
	sb.ChunkTree = chunkTreeAddr
	sb.TotalBytes = testImgSize
	sb.NumDevices = 1
	sb.SectorSize = testNodeSize
	sb.NodeSize = testNodeSize
	sb.LeafSize = testNodeSize
	sb.ChecksumType = btrfs.CsumTypeCRC32
	sysArr := append(mustMarshal(t, chunkKey), mustMarshal(t, chunk)...)
	copy(sb.SysChunkArray[:], sysArr)
	sb.SysChunkArraySize = uint32(len(sysArr))

	sum, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = sum
	copy(img[btrfs.SuperblockOffset:], mustMarshal(t, sb))

	writeLeaf(t, img, chunkTreeAddr, 3, chunkTreeAddr, []leafItem{
		{key: chunkKey, data: mustMarshal(t, chunk)},
	})

	rootItem := btrfs.RootItem{Bytenr: fsInternalAddr, Refs: 1, Level: 1}
	writeLeaf(t, img, rootTreeAddr, 1, rootTreeAddr, []leafItem{
		{key: btrfs.Key{ObjectID: 5, ItemType: btrfs.RootItemKey}, data: mustMarshal(t, rootItem)},
	})

	writeInternal(t, img, fsInternalAddr, 5, fsInternalAddr, 1, []btrfs.KeyPointer{
		{Key: btrfs.Key{ObjectID: 0x100, ItemType: 1}, BlockPtr: fsLeafAddr, Generation: 1},
	})
	writeLeaf(t, img, fsLeafAddr, 5, fsLeafAddr, nil)

	return img
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	ctx := testContext()
	img := buildTestImage(t)
	orig := append([]byte(nil), img...)

	c, err := Compress(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(c.Data)), c.DataLen())
	assert.Equal(t, uint32(testNodeSize), c.NodeSize)

	got, err := Decompress(ctx, c)
	require.NoError(t, err)
	require.True(t, bytes.Equal(orig, got), "round trip is not byte-for-byte")
}

func TestCompressRecordsMetadataBlocks(t *testing.T) {
	ctx := testContext()
	img := buildTestImage(t)

	c, err := Compress(ctx, img)
	require.NoError(t, err)

	// A leaf keeps only header+item-table; an internal node keeps
	// header+key-pointers; payload areas are dropped entirely.
	expected := []envelope.Extent{
		{Offset: btrfs.SuperblockOffset, Size: btrfs.SuperblockSize, NeedsCsum: true},
		{Offset: rootTreeAddr, Size: uint64(btrfs.NodeHeaderSize + btrfs.ItemHeaderSize), NeedsCsum: true},
		{Offset: fsInternalAddr, Size: uint64(btrfs.NodeHeaderSize + btrfs.KeyPointerSize), NeedsCsum: true},
		{Offset: fsLeafAddr, Size: uint64(btrfs.NodeHeaderSize), NeedsCsum: true},
	}
	assert.Equal(t, expected, c.Metadata, spew.Sdump(c.Metadata))
}

func TestCompressImageTooSmall(t *testing.T) {
	_, err := Compress(testContext(), make([]byte, btrfs.SuperblockOffset))
	assert.Error(t, err)
}

func TestSuperblockMagicRecovery(t *testing.T) {
	ctx := testContext()
	img := buildTestImage(t)
	orig := append([]byte(nil), img...)

	copy(img[btrfs.SuperblockOffset+btrfs.SuperblockMagicOffset:], "XXXXXXXX")

	c, err := Compress(ctx, img)
	require.NoError(t, err)
	got, err := Decompress(ctx, c)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(orig, got), "corrupted magic was not healed back to the original image")

	var origSB, gotSB btrfs.Superblock
	_, err = binstruct.Unmarshal(orig[btrfs.SuperblockOffset:], &origSB)
	require.NoError(t, err)
	_, err = binstruct.Unmarshal(got[btrfs.SuperblockOffset:], &gotSB)
	require.NoError(t, err)
	assert.True(t, origSB.Equal(gotSB))
}

func TestSuperblockChecksumSelfHealing(t *testing.T) {
	ctx := testContext()
	img := buildTestImage(t)
	orig := append([]byte(nil), img...)

	for i := 0; i < 4; i++ {
		img[btrfs.SuperblockOffset+i] ^= 0xFF
	}

	c, err := Compress(ctx, img)
	require.NoError(t, err)
	got, err := Decompress(ctx, c)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(orig, got), "corrupted checksum was not healed back to the original image")
}

func TestChecksumSensitivity(t *testing.T) {
	ctx := testContext()
	img := buildTestImage(t)
	orig := append([]byte(nil), img...)

	c, err := Compress(ctx, img)
	require.NoError(t, err)

	// Flip one byte of the fs-tree leaf's recorded header, past the
	// checksum field, the way the mutator would.
	var dataOff uint64
	found := false
	for _, e := range c.Metadata {
		if e.Offset == fsLeafAddr {
			found = true
			break
		}
		dataOff += e.Size
	}
	require.True(t, found)
	c.Data[dataOff+0x60] ^= 0xFF

	got, err := Decompress(ctx, c)
	require.NoError(t, err)
	assert.NotEqual(t, orig[fsLeafAddr:fsLeafAddr+4], got[fsLeafAddr:fsLeafAddr+4],
		"recomputed checksum should differ for a perturbed block")
}

func TestDecompressDataLenMismatch(t *testing.T) {
	c := &envelope.CompressedImage{
		Metadata: []envelope.Extent{{Offset: 0, Size: 4}},
		Data:     []byte{1, 2},
	}
	_, err := Decompress(testContext(), c)
	assert.Error(t, err)
}

func TestDecompressExtentPastEnd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	c := &envelope.CompressedImage{
		Base:     enc.EncodeAll(make([]byte, 16), nil),
		Metadata: []envelope.Extent{{Offset: 100, Size: 8}},
		Data:     make([]byte, 8),
		NodeSize: testNodeSize,
	}
	_, err = Decompress(testContext(), c)
	assert.Error(t, err)
}
