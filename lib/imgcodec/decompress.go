// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package imgcodec

import (
	"context"
	"encoding/binary"
	"fmt"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
	"github.com/klauspost/compress/zstd"

	"github.com/danobi/btrfs-fuzz/lib/btrfs"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfssum"
	"github.com/danobi/btrfs-fuzz/lib/envelope"
)

// bufPool hands out scratch buffers for the zstd-decoded image so
// repeated decompress calls (one per fuzzer testcase) reuse the decode
// buffer. The image returned to the caller is a fresh copy on every
// call.
var bufPool = typedsync.Pool[[]byte]{
	New: func() []byte { return nil },
}

// isSuperblockOffset reports whether offset is one of the three
// superblock mirror locations.
func isSuperblockOffset(offset uint64) bool {
	return offset == btrfs.SuperblockOffset ||
		offset == btrfs.SuperblockOffset2 ||
		offset == btrfs.SuperblockOffset3
}

// Decompress reconstructs the full image bytes from a CompressedImage
// produced by Compress.
func Decompress(ctx context.Context, c *envelope.CompressedImage) ([]byte, error) {
	if c.DataLen() != uint64(len(c.Data)) {
		return nil, fmt.Errorf("imgcodec: metadata extent sizes sum to %d but data is %d bytes", c.DataLen(), len(c.Data))
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("imgcodec: create zstd decoder: %w", err)
	}
	defer dec.Close()

	scratch, _ := bufPool.Get()
	img, err := dec.DecodeAll(c.Base, scratch[:0])
	if err != nil {
		bufPool.Put(scratch)
		return nil, fmt.Errorf("imgcodec: zstd decode base: %w", err)
	}

	// Lay every metadata extent back down at its original offset.
	// Extents overwrite whatever base held at that position.
	dataIdx := uint64(0)
	for i, ext := range c.Metadata {
		start := ext.Offset
		end := start + ext.Size
		if end > uint64(len(img)) {
			bufPool.Put(img)
			return nil, fmt.Errorf("imgcodec: metadata extent %d (offset=%d size=%d) extends past decompressed image (%d bytes)", i, start, ext.Size, len(img))
		}
		if dataIdx+ext.Size > uint64(len(c.Data)) {
			bufPool.Put(img)
			return nil, fmt.Errorf("imgcodec: metadata extent %d overruns data field", i)
		}
		copy(img[start:end], c.Data[dataIdx:dataIdx+ext.Size])
		dataIdx += ext.Size
	}

	// Superblock fix-up.
	if uint64(len(img)) < btrfs.SuperblockOffset+btrfs.SuperblockSize {
		bufPool.Put(img)
		return nil, fmt.Errorf("imgcodec: decompressed image too short to contain superblock")
	}
	sbCsumType := binary.LittleEndian.Uint16(img[btrfs.SuperblockOffset+btrfs.SuperblockCsumTypeOffset:])
	if btrfssum.CSumType(sbCsumType) != btrfs.CsumTypeCRC32 {
		dlog.Warnf(ctx, "imgcodec: superblock declares unsupported checksum type %v; leaving it alone",
			btrfssum.CSumType(sbCsumType))
	}
	magicOff := btrfs.SuperblockOffset + btrfs.SuperblockMagicOffset
	if string(img[magicOff:magicOff+8]) != string(btrfs.SuperblockMagic[:]) {
		copy(img[magicOff:magicOff+8], btrfs.SuperblockMagic[:])
	}

	// Checksum fix-up: every extent that needs it gets
	// its block's checksum recomputed and rewritten, leaving the
	// trailing reserved bytes of the 32-byte checksum field alone.
	for i, ext := range c.Metadata {
		if !ext.NeedsCsum {
			continue
		}

		var blockSize uint64
		if isSuperblockOffset(ext.Offset) {
			blockSize = btrfs.SuperblockSize
		} else {
			blockSize = uint64(c.NodeSize)
		}
		if blockSize == 0 {
			bufPool.Put(img)
			return nil, fmt.Errorf("imgcodec: metadata extent %d has a zero block size", i)
		}

		begin := ext.Offset + btrfs.CsumSize
		end := ext.Offset + blockSize - btrfs.CsumSize
		if end > uint64(len(img)) || begin > end {
			bufPool.Put(img)
			return nil, fmt.Errorf("imgcodec: checksum range for extent %d out of bounds", i)
		}

		sum, err := btrfs.CsumTypeCRC32.Sum(img[begin:end])
		if err != nil {
			bufPool.Put(img)
			return nil, fmt.Errorf("imgcodec: compute checksum for extent %d: %w", i, err)
		}
		copy(img[ext.Offset:ext.Offset+4], sum[:4])
	}

	ret := make([]byte, len(img))
	copy(ret, img)
	bufPool.Put(img)
	return ret, nil
}
