// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package imgcodec

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/klauspost/compress/zstd"

	"github.com/danobi/btrfs-fuzz/lib/binstruct"
	"github.com/danobi/btrfs-fuzz/lib/btrfs"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
	"github.com/danobi/btrfs-fuzz/lib/chunktree"
	"github.com/danobi/btrfs-fuzz/lib/envelope"
)

// Compress walks the B-tree forest of a full btrfs image and strips
// it down to just the metadata blocks the kernel walks at mount time.
func Compress(ctx context.Context, img []byte) (*envelope.CompressedImage, error) {
	if btrfs.SuperblockOffset+btrfs.SuperblockSize > len(img) {
		return nil, fmt.Errorf("imgcodec: image too small to contain superblock")
	}

	sbBuf := img[btrfs.SuperblockOffset : btrfs.SuperblockOffset+btrfs.SuperblockSize]
	var sb btrfs.Superblock
	if _, err := binstruct.Unmarshal(sbBuf, &sb); err != nil {
		return nil, fmt.Errorf("imgcodec: parse superblock: %w", err)
	}
	if sb.Magic != btrfs.SuperblockMagic {
		// Not fatal: the superblock is recorded as a metadata extent,
		// so Decompress rewrites the magic to its canonical value. The
		// structural fields the walk depends on are all read from the
		// superblock as-is.
		dlog.Warnf(ctx, "imgcodec: superblock magic is %q, not %q; decompression will restore it",
			sb.Magic[:], btrfs.SuperblockMagic[:])
	}

	out := &envelope.CompressedImage{NodeSize: sb.NodeSize}

	// The superblock itself is always kept verbatim as a metadata
	// extent, since it's what the kernel reads first.
	appendExtent(out, btrfs.SuperblockOffset, sbBuf, true)

	cache, err := bootstrapChunkTree(ctx, &sb)
	if err != nil {
		return nil, fmt.Errorf("imgcodec: bootstrap chunk tree: %w", err)
	}

	nodeCache := &parsedNodeCache{}

	if err := walkChunkTree(img, cache, nodeCache, sb.ChunkTree, sb.NodeSize); err != nil {
		return nil, fmt.Errorf("imgcodec: walk chunk tree: %w", err)
	}

	w := &walker{img: img, cache: cache, nodeCache: nodeCache, nodeSize: sb.NodeSize, out: out}
	if err := w.walkRootTree(sb.RootTree); err != nil {
		return nil, fmt.Errorf("imgcodec: walk root tree: %w", err)
	}

	if sb.LogTree != 0 {
		if err := w.walkTree(sb.LogTree); err != nil {
			return nil, fmt.Errorf("imgcodec: walk log tree: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("imgcodec: create zstd encoder: %w", err)
	}
	defer enc.Close()
	out.Base = enc.EncodeAll(img, nil)

	return out, nil
}

func appendExtent(out *envelope.CompressedImage, offset uint64, data []byte, needsCsum bool) {
	out.Metadata = append(out.Metadata, envelope.Extent{
		Offset:    offset,
		Size:      uint64(len(data)),
		NeedsCsum: needsCsum,
	})
	out.Data = append(out.Data, data...)
}

// bootstrapChunkTree builds the initial chunk-tree cache by walking
// the (key, chunk-item) pairs embedded in the superblock's
// sys_chunk_array.
func bootstrapChunkTree(ctx context.Context, sb *btrfs.Superblock) (*chunktree.Cache, error) {
	cache := &chunktree.Cache{}

	arraySize := int(sb.SysChunkArraySize)
	if arraySize > len(sb.SysChunkArray) {
		return nil, fmt.Errorf("sys_chunk_array_size %d exceeds array capacity %d", arraySize, len(sb.SysChunkArray))
	}
	arr := sb.SysChunkArray[:arraySize]

	keySize := binstruct.StaticSize(btrfs.Key{})
	chunkSize := binstruct.StaticSize(btrfs.Chunk{})

	off := 0
	for off < len(arr) {
		if off+keySize > len(arr) {
			return nil, fmt.Errorf("short key read in sys_chunk_array at offset %d", off)
		}
		var key btrfs.Key
		if _, err := binstruct.Unmarshal(arr[off:], &key); err != nil {
			return nil, fmt.Errorf("parse key in sys_chunk_array: %w", err)
		}
		if key.ItemType != btrfs.ChunkItemKey {
			return nil, fmt.Errorf("unexpected item type %d in sys_chunk_array at offset %d", key.ItemType, off)
		}
		off += keySize

		if off+chunkSize > len(arr) {
			return nil, fmt.Errorf("short chunk item read in sys_chunk_array at offset %d", off)
		}
		var chunk btrfs.Chunk
		if _, err := binstruct.Unmarshal(arr[off:], &chunk); err != nil {
			return nil, fmt.Errorf("parse chunk in sys_chunk_array: %w", err)
		}
		if chunk.NumStripes == 0 {
			return nil, fmt.Errorf("chunk at sys_chunk_array offset %d has num_stripes=0", off)
		}
		if chunk.NumStripes != 1 {
			dlog.Warnf(ctx, "imgcodec: chunk at logical=0x%x has %d stripes, only processing the first",
				key.Offset, chunk.NumStripes)
		}

		logical := btrfsvol.LogicalAddr(key.Offset)
		if _, ok := cache.Offset(logical); !ok {
			cache.Insert(
				chunktree.Key{Start: logical, Size: chunk.Length},
				chunktree.Value{Offset: chunk.Stripe.Offset},
			)
		}

		chunkItemSize := chunkSize + int(chunk.NumStripes-1)*btrfs.StripeSize
		if off+chunkItemSize > len(arr) {
			return nil, fmt.Errorf("short chunk item + stripes read in sys_chunk_array at offset %d", off)
		}
		off += chunkItemSize
	}

	return cache, nil
}

// walkChunkTree extends cache by recursively walking the chunk tree
// rooted at logical. Unlike the root/log tree walk,
// chunk tree nodes never become metadata extents: their only purpose
// is to populate the cache.
func walkChunkTree(img []byte, cache *chunktree.Cache, nodeCache *parsedNodeCache, logical btrfsvol.LogicalAddr, nodeSize uint32) error {
	entry, _, _, err := parseNode(img, cache, nodeCache, logical, nodeSize)
	if err != nil {
		return err
	}

	if entry.hdr.Level == 0 {
		for _, item := range entry.leafItems {
			if item.Key.ItemType != btrfs.ChunkItemKey {
				continue
			}
			var chunk btrfs.Chunk
			if _, err := binstruct.Unmarshal(item.Data, &chunk); err != nil {
				return fmt.Errorf("parse chunk item: %w", err)
			}
			start := btrfsvol.LogicalAddr(item.Key.Offset)
			if _, ok := cache.Offset(start); !ok {
				cache.Insert(
					chunktree.Key{Start: start, Size: chunk.Length},
					chunktree.Value{Offset: chunk.Stripe.Offset},
				)
			}
		}
		return nil
	}

	for _, kp := range entry.internalPtrs {
		if err := walkChunkTree(img, cache, nodeCache, kp.BlockPtr, nodeSize); err != nil {
			return err
		}
	}
	return nil
}

// walker carries the state needed to walk the root and log trees,
// recording a metadata extent for every node visited.
type walker struct {
	img       []byte
	cache     *chunktree.Cache
	nodeCache *parsedNodeCache
	nodeSize  uint32
	out       *envelope.CompressedImage
}

// walkRootTree walks the root tree: its root must be a
// leaf, and every ROOT_ITEM_KEY item names another tree to walk
// generically.
func (w *walker) walkRootTree(logical btrfsvol.LogicalAddr) error {
	entry, physical, buf, err := parseNode(w.img, w.cache, w.nodeCache, logical, w.nodeSize)
	if err != nil {
		return err
	}
	if entry.hdr.Level != 0 {
		return fmt.Errorf("root tree root is not a leaf (level=%d)", entry.hdr.Level)
	}

	metaSize := btrfs.LeafMetadataSize(entry.hdr)
	appendExtent(w.out, uint64(physical), buf[:metaSize], true)

	for _, item := range entry.leafItems {
		if item.Key.ItemType != btrfs.RootItemKey {
			continue
		}
		var ri btrfs.RootItem
		if _, err := binstruct.Unmarshal(item.Data, &ri); err != nil {
			return fmt.Errorf("parse root item: %w", err)
		}
		if err := w.walkTree(ri.Bytenr); err != nil {
			return err
		}
	}
	return nil
}

// walkTree is the generic tree walk: translate,
// record metadata, and for a leaf drop the payload area entirely
// (that's the whole point of the compression); for an internal node,
// recurse into every child.
func (w *walker) walkTree(logical btrfsvol.LogicalAddr) error {
	entry, physical, buf, err := parseNode(w.img, w.cache, w.nodeCache, logical, w.nodeSize)
	if err != nil {
		return err
	}

	if entry.hdr.Level == 0 {
		metaSize := btrfs.LeafMetadataSize(entry.hdr)
		appendExtent(w.out, uint64(physical), buf[:metaSize], true)
		return nil
	}

	metaSize := btrfs.InternalMetadataSize(entry.hdr)
	appendExtent(w.out, uint64(physical), buf[:metaSize], true)

	for _, kp := range entry.internalPtrs {
		if err := w.walkTree(kp.BlockPtr); err != nil {
			return err
		}
	}
	return nil
}
