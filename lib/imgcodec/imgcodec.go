// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package imgcodec implements the lossless compress/decompress pair
// that strips a btrfs image down to the metadata blocks the kernel
// walks at mount time (Compress) and restores the full image,
// including a corrected superblock magic and per-block checksums, on
// the other side (Decompress).
package imgcodec

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/danobi/btrfs-fuzz/lib/btrfs"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
	"github.com/danobi/btrfs-fuzz/lib/chunktree"
)

// nodeCacheEntry is what parsedNodeCache memoizes: a node's parsed
// header plus whichever of its item/key-pointer table it has (only
// one of the two is ever populated, per hdr.Level).
type nodeCacheEntry struct {
	hdr          btrfs.NodeHeader
	leafItems    []btrfs.Item
	internalPtrs []btrfs.KeyPointer
}

// parsedNodeCache memoizes node parses keyed by physical offset, so a
// tree node reachable by more than one path during the tree walk is
// only parsed once. The sys-chunk-array bootstrap parses no nodes and
// does not use it.
type parsedNodeCache struct {
	once  sync.Once
	inner *lru.ARCCache
}

const parsedNodeCacheSize = 256

func (c *parsedNodeCache) init() {
	c.once.Do(func() {
		c.inner, _ = lru.NewARC(parsedNodeCacheSize)
	})
}

func (c *parsedNodeCache) get(physical btrfsvol.PhysicalAddr) (nodeCacheEntry, bool) {
	c.init()
	v, ok := c.inner.Get(physical)
	if !ok {
		return nodeCacheEntry{}, false
	}
	return v.(nodeCacheEntry), true
}

func (c *parsedNodeCache) add(physical btrfsvol.PhysicalAddr, e nodeCacheEntry) {
	c.init()
	c.inner.Add(physical, e)
}

// readNode returns the node-sized slice of img starting at the
// physical offset logical translates to via cache.
func readNode(img []byte, cache *chunktree.Cache, logical btrfsvol.LogicalAddr, nodeSize uint32) ([]byte, btrfsvol.PhysicalAddr, error) {
	physical, ok := cache.Offset(logical)
	if !ok {
		return nil, 0, fmt.Errorf("imgcodec: logical address %v not mapped by chunk tree", logical)
	}
	start := int(physical)
	end := start + int(nodeSize)
	if start < 0 || end > len(img) || start > end {
		return nil, 0, fmt.Errorf("imgcodec: node at physical offset %v (size %d) out of bounds of %d-byte image", physical, nodeSize, len(img))
	}
	return img[start:end], physical, nil
}

// parseNode parses (and memoizes) the node at logical, returning its
// header and whichever of its item/key-pointer tables applies.
func parseNode(img []byte, cache *chunktree.Cache, nodeCache *parsedNodeCache, logical btrfsvol.LogicalAddr, nodeSize uint32) (nodeCacheEntry, btrfsvol.PhysicalAddr, []byte, error) {
	buf, physical, err := readNode(img, cache, logical, nodeSize)
	if err != nil {
		return nodeCacheEntry{}, 0, nil, err
	}
	if entry, ok := nodeCache.get(physical); ok {
		return entry, physical, buf, nil
	}

	hdr, err := btrfs.ParseHeader(buf)
	if err != nil {
		return nodeCacheEntry{}, 0, nil, err
	}

	var entry nodeCacheEntry
	entry.hdr = hdr
	if hdr.Level == 0 {
		items, err := btrfs.ParseLeaf(buf, hdr)
		if err != nil {
			return nodeCacheEntry{}, 0, nil, err
		}
		entry.leafItems = items
	} else {
		ptrs, err := btrfs.ParseInternal(buf, hdr)
		if err != nil {
			return nodeCacheEntry{}, 0, nil, err
		}
		entry.internalPtrs = ptrs
	}
	nodeCache.add(physical, entry)
	return entry, physical, buf, nil
}
