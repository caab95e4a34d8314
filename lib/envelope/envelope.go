// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package envelope defines the wire format a CompressedImage is
// persisted as: the MessagePack-style envelope this harness hands to
// and receives from the fuzzer and the custom mutator.
package envelope

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Extent is one metadata extent: Size bytes, taken in order from the
// envelope's Data field, that must be laid down at Offset in the
// decompressed image. NeedsCsum marks extents whose containing block
// needs its checksum (and, for the superblock, its magic) recomputed
// after being laid down.
type Extent struct {
	Offset    uint64 `msgpack:"offset"`
	Size      uint64 `msgpack:"size"`
	NeedsCsum bool   `msgpack:"needs_csum_fixup"`
}

// CompressedImage is the persisted form of a btrfs image as produced
// by the image compressor (lib/imgcodec): the full image minus its
// metadata blocks, zstd-compressed, plus the metadata blocks
// themselves recorded as (offset, size) extents so they can be laid
// back down on decompression.
type CompressedImage struct {
	// Base is the full original image compressed with a
	// general-purpose streaming codec; decompression lays the
	// metadata extents back down on top of it.
	Base []byte `msgpack:"base"`
	// Metadata is the ordered sequence of extent records; Data is
	// consumed in this order to reconstruct each extent.
	Metadata []Extent `msgpack:"metadata"`
	// Data is the concatenation of every metadata extent's raw bytes,
	// in the same order as Metadata.
	Data []byte `msgpack:"data"`
	// NodeSize is copied from the source superblock; the decoder needs
	// it to bound checksum recalculation for non-superblock extents.
	NodeSize uint32 `msgpack:"node_size"`
}

// DataLen returns sum(Metadata[i].Size), the length Data is expected
// to have.
func (c *CompressedImage) DataLen() uint64 {
	var n uint64
	for _, e := range c.Metadata {
		n += e.Size
	}
	return n
}

// Marshal serializes c into its wire form.
func Marshal(c *CompressedImage) ([]byte, error) {
	return msgpack.Marshal(c)
}

// Unmarshal deserializes a wire-form buffer into a CompressedImage.
func Unmarshal(buf []byte) (*CompressedImage, error) {
	var c CompressedImage
	if err := msgpack.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &c, nil
}
