// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfssum

import (
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/danobi/btrfs-fuzz/lib/fmtutil"
)

type CSum [0x20]byte

var (
	_ fmt.Stringer             = CSum{}
	_ fmt.Formatter            = CSum{}
	_ encoding.TextMarshaler   = CSum{}
	_ encoding.TextUnmarshaler = (*CSum)(nil)
)

func (csum CSum) String() string {
	return hex.EncodeToString(csum[:])
}

func (csum CSum) MarshalText() ([]byte, error) {
	var ret [len(csum) * 2]byte
	hex.Encode(ret[:], csum[:])
	return ret[:], nil
}

func (csum *CSum) UnmarshalText(text []byte) error {
	*csum = CSum{}
	_, err := hex.Decode(csum[:], text)
	return err
}

func (csum CSum) Fmt(typ CSumType) string {
	return hex.EncodeToString(csum[:typ.Size()])
}

func (csum CSum) Format(f fmt.State, verb rune) {
	fmtutil.FormatByteArrayStringer(csum, csum[:], f, verb)
}

// CSumType identifies the hash algorithm a superblock declares for
// its block checksums. Only TYPE_CRC32 is implemented: support for
// the other on-disk algorithm IDs is out of scope for this harness.
type CSumType uint16

const (
	TYPE_CRC32 = CSumType(iota)
)

func (typ CSumType) String() string {
	if typ == TYPE_CRC32 {
		return "crc32c"
	}
	return fmt.Sprintf("%d", uint16(typ))
}

func (typ CSumType) Size() int {
	if typ == TYPE_CRC32 {
		return 4
	}
	return len(CSum{})
}

// Sum computes the checksum of data per typ. The seed is 0, not the
// more commonly documented 0xFFFFFFFF: observed btrfs images only
// round-trip with a zero seed.
func (typ CSumType) Sum(data []byte) (CSum, error) {
	if typ != TYPE_CRC32 {
		return CSum{}, fmt.Errorf("unsupported checksum type: %v", typ)
	}

	crc := crc32.Update(0, crc32.MakeTable(crc32.Castagnoli), data)

	var ret CSum
	binary.LittleEndian.PutUint32(ret[:], crc)
	return ret, nil
}
