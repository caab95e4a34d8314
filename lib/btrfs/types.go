// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfs defines byte-exact layouts of the on-disk btrfs
// records this harness needs to parse: the superblock, B-tree
// header/leaf/internal records, and the chunk/root-item payloads
// embedded in them.
package btrfs

import (
	"reflect"

	"github.com/danobi/btrfs-fuzz/lib/binstruct"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfssum"
	"github.com/danobi/btrfs-fuzz/lib/btrfs/btrfsvol"
	"github.com/danobi/btrfs-fuzz/lib/fmtutil"
)

const (
	// SuperblockOffset is the primary superblock location.
	SuperblockOffset = 0x10_000
	// SuperblockOffset2 and SuperblockOffset3 are the mirror locations.
	SuperblockOffset2 = 0x4_000_000
	SuperblockOffset3 = 0x4_000_000_000

	// SuperblockSize is the on-disk size of a Superblock, including
	// its trailing padding to a 4096-byte block.
	SuperblockSize = 4096

	// CsumSize is the width of the checksum field at the front of
	// every checksummed block (superblock or tree node), regardless
	// of which CSumType is actually in use.
	CsumSize = 0x20

	// SuperblockMagicOffset and SuperblockCsumTypeOffset are the
	// byte offsets of Superblock.Magic and Superblock.ChecksumType
	// within a serialized Superblock, for callers that fix up a raw
	// superblock buffer in place rather than round-tripping it
	// through binstruct.
	SuperblockMagicOffset    = 0x40
	SuperblockCsumTypeOffset = 0xc4
)

// SuperblockMagic is the required value of Superblock.Magic.
var SuperblockMagic = [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'}

type ObjID uint64

type Generation uint64

// Key identifies and orders an item within a B-tree.
type Key struct {
	ObjectID ObjID  `bin:"off=0x0, siz=0x8"`
	ItemType uint8  `bin:"off=0x8, siz=0x1"`
	Offset   uint64 `bin:"off=0x9, siz=0x8"`

	binstruct.End `bin:"off=0x11"`
}

// Item-type constants this harness needs to recognize while walking a
// tree. Btrfs defines many more; only these two ever get special
// handling (see lib/imgcodec).
const (
	ChunkItemKey = 228
	RootItemKey  = 132
)

// CsumTypeCRC32 is the only supported Superblock.ChecksumType value
// (support for other checksum algorithms is explicitly out of scope).
const CsumTypeCRC32 = btrfssum.CSumType(0)

type Stripe struct {
	DeviceID btrfsvol.DeviceID    `bin:"off=0x0,  siz=0x8"`
	Offset   btrfsvol.PhysicalAddr `bin:"off=0x8,  siz=0x8"`
	DeviceUUID [0x10]byte         `bin:"off=0x10, siz=0x10"`

	binstruct.End `bin:"off=0x20"`
}

// Chunk is the fixed-size head of a CHUNK_ITEM payload; on disk it is
// immediately followed by NumStripes-1 additional Stripe records,
// which this harness never reads (only the first stripe is honored).
type Chunk struct {
	Length      uint64               `bin:"off=0x0,  siz=0x8"`
	Owner       ObjID                `bin:"off=0x8,  siz=0x8"`
	StripeLen   uint64               `bin:"off=0x10, siz=0x8"`
	Type        uint64               `bin:"off=0x18, siz=0x8"`
	IOAlign     uint32               `bin:"off=0x20, siz=0x4"`
	IOWidth     uint32               `bin:"off=0x24, siz=0x4"`
	SectorSize  uint32               `bin:"off=0x28, siz=0x4"`
	NumStripes  uint16               `bin:"off=0x2c, siz=0x2"`
	SubStripes  uint16               `bin:"off=0x2e, siz=0x2"`
	Stripe      Stripe               `bin:"off=0x30, siz=0x20"`

	binstruct.End `bin:"off=0x50"`
}

// StripeSize is sizeof(Stripe), used to skip trailing stripes of a
// multi-stripe chunk item without parsing them.
const StripeSize = 0x20

// ChunkSize is sizeof(Chunk) (with exactly one embedded Stripe).
const ChunkSize = 0x50

type DevItem struct {
	DeviceID   uint64    `bin:"off=0x0,  siz=0x8"`
	NumBytes   uint64    `bin:"off=0x8,  siz=0x8"`
	BytesUsed  uint64    `bin:"off=0x10, siz=0x8"`
	IOAlign    uint32    `bin:"off=0x18, siz=0x4"`
	IOWidth    uint32    `bin:"off=0x1c, siz=0x4"`
	SectorSize uint32    `bin:"off=0x20, siz=0x4"`
	Type       uint64    `bin:"off=0x24, siz=0x8"`
	Generation uint64    `bin:"off=0x2c, siz=0x8"`
	StartOffset uint64   `bin:"off=0x34, siz=0x8"`
	DevGroup   uint32    `bin:"off=0x3c, siz=0x4"`
	SeekSpeed  uint8     `bin:"off=0x40, siz=0x1"`
	Bandwidth  uint8     `bin:"off=0x41, siz=0x1"`
	DeviceUUID [0x10]byte `bin:"off=0x42, siz=0x10"`
	FSUUID     [0x10]byte `bin:"off=0x52, siz=0x10"`

	binstruct.End `bin:"off=0x62"`
}

type RootBackup struct {
	TreeRoot    ObjID      `bin:"off=0x0,  siz=0x8"`
	TreeRootGen Generation `bin:"off=0x8,  siz=0x8"`

	ChunkRoot    ObjID      `bin:"off=0x10, siz=0x8"`
	ChunkRootGen Generation `bin:"off=0x18, siz=0x8"`

	ExtentRoot    ObjID      `bin:"off=0x20, siz=0x8"`
	ExtentRootGen Generation `bin:"off=0x28, siz=0x8"`

	FSRoot    ObjID      `bin:"off=0x30, siz=0x8"`
	FSRootGen Generation `bin:"off=0x38, siz=0x8"`

	DevRoot    ObjID      `bin:"off=0x40, siz=0x8"`
	DevRootGen Generation `bin:"off=0x48, siz=0x8"`

	ChecksumRoot    ObjID      `bin:"off=0x50, siz=0x8"`
	ChecksumRootGen Generation `bin:"off=0x58, siz=0x8"`

	TotalBytes uint64 `bin:"off=0x60, siz=0x8"`
	BytesUsed  uint64 `bin:"off=0x68, siz=0x8"`
	NumDevices uint64 `bin:"off=0x70, siz=0x8"`

	Unused [8 * 4]byte `bin:"off=0x78, siz=0x20"`

	TreeRootLevel     uint8 `bin:"off=0x98, siz=0x1"`
	ChunkRootLevel    uint8 `bin:"off=0x99, siz=0x1"`
	ExtentRootLevel   uint8 `bin:"off=0x9a, siz=0x1"`
	FSRootLevel       uint8 `bin:"off=0x9b, siz=0x1"`
	DevRootLevel      uint8 `bin:"off=0x9c, siz=0x1"`
	ChecksumRootLevel uint8 `bin:"off=0x9d, siz=0x1"`

	Padding       [10]byte `bin:"off=0x9e, siz=0xa"`
	binstruct.End `bin:"off=0xa8"`
}

// Superblock is the filesystem's root record, 4096 bytes, with
// mirrors at SuperblockOffset2 and SuperblockOffset3.
type Superblock struct {
	Checksum   btrfssum.CSum         `bin:"off=0x0,  siz=0x20"`
	FSUUID     [0x10]byte            `bin:"off=0x20, siz=0x10"`
	Self       btrfsvol.PhysicalAddr `bin:"off=0x30, siz=0x8"`
	Flags      uint64                `bin:"off=0x38, siz=0x8"`
	Magic      [8]byte               `bin:"off=0x40, siz=0x8"`
	Generation Generation            `bin:"off=0x48, siz=0x8"`

	RootTree  btrfsvol.LogicalAddr `bin:"off=0x50, siz=0x8"`
	ChunkTree btrfsvol.LogicalAddr `bin:"off=0x58, siz=0x8"`
	LogTree   btrfsvol.LogicalAddr `bin:"off=0x60, siz=0x8"`

	LogRootTransID  uint64 `bin:"off=0x68, siz=0x8"`
	TotalBytes      uint64 `bin:"off=0x70, siz=0x8"`
	BytesUsed       uint64 `bin:"off=0x78, siz=0x8"`
	RootDirObjectID ObjID  `bin:"off=0x80, siz=0x8"`
	NumDevices      uint64 `bin:"off=0x88, siz=0x8"`

	SectorSize        uint32 `bin:"off=0x90, siz=0x4"`
	NodeSize          uint32 `bin:"off=0x94, siz=0x4"`
	LeafSize          uint32 `bin:"off=0x98, siz=0x4"`
	StripeSize        uint32 `bin:"off=0x9c, siz=0x4"`
	SysChunkArraySize uint32 `bin:"off=0xa0, siz=0x4"`

	ChunkRootGeneration Generation        `bin:"off=0xa4, siz=0x8"`
	CompatFlags         uint64            `bin:"off=0xac, siz=0x8"`
	CompatROFlags       uint64            `bin:"off=0xb4, siz=0x8"`
	IncompatFlags       IncompatFlags     `bin:"off=0xbc, siz=0x8"`
	ChecksumType        btrfssum.CSumType `bin:"off=0xc4, siz=0x2"`

	RootLevel  uint8 `bin:"off=0xc6, siz=0x1"`
	ChunkLevel uint8 `bin:"off=0xc7, siz=0x1"`
	LogLevel   uint8 `bin:"off=0xc8, siz=0x1"`

	DevItem            DevItem       `bin:"off=0xc9,  siz=0x62"`
	Label              [0x100]byte   `bin:"off=0x12b, siz=0x100"`
	CacheGeneration    Generation    `bin:"off=0x22b, siz=0x8"`
	UUIDTreeGeneration Generation    `bin:"off=0x233, siz=0x8"`
	MetadataUUID       [0x10]byte    `bin:"off=0x23b, siz=0x10"`

	Reserved [0xe0]byte `bin:"off=0x24b, siz=0xe0"`

	SysChunkArray [0x800]byte   `bin:"off=0x32b, siz=0x800"`
	SuperRoots    [4]RootBackup `bin:"off=0xb2b, siz=0x2a0"`

	Padding       [565]byte `bin:"off=0xdcb, siz=0x235"`
	binstruct.End `bin:"off=0x1000"`
}

// CalculateChecksum computes the checksum that should be stored in
// sb.Checksum: the superblock's configured checksum applied to the
// bytes between the leading checksum field and the block's trailing
// 32 bytes, the same bounds the image decompressor uses when it
// rewrites block checksums.
func (sb Superblock) CalculateChecksum() (btrfssum.CSum, error) {
	data, err := binstruct.Marshal(sb)
	if err != nil {
		return btrfssum.CSum{}, err
	}
	return sb.ChecksumType.Sum(data[CsumSize : len(data)-CsumSize])
}

func (sb Superblock) Equal(other Superblock) bool {
	sb.Checksum = btrfssum.CSum{}
	sb.Self = 0
	other.Checksum = btrfssum.CSum{}
	other.Self = 0
	return reflect.DeepEqual(sb, other)
}

type IncompatFlags uint64

const (
	FeatureIncompatMixedBackref = IncompatFlags(1 << iota)
	FeatureIncompatDefaultSubvol
	FeatureIncompatMixedGroups
	FeatureIncompatCompressLZO
	FeatureIncompatCompressZSTD
	FeatureIncompatBigMetadata
	FeatureIncompatExtendedIRef
	FeatureIncompatRAID56
	FeatureIncompatSkinnyMetadata
	FeatureIncompatNoHoles
	FeatureIncompatMetadataUUID
	FeatureIncompatRAID1C34
	FeatureIncompatZoned
	FeatureIncompatExtentTreeV2
)

var incompatFlagNames = []string{
	"FeatureIncompatMixedBackref",
	"FeatureIncompatDefaultSubvol",
	"FeatureIncompatMixedGroups",
	"FeatureIncompatCompressLZO",
	"FeatureIncompatCompressZSTD",
	"FeatureIncompatBigMetadata",
	"FeatureIncompatExtendedIRef",
	"FeatureIncompatRAID56",
	"FeatureIncompatSkinnyMetadata",
	"FeatureIncompatNoHoles",
	"FeatureIncompatMetadataUUID",
	"FeatureIncompatRAID1C34",
	"FeatureIncompatZoned",
	"FeatureIncompatExtentTreeV2",
}

func (f IncompatFlags) Has(req IncompatFlags) bool { return f&req == req }
func (f IncompatFlags) String() string {
	return fmtutil.BitfieldString(f, incompatFlagNames, fmtutil.HexLower)
}

// Timespec mirrors struct btrfs_timespec.
type Timespec struct {
	Sec  uint64 `bin:"off=0x0, siz=0x8"`
	NSec uint32 `bin:"off=0x8, siz=0x4"`

	binstruct.End `bin:"off=0xc"`
}

// InodeItem is embedded at the front of a RootItem.
type InodeItem struct {
	Generation uint64     `bin:"off=0x0,  siz=0x8"`
	TransID    uint64     `bin:"off=0x8,  siz=0x8"`
	Size       uint64     `bin:"off=0x10, siz=0x8"`
	NBytes     uint64     `bin:"off=0x18, siz=0x8"`
	BlockGroup uint64     `bin:"off=0x20, siz=0x8"`
	NLink      uint32     `bin:"off=0x28, siz=0x4"`
	UID        uint32     `bin:"off=0x2c, siz=0x4"`
	GID        uint32     `bin:"off=0x30, siz=0x4"`
	Mode       uint32     `bin:"off=0x34, siz=0x4"`
	RDev       uint64     `bin:"off=0x38, siz=0x8"`
	Flags      uint64     `bin:"off=0x40, siz=0x8"`
	Sequence   uint64     `bin:"off=0x48, siz=0x8"`
	Reserved   [4]uint64  `bin:"off=0x50, siz=0x20"`
	ATime      Timespec   `bin:"off=0x70, siz=0xc"`
	CTime      Timespec   `bin:"off=0x7c, siz=0xc"`
	MTime      Timespec   `bin:"off=0x88, siz=0xc"`
	OTime      Timespec   `bin:"off=0x94, siz=0xc"`

	binstruct.End `bin:"off=0xa0"`
}

// RootItem is the payload of a ROOT_ITEM_KEY item: it carries the
// logical address (Bytenr) of the subvolume/tree this root item
// names.
type RootItem struct {
	Inode         InodeItem            `bin:"off=0x0,   siz=0xa0"`
	Generation    Generation           `bin:"off=0xa0,  siz=0x8"`
	RootDirID     ObjID                `bin:"off=0xa8,  siz=0x8"`
	Bytenr        btrfsvol.LogicalAddr `bin:"off=0xb0,  siz=0x8"`
	ByteLimit     uint64               `bin:"off=0xb8,  siz=0x8"`
	BytesUsed     uint64               `bin:"off=0xc0,  siz=0x8"`
	LastSnapshot  uint64               `bin:"off=0xc8,  siz=0x8"`
	Flags         uint64               `bin:"off=0xd0,  siz=0x8"`
	Refs          uint32               `bin:"off=0xd8,  siz=0x4"`
	DropProgress  Key                  `bin:"off=0xdc,  siz=0x11"`
	DropLevel     uint8                `bin:"off=0xed,  siz=0x1"`
	Level         uint8                `bin:"off=0xee,  siz=0x1"`
	GenerationV2  uint64               `bin:"off=0xef,  siz=0x8"`
	UUID          [0x10]byte           `bin:"off=0xf7,  siz=0x10"`
	ParentUUID    [0x10]byte           `bin:"off=0x107, siz=0x10"`
	ReceivedUUID  [0x10]byte           `bin:"off=0x117, siz=0x10"`
	CTransID      uint64               `bin:"off=0x127, siz=0x8"`
	OTransID      uint64               `bin:"off=0x12f, siz=0x8"`
	STransID      uint64               `bin:"off=0x137, siz=0x8"`
	RTransID      uint64               `bin:"off=0x13f, siz=0x8"`
	CTime         Timespec             `bin:"off=0x147, siz=0xc"`
	OTime         Timespec             `bin:"off=0x153, siz=0xc"`
	STime         Timespec             `bin:"off=0x15f, siz=0xc"`
	RTime         Timespec             `bin:"off=0x16b, siz=0xc"`
	Reserved      [8]uint64            `bin:"off=0x177, siz=0x40"`

	binstruct.End `bin:"off=0x1b7"`
}
