// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := &CompressedImage{
		Base: []byte{1, 2, 3, 4},
		Metadata: []Extent{
			{Offset: 0x10000, Size: 4096, NeedsCsum: true},
			{Offset: 0x20000, Size: 16384, NeedsCsum: false},
		},
		Data:     make([]byte, 4096+16384),
		NodeSize: 16384,
	}

	buf, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(buf)
	require.NoError(t, err)

	assert.Equal(t, in.Base, out.Base)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.NodeSize, out.NodeSize)
}

func TestDataLen(t *testing.T) {
	c := &CompressedImage{
		Metadata: []Extent{
			{Offset: 0, Size: 100},
			{Offset: 200, Size: 300},
		},
	}
	assert.Equal(t, uint64(400), c.DataLen())
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
