// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mutator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danobi/btrfs-fuzz/lib/envelope"
)

func TestRandomEngineMutatePreservesLength(t *testing.T) {
	e := NewRandomEngine(1)
	buf := make([]byte, 64)
	orig := append([]byte(nil), buf...)

	e.Mutate(buf)

	assert.Len(t, buf, 64)
	assert.NotEqual(t, orig, buf, "expected at least one byte to change")
}

func TestRandomEngineMutateEmptyNoop(t *testing.T) {
	e := NewRandomEngine(1)
	var buf []byte
	assert.NotPanics(t, func() {
		e.Mutate(buf)
	})
}

func TestRandomEngineDeterministicForSeed(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)

	NewRandomEngine(42).Mutate(a)
	NewRandomEngine(42).Mutate(b)

	assert.Equal(t, a, b)
}

func TestStateFuzzPreservesMetadata(t *testing.T) {
	orig := &envelope.CompressedImage{
		Base: []byte{1, 2, 3},
		Metadata: []envelope.Extent{
			{Offset: 0x10000, Size: 16, NeedsCsum: true},
		},
		Data:     make([]byte, 16),
		NodeSize: 16384,
	}
	in, err := envelope.Marshal(orig)
	require.NoError(t, err)

	s := NewState(7)
	defer s.Close()

	out := s.Fuzz(in, len(in)+4096)
	require.NotNil(t, out)
	assert.LessOrEqual(t, len(out), len(in)+4096)

	mutated, err := envelope.Unmarshal(out)
	require.NoError(t, err)

	assert.NoError(t, sanityCheck(orig, mutated))
	assert.Equal(t, orig.Base, mutated.Base)
}

func TestStateFuzzReturnsNilOnGarbageInput(t *testing.T) {
	s := NewState(1)
	defer s.Close()

	out := s.Fuzz([]byte{0xff, 0xff, 0xff}, 4096)
	assert.Nil(t, out)
}

func TestStateFuzzReturnsNilWhenOverMaxSize(t *testing.T) {
	orig := &envelope.CompressedImage{
		Data: make([]byte, 1024),
	}
	in, err := envelope.Marshal(orig)
	require.NoError(t, err)

	s := NewState(1)
	defer s.Close()

	out := s.Fuzz(in, 4)
	assert.Nil(t, out)
}
