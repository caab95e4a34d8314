// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mutator implements the fuzzer-facing custom mutator: it
// deserializes a compressed image, hands only the `data`
// field (never `metadata`, the extent map) to an opaque mutation
// engine, and reserializes the result into a scratch buffer the
// caller can hand back to the fuzzer without an extra copy.
package mutator

import (
	"fmt"
	"math/rand"

	"git.lukeshu.com/go/typedsync"

	"github.com/danobi/btrfs-fuzz/lib/envelope"
)

// Engine is an opaque byte-buffer mutation strategy. This package
// only ever calls Mutate on a compressed image's `data` field, never
// on `metadata`, the extent map.
type Engine interface {
	// Mutate perturbs buf in place. It must not change len(buf).
	Mutate(buf []byte)
}

// RandomEngine is a dependency-free Engine: length-preserving random
// byte and bit flips. Anything smarter (dictionary splices, havoc
// stacking) plugs in behind the same interface.
type RandomEngine struct {
	rng *rand.Rand
}

var _ Engine = (*RandomEngine)(nil)

// NewRandomEngine constructs a RandomEngine seeded from seed, so that
// repeated runs with the same seed mutate identically (mirrors the
// ABI's afl_custom_init(afl_state_ptr, seed) contract).
func NewRandomEngine(seed uint32) *RandomEngine {
	return &RandomEngine{rng: rand.New(rand.NewSource(int64(seed)))}
}

// Mutate flips a handful of random bytes and, occasionally, individual
// bits -- enough perturbation to reach deep kernel state without ever
// growing or shrinking the buffer.
func (e *RandomEngine) Mutate(buf []byte) {
	if len(buf) == 0 {
		return
	}

	numFlips := 1 + e.rng.Intn(4)
	for i := 0; i < numFlips; i++ {
		idx := e.rng.Intn(len(buf))
		if e.rng.Intn(2) == 0 {
			buf[idx] ^= 1 << uint(e.rng.Intn(8))
		} else {
			buf[idx] = byte(e.rng.Intn(256))
		}
	}
}

// State is the per-instance mutator state the cgo ABI boundary
// (cmd/btrfs-fuzz-mutator) owns across afl_custom_init/_fuzz/_deinit
// calls: the mutation engine plus a scratch buffer that afl_custom_fuzz
// hands a pointer into.
type State struct {
	Engine Engine
	scratch []byte
}

var scratchPool = typedsync.Pool[[]byte]{
	New: func() []byte { return nil },
}

// NewState constructs mutator state seeded per the ABI's afl_custom_init
// contract.
func NewState(seed uint32) *State {
	return &State{Engine: NewRandomEngine(seed)}
}

// Close releases s's scratch buffer back to the shared pool.
func (s *State) Close() {
	if s.scratch != nil {
		scratchPool.Put(s.scratch[:0])
		s.scratch = nil
	}
}

// Fuzz implements the core of afl_custom_fuzz: deserialize, mutate
// `data` only, and reserialize into state-owned scratch space,
// returning the mutated bytes or nil on any failure (deserialization
// errors are not fatal to the fuzzer -- they just make this mutation
// a no-op).
func (s *State) Fuzz(in []byte, maxSize int) []byte {
	c, err := envelope.Unmarshal(in)
	if err != nil {
		return nil
	}

	s.Engine.Mutate(c.Data)

	out, err := envelope.Marshal(c)
	if err != nil {
		return nil
	}
	if len(out) > maxSize {
		return nil
	}

	if s.scratch == nil {
		s.scratch, _ = scratchPool.Get()
	}
	s.scratch = append(s.scratch[:0], out...)
	return s.scratch
}

// sanityCheck confirms the metadata field never changes across a
// Fuzz call.
func sanityCheck(orig, mutated *envelope.CompressedImage) error {
	if len(orig.Metadata) != len(mutated.Metadata) {
		return fmt.Errorf("metadata length changed: %d != %d", len(orig.Metadata), len(mutated.Metadata))
	}
	for i := range orig.Metadata {
		if orig.Metadata[i] != mutated.Metadata[i] {
			return fmt.Errorf("metadata[%d] changed: %+v != %+v", i, orig.Metadata[i], mutated.Metadata[i])
		}
	}
	return nil
}
