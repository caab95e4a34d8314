// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// ringBuffer persists the last N raw testcase inputs to disk, so an
// external supervisor can recover exactly what was
// running right before a kernel panic takes the whole box down with
// it -- by the time that happens, this process's own stdout/stderr
// are long gone.
type ringBuffer struct {
	dir string
	n   int
}

func newRingBuffer(dir string, n int) *ringBuffer {
	return &ringBuffer{dir: dir, n: n}
}

// Persist writes data to slot (count mod N), creating the ring
// buffer's directory if it doesn't already exist.
func (r *ringBuffer) Persist(count int, data []byte) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create ring buffer dir %s: %w", r.dir, err)
	}
	idx := count % r.n
	path := filepath.Join(r.dir, fmt.Sprint(idx))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write ring buffer slot %s: %w", path, err)
	}
	return nil
}
