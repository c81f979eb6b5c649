// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memmap defines the physical-memory mapping boundary used by
// the ACPI discovery code. The real mapper belongs to the kernel's
// virtual-memory subsystem; this package only fixes the interface and
// provides a byte-slice-backed implementation for tools and tests.
package memmap

import (
	"fmt"
)

// Mapper maps physical address ranges into spans the parser can read.
//
// Spans returned by Map must stay valid until passed to Unmap. The
// discovery code treats every span as read-only; firmware memory
// backing the tables may be reclaimed only after discovery completed
// and all spans were unmapped.
type Mapper interface {
	Map(phys uint64, length uint64) ([]byte, error)
	Unmap(b []byte) error
}

// Memory is a Mapper backed by a byte slice holding a contiguous
// physical-memory image starting at Base. It backs the CLIs (memory
// dumps read from a file) and every parser test.
type Memory struct {
	Base uint64
	Data []byte
}

// NewMemory wraps an in-memory physical image starting at base.
func NewMemory(base uint64, data []byte) *Memory {
	return &Memory{Base: base, Data: data}
}

// Map implements Mapper. The returned span aliases the backing slice.
func (m *Memory) Map(phys uint64, length uint64) ([]byte, error) {
	if phys < m.Base {
		return nil, fmt.Errorf("map 0x%x+0x%x: below image base 0x%x", phys, length, m.Base)
	}
	off := phys - m.Base
	if off > uint64(len(m.Data)) || length > uint64(len(m.Data))-off {
		return nil, fmt.Errorf("map 0x%x+0x%x: beyond image end 0x%x",
			phys, length, m.Base+uint64(len(m.Data)))
	}
	return m.Data[off : off+length : off+length], nil
}

// Unmap implements Mapper. Slice-backed spans need no teardown.
func (m *Memory) Unmap(b []byte) error {
	return nil
}
