// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import "sync"

// IndirectMMIO fakes a select/window register pair: writes to SelReg
// choose an internal register, reads and writes through WinReg access
// it. IO APICs expose their registers this way.
type IndirectMMIO struct {
	// SelReg and WinReg are the window-relative offsets of the select
	// and data registers.
	SelReg uint32
	WinReg uint32

	mu   sync.Mutex
	sel  uint32
	regs map[uint32]uint32
}

// NewIndirectMMIO returns a fake with the given select/data offsets.
func NewIndirectMMIO(selReg, winReg uint32) *IndirectMMIO {
	return &IndirectMMIO{SelReg: selReg, WinReg: winReg, regs: make(map[uint32]uint32)}
}

// Preset sets an internal register, e.g. a version register.
func (m *IndirectMMIO) Preset(reg uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg] = v
}

// Reg returns an internal register's current value.
func (m *IndirectMMIO) Reg(reg uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[reg]
}

// Read32 implements MMIO.
func (m *IndirectMMIO) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case m.SelReg:
		return m.sel
	case m.WinReg:
		return m.regs[m.sel]
	}
	return 0
}

// Write32 implements MMIO.
func (m *IndirectMMIO) Write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case m.SelReg:
		m.sel = v
	case m.WinReg:
		m.regs[m.sel] = v
	}
}
