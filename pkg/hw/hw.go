// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw fixes the interfaces to the low-level hardware access
// primitives the bring-up code consumes: MMIO register windows, IO
// ports and an interrupt-free delay. The real implementations belong
// to the architecture layer; this package also carries fakes for
// tests and the bring-up simulator.
package hw

import (
	"sync"
	"time"
)

// MMIO is 32-bit register access over an already-mapped window.
// Offsets are byte offsets from the window base.
type MMIO interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// PortIO is x86 IO-port access.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
}

// Delayer busy-waits for the given duration without relying on any
// interrupt-driven clock; during early bring-up none is active yet.
type Delayer interface {
	Delay(d time.Duration)
}

// MemMMIO is a map-backed MMIO fake. Reads of never-written registers
// return the value set with Preset, or zero.
type MemMMIO struct {
	mu   sync.Mutex
	regs map[uint32]uint32

	// Writes records every write in order, for assertions.
	Writes []RegWrite

	// OnWrite, when set, observes every write; simulators use it to
	// react to register programming.
	OnWrite func(off uint32, v uint32)
}

// RegWrite is one recorded register write.
type RegWrite struct {
	Off uint32
	Val uint32
}

// NewMemMMIO returns an empty register window.
func NewMemMMIO() *MemMMIO {
	return &MemMMIO{regs: make(map[uint32]uint32)}
}

// Preset sets a register value without recording a write, e.g. a
// read-only identification register.
func (m *MemMMIO) Preset(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[off] = v
}

// Read32 implements MMIO.
func (m *MemMMIO) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[off]
}

// Write32 implements MMIO.
func (m *MemMMIO) Write32(off uint32, v uint32) {
	m.mu.Lock()
	m.regs[off] = v
	m.Writes = append(m.Writes, RegWrite{Off: off, Val: v})
	cb := m.OnWrite
	m.mu.Unlock()
	if cb != nil {
		cb(off, v)
	}
}

// PortLog is a PortIO fake recording writes and serving reads from a
// preset map.
type PortLog struct {
	mu    sync.Mutex
	ports map[uint16]uint8

	// Writes records every port write in order.
	Writes []PortWrite
}

// PortWrite is one recorded port write.
type PortWrite struct {
	Port uint16
	Val  uint8
}

// NewPortLog returns an empty port space.
func NewPortLog() *PortLog {
	return &PortLog{ports: make(map[uint16]uint8)}
}

// In8 implements PortIO.
func (p *PortLog) In8(port uint16) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports[port]
}

// Out8 implements PortIO.
func (p *PortLog) Out8(port uint16, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports[port] = v
	p.Writes = append(p.Writes, PortWrite{Port: port, Val: v})
}

// NopDelayer is a Delayer that returns immediately, keeping tests
// fast.
type NopDelayer struct{}

// Delay implements Delayer.
func (NopDelayer) Delay(d time.Duration) {}

// SleepDelayer delays with time.Sleep; good enough for the userspace
// simulator, useless in a kernel.
type SleepDelayer struct{}

// Delay implements Delayer.
func (SleepDelayer) Delay(d time.Duration) { time.Sleep(d) }
