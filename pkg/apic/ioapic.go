// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apic

import (
	"fmt"

	"github.com/platboot/platboot/pkg/hw"
)

// IO APIC indirect access: write the register index to IOREGSEL, then
// read or write the value through IOWIN.
const (
	ioRegSel = 0x00
	ioWin    = 0x10
)

// IO APIC register indexes.
const (
	ioapicRegID      = 0x00
	ioapicRegVersion = 0x01
	ioapicRegRedirLo = 0x10 // entry n: lo at 0x10+2n, hi at 0x11+2n
)

// Redirection entry low-word bits.
const (
	redirActiveLow = 1 << 13
	redirLevel     = 1 << 15
	redirMasked    = 1 << 16
)

// The number of legacy ISA IRQs routed during bring-up.
const isaIRQCount = 16

// Override is a legacy-IRQ remap collected from the interrupt tables:
// IRQ Source appears on global interrupt GSI with the given polarity
// and trigger mode.
type Override struct {
	Source         uint8
	GSI            uint32
	ActiveLow      bool
	LevelTriggered bool
}

// RedirectionEntry is the decoded form of one redirection-table slot.
type RedirectionEntry struct {
	Vector         uint8
	Dest           uint8
	ActiveLow      bool
	LevelTriggered bool
	Masked         bool
}

func (e RedirectionEntry) encode() (lo, hi uint32) {
	lo = uint32(e.Vector)
	if e.ActiveLow {
		lo |= redirActiveLow
	}
	if e.LevelTriggered {
		lo |= redirLevel
	}
	if e.Masked {
		lo |= redirMasked
	}
	hi = uint32(e.Dest) << 24
	return lo, hi
}

// IOAPIC drives one IO APIC through its MMIO window.
type IOAPIC struct {
	mmio hw.MMIO

	// GSIBase is the first global interrupt number this controller
	// handles, from the interrupt tables.
	GSIBase uint32

	// shadow holds the last entry programmed per pin; it is the
	// redirection state handed to later boot stages.
	shadow []RedirectionEntry
}

// NewIOAPIC wraps an already-mapped IO APIC window.
func NewIOAPIC(m hw.MMIO, gsiBase uint32) *IOAPIC {
	io := &IOAPIC{mmio: m, GSIBase: gsiBase}
	io.shadow = make([]RedirectionEntry, io.MaxRedirectionEntries())
	for i := range io.shadow {
		io.shadow[i] = RedirectionEntry{Masked: true}
	}
	return io
}

func (io *IOAPIC) read(reg uint32) uint32 {
	io.mmio.Write32(ioRegSel, reg)
	return io.mmio.Read32(ioWin)
}

func (io *IOAPIC) write(reg uint32, v uint32) {
	io.mmio.Write32(ioRegSel, reg)
	io.mmio.Write32(ioWin, v)
}

// ID returns the controller id.
func (io *IOAPIC) ID() uint8 {
	return uint8(io.read(ioapicRegID) >> 24 & 0xF)
}

// MaxRedirectionEntries returns the number of redirection-table slots.
func (io *IOAPIC) MaxRedirectionEntries() int {
	return int(io.read(ioapicRegVersion)>>16&0xFF) + 1
}

// SetRedirection programs one slot and records it in the shadow
// state.
func (io *IOAPIC) SetRedirection(pin int, e RedirectionEntry) error {
	if pin < 0 || pin >= len(io.shadow) {
		return fmt.Errorf("pin %d out of range, controller has %d entries", pin, len(io.shadow))
	}
	lo, hi := e.encode()
	// Mask while the two halves are inconsistent.
	io.write(uint32(ioapicRegRedirLo+2*pin), lo|redirMasked)
	io.write(uint32(ioapicRegRedirLo+2*pin+1), hi)
	io.write(uint32(ioapicRegRedirLo+2*pin), lo)
	io.shadow[pin] = e
	return nil
}

// MaskAll masks every redirection slot.
func (io *IOAPIC) MaskAll() {
	for pin := range io.shadow {
		e := io.shadow[pin]
		e.Masked = true
		lo, hi := e.encode()
		io.write(uint32(ioapicRegRedirLo+2*pin), lo)
		io.write(uint32(ioapicRegRedirLo+2*pin+1), hi)
		io.shadow[pin] = e
	}
}

// Entries returns a copy of the programmed redirection state.
func (io *IOAPIC) Entries() []RedirectionEntry {
	out := make([]RedirectionEntry, len(io.shadow))
	copy(out, io.shadow)
	return out
}

// Pin translates a global interrupt number to a slot on this
// controller, returning false if the GSI belongs elsewhere.
func (io *IOAPIC) Pin(gsi uint32) (int, bool) {
	if gsi < io.GSIBase {
		return 0, false
	}
	pin := int(gsi - io.GSIBase)
	if pin >= len(io.shadow) {
		return 0, false
	}
	return pin, true
}

// ProgramLegacyIRQs masks the whole redirection table and then routes
// the 16 ISA IRQs to the bootstrap processor: identity IRQ-to-GSI
// unless an override remaps it, with the override's polarity and
// trigger mode. Vectors are assigned as vectorBase+IRQ so existing
// device wiring keeps functioning.
func (io *IOAPIC) ProgramLegacyIRQs(overrides []Override, destAPICID uint8, vectorBase uint8) error {
	io.MaskAll()

	// GSIs claimed by an override must not also receive an identity
	// route; the classic case is the timer override IRQ0 -> GSI2, which
	// leaves IRQ2 (the old cascade line) without a mapping.
	claimed := make(map[uint32]bool, len(overrides))
	for _, ov := range overrides {
		claimed[ov.GSI] = true
	}

	for irq := uint8(0); irq < isaIRQCount; irq++ {
		gsi := uint32(irq)
		e := RedirectionEntry{
			Vector: vectorBase + irq,
			Dest:   destAPICID,
		}
		overridden := false
		for _, ov := range overrides {
			if ov.Source != irq {
				continue
			}
			gsi = ov.GSI
			e.ActiveLow = ov.ActiveLow
			e.LevelTriggered = ov.LevelTriggered
			overridden = true
			break
		}
		if !overridden && claimed[gsi] {
			continue
		}
		pin, ok := io.Pin(gsi)
		if !ok {
			// GSI on another controller.
			continue
		}
		if err := io.SetRedirection(pin, e); err != nil {
			return err
		}
	}
	return nil
}
