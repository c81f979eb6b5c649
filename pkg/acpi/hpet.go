// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AddressSpace says where a generic address block lives.
type AddressSpace uint8

// The address space types the tables here use.
const (
	AddressSpaceSysMemory AddressSpace = iota
	AddressSpaceSysIO
	AddressSpacePCI
)

// GenericAddress is the ACPI generic address structure: a register
// block in a particular address space.
type GenericAddress struct {
	Space      AddressSpace
	BitWidth   uint8
	BitOffset  uint8
	AccessSize uint8
	Address    uint64
}

// hpetFixedSize is the HPET-specific payload following the header.
const hpetFixedSize = 20

// HPET is the parsed high-precision-timer table.
type HPET struct {
	// EventTimerBlockID packs the hardware revision, comparator
	// count, counter size and PCI vendor id.
	EventTimerBlockID uint32

	// Base is the timer block's register window; for HPET the space
	// is always system memory.
	Base GenericAddress

	// Number distinguishes multiple timer blocks.
	Number uint8

	// MinimumTick is the shortest period (in timer ticks) the block
	// can be programmed with in periodic mode without losing
	// interrupts.
	MinimumTick uint16

	PageProtection uint8
}

// ComparatorCount returns the number of comparators in the block.
func (h *HPET) ComparatorCount() int {
	return int(h.EventTimerBlockID>>8&0x1f) + 1
}

// Counter64 reports whether the main counter is 64 bits wide.
func (h *HPET) Counter64() bool {
	return h.EventTimerBlockID&(1<<13) != 0
}

// VendorID returns the PCI vendor id of the timer block.
func (h *HPET) VendorID() uint16 {
	return uint16(h.EventTimerBlockID >> 16)
}

// ParseHPET extracts the timer description from a validated HPET
// table.
func ParseHPET(t *SDT) (*HPET, error) {
	if t.Header.Sig() != SignatureHPET {
		return nil, fmt.Errorf("ParseHPET: got signature %q", t.Header.Sig())
	}
	if len(t.Data) < hpetFixedSize {
		return nil, fmt.Errorf("HPET payload %d bytes: %w", len(t.Data), ErrTruncated)
	}

	h := &HPET{
		EventTimerBlockID: binary.LittleEndian.Uint32(t.Data[0:4]),
	}
	if err := binary.Read(bytes.NewReader(t.Data[4:16]), binary.LittleEndian, &h.Base); err != nil {
		return nil, err
	}
	h.Number = t.Data[16]
	h.MinimumTick = binary.LittleEndian.Uint16(t.Data[17:19])
	h.PageProtection = t.Data[19]
	return h, nil
}
