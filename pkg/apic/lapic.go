// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package apic programs the advanced interrupt controllers: the
// per-processor local APIC and the IO APICs routing device interrupts.
package apic

import (
	"fmt"
	"time"

	"github.com/platboot/platboot/pkg/hw"
)

// Local APIC register offsets.
const (
	lapicRegID       = 0x020
	lapicRegVersion  = 0x030
	lapicRegEOI      = 0x0B0
	lapicRegSpurious = 0x0F0
	lapicRegError    = 0x280
	lapicRegICRLow   = 0x300
	lapicRegICRHigh  = 0x310
)

// ICR fields.
const (
	icrDeliveryInit    = 5 << 8
	icrDeliveryStartup = 6 << 8
	icrLevelAssert     = 1 << 14
	icrDeliveryPending = 1 << 12
)

// Spurious-vector register bits.
const (
	svrAPICEnable = 1 << 8
)

// ipiPollLimit bounds the delivery-status wait after an IPI.
const ipiPollLimit = 1000

// LAPIC drives one local APIC through its MMIO register window.
type LAPIC struct {
	mmio  hw.MMIO
	delay hw.Delayer
}

// NewLAPIC wraps an already-mapped local APIC window.
func NewLAPIC(m hw.MMIO, d hw.Delayer) *LAPIC {
	return &LAPIC{mmio: m, delay: d}
}

// ID returns the controller's APIC id.
func (l *LAPIC) ID() uint8 {
	return uint8(l.mmio.Read32(lapicRegID) >> 24)
}

// Enable programs the spurious-interrupt vector and sets the APIC
// software-enable bit. Runs once on the bootstrap processor before
// any IO APIC entry is unmasked.
func (l *LAPIC) Enable(spuriousVector uint8) {
	l.mmio.Write32(lapicRegSpurious, svrAPICEnable|uint32(spuriousVector))
}

// EOI signals end of interrupt.
func (l *LAPIC) EOI() {
	l.mmio.Write32(lapicRegEOI, 0)
}

// SendInit delivers an INIT inter-processor signal to the target.
func (l *LAPIC) SendInit(apicID uint8) error {
	return l.sendIPI(apicID, icrDeliveryInit|icrLevelAssert)
}

// SendStartup delivers a STARTUP inter-processor signal carrying the
// real-mode trampoline page. vector is the physical page number of
// the entry point (address >> 12).
func (l *LAPIC) SendStartup(apicID uint8, vector uint8) error {
	return l.sendIPI(apicID, icrDeliveryStartup|uint32(vector))
}

// sendIPI writes the interrupt command register pair and waits,
// bounded, for the delivery-status bit to clear.
func (l *LAPIC) sendIPI(apicID uint8, low uint32) error {
	l.mmio.Write32(lapicRegICRHigh, uint32(apicID)<<24)
	l.mmio.Write32(lapicRegICRLow, low)
	for i := 0; i < ipiPollLimit; i++ {
		if l.mmio.Read32(lapicRegICRLow)&icrDeliveryPending == 0 {
			return nil
		}
		l.delay.Delay(10 * time.Microsecond)
	}
	return fmt.Errorf("IPI %#x to APIC %d: delivery still pending", low, apicID)
}
