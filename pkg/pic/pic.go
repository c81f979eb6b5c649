// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pic quiesces the legacy 8259 interrupt controller pair so
// the advanced controllers can take over interrupt routing.
package pic

import (
	"github.com/platboot/platboot/pkg/hw"
)

// 8259 port assignments.
const (
	masterCmd  = 0x20
	masterData = 0x21
	slaveCmd   = 0xA0
	slaveData  = 0xA1
)

// Initialization command words.
const (
	icw1Init = 0x11 // edge triggered, cascade, ICW4 follows
	icw4Mode = 0x01 // 8086 mode

	// Remapped vector bases. Even fully masked, a spurious line can
	// fire once, so the vectors must not overlap CPU exceptions.
	masterVectorBase = 0x20
	slaveVectorBase  = 0x28
)

// Disable reinitializes both 8259s with vectors clear of the CPU
// exception range and then masks all 16 lines. It is idempotent and
// must run before any IO APIC redirection entry is unmasked.
func Disable(p hw.PortIO) {
	// Full ICW init sequence; required before the mask registers are
	// in a defined state.
	p.Out8(masterCmd, icw1Init)
	p.Out8(slaveCmd, icw1Init)
	p.Out8(masterData, masterVectorBase)
	p.Out8(slaveData, slaveVectorBase)
	p.Out8(masterData, 0x04) // slave on IRQ2
	p.Out8(slaveData, 0x02)  // cascade identity
	p.Out8(masterData, icw4Mode)
	p.Out8(slaveData, icw4Mode)

	// Mask everything.
	p.Out8(masterData, 0xFF)
	p.Out8(slaveData, 0xFF)
}
