// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"sync"
	"time"

	"github.com/platboot/platboot/pkg/hw"
	"github.com/platboot/platboot/pkg/platform"
	"github.com/platboot/platboot/pkg/smp"
)

// Register geometry the simulator keys windows on: the bring-up code
// maps the local APIC with a 0x400 window, IO APICs with 0x20 and
// remap units with 0x1000.
const (
	lapicWindow  = 0x400
	ioapicWindow = 0x20
	iommuWindow  = 0x1000
)

// Local APIC ICR offsets and fields, mirrored from the apic package's
// register map.
const (
	regICRLow  = 0x300
	regICRHigh = 0x310

	deliveryStartup = 6 << 8
)

// IOMMU global command/status offsets.
const (
	regGlobalCmd    = 0x18
	regGlobalStatus = 0x1C
)

// machine simulates the hardware side of bring-up.
type machine struct {
	silentAPs bool
	bspAPICID uint8

	ports *hw.PortLog
	delay hw.Delayer

	mu      sync.Mutex
	windows map[uint64]hw.MMIO
	icrDest uint8

	flags   *smp.ReadyFlags
	flagIdx map[uint8]int
}

func newMachine(silentAPs bool) *machine {
	return &machine{
		silentAPs: silentAPs,
		ports:     hw.NewPortLog(),
		delay:     hw.SleepDelayer{},
		windows:   make(map[uint64]hw.MMIO),
	}
}

func (m *machine) hardware() platform.Hardware {
	return platform.Hardware{
		Ports: m.ports,
		Map:   m.mapWindow,
		Delay: m.delay,
	}
}

// readyFlags sizes the flag array to the discovered topology and
// remembers which flag belongs to which APIC id, so the simulated
// processors can raise their own.
func (m *machine) readyFlags(info *platform.Info) *smp.ReadyFlags {
	topo := info.Topology
	m.flags = smp.NewReadyFlags(len(topo))
	m.flagIdx = make(map[uint8]int, len(topo))
	for i, cpu := range topo {
		m.flagIdx[cpu.APICID] = i
	}
	return m.flags
}

// mapWindow hands out a fake register window per base address,
// picking the flavor from the window size.
func (m *machine) mapWindow(base uint64, length uint64) (hw.MMIO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[base]; ok {
		return w, nil
	}

	var w hw.MMIO
	switch length {
	case ioapicWindow:
		io := hw.NewIndirectMMIO(0x00, 0x10)
		// 24 redirection entries.
		io.Preset(0x01, 23<<16)
		w = io
	case iommuWindow:
		unit := hw.NewMemMMIO()
		unit.Preset(0x00, 0x10) // version
		unit.OnWrite = func(off, v uint32) {
			if off == regGlobalCmd {
				// Commands complete instantly: mirror the two
				// command bits into the status register.
				unit.Preset(regGlobalStatus, v&(3<<30))
			}
		}
		w = unit
	default:
		lapic := hw.NewMemMMIO()
		lapic.OnWrite = m.lapicWrite
		w = lapic
	}
	m.windows[base] = w
	return w, nil
}

// lapicWrite watches the interrupt command register. A STARTUP signal
// wakes the simulated target processor, which marks its own readiness
// flag a moment later.
func (m *machine) lapicWrite(off, v uint32) {
	switch off {
	case regICRHigh:
		m.mu.Lock()
		m.icrDest = uint8(v >> 24)
		m.mu.Unlock()
	case regICRLow:
		if v&(7<<8) != deliveryStartup || m.silentAPs {
			return
		}
		m.mu.Lock()
		dest := m.icrDest
		idx, ok := m.flagIdx[dest]
		flags := m.flags
		m.mu.Unlock()
		if !ok || flags == nil {
			return
		}
		go func() {
			time.Sleep(time.Millisecond)
			flags.MarkReady(idx)
		}()
	}
}
