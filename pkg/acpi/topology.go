// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"github.com/platboot/platboot/pkg/log"
)

// CPU is one processor derived from the MADT, unique per processor id.
type CPU struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool

	// BSP marks the bootstrap processor, the one already running.
	BSP bool
}

// CPUTopology is the set of processors in MADT order. It is owned by
// the caller after derivation and carries no reference back into
// firmware memory.
type CPUTopology []CPU

// Enabled returns the processors that may run.
func (t CPUTopology) Enabled() CPUTopology {
	var out CPUTopology
	for _, c := range t {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// BSP returns the bootstrap processor and false if none was marked.
func (t CPUTopology) BSP() (CPU, bool) {
	for _, c := range t {
		if c.BSP {
			return c, true
		}
	}
	return CPU{}, false
}

// APs returns the enabled application processors, i.e. everything the
// multiprocessor bring-up still has to start.
func (t CPUTopology) APs() CPUTopology {
	var out CPUTopology
	for _, c := range t {
		if c.Enabled && !c.BSP {
			out = append(out, c)
		}
	}
	return out
}

// Topology derives the CPU topology from the MADT's processor
// records. Duplicate processor ids are dropped with a warning. The
// table does not say which processor is the bootstrap one, so the
// caller passes the APIC id of the processor it is running on; if no
// enabled record matches, the first enabled record is assumed to be
// the bootstrap processor.
func (m *MADT) Topology(bspAPICID uint8) CPUTopology {
	var (
		topo    CPUTopology
		seen    [256]bool
		bspIdx  = -1
		firstEn = -1
	)
	for _, p := range m.Processors {
		if seen[p.ProcessorID] {
			log.Warnf("MADT: duplicate processor id %d, keeping first entry", p.ProcessorID)
			continue
		}
		seen[p.ProcessorID] = true
		c := CPU{
			ProcessorID: p.ProcessorID,
			APICID:      p.APICID,
			Enabled:     p.Enabled(),
		}
		topo = append(topo, c)
		idx := len(topo) - 1
		if c.Enabled && firstEn == -1 {
			firstEn = idx
		}
		if c.Enabled && c.APICID == bspAPICID && bspIdx == -1 {
			bspIdx = idx
		}
	}
	switch {
	case bspIdx >= 0:
		topo[bspIdx].BSP = true
	case firstEn >= 0:
		log.Warnf("MADT: no enabled processor has APIC id %d, assuming the first enabled entry is the BSP", bspAPICID)
		topo[firstEn].BSP = true
	}
	return topo
}
