// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/platboot/platboot/pkg/acpi"
	"github.com/platboot/platboot/pkg/apic"
	"github.com/platboot/platboot/pkg/hw"
	"github.com/platboot/platboot/pkg/iommu"
	"github.com/platboot/platboot/pkg/log"
	"github.com/platboot/platboot/pkg/pic"
	"github.com/platboot/platboot/pkg/smp"
)

// Mode is the interrupt-routing mode bring-up ended in.
type Mode int

// The possible outcomes.
const (
	// ModeLegacy keeps the 8259 pair and a single processor; the
	// degraded-but-bootable fallback.
	ModeLegacy Mode = iota

	// ModeAPIC runs with local/IO APICs programmed.
	ModeAPIC
)

func (m Mode) String() string {
	if m == ModeAPIC {
		return "apic"
	}
	return "legacy"
}

// MapMMIO maps a physical register window for a controller.
type MapMMIO func(base uint64, length uint64) (hw.MMIO, error)

// Hardware bundles the collaborator primitives bring-up consumes.
type Hardware struct {
	Ports hw.PortIO
	Map   MapMMIO
	Delay hw.Delayer
}

// BringupOptions tunes the bring-up sequence.
type BringupOptions struct {
	// SpuriousVector for the local APIC; defaults to 0xFF.
	SpuriousVector uint8

	// VectorBase is where legacy IRQ vectors start; defaults to 0x20.
	VectorBase uint8

	// TrampolinePage is the page number of the real-mode AP entry
	// point carried in STARTUP signals.
	TrampolinePage uint8

	// CPUTimeout bounds each application processor's readiness wait.
	CPUTimeout time.Duration

	// IOMMURootTable is the physical address of the remapping
	// context root table handed to every remap unit.
	IOMMURootTable uint64

	// Flags lets the caller share the readiness flags with its AP
	// entry code. Allocated here when nil.
	Flags *smp.ReadyFlags
}

// Report is what bring-up hands to later boot stages.
type Report struct {
	Mode Mode

	// Topology as actually used, with the bootstrap processor marked
	// from the live controller id.
	Topology acpi.CPUTopology

	// IOAPICs in table order with their programmed redirection state.
	IOAPICs []*apic.IOAPIC

	// SMP is nil in legacy mode.
	SMP *smp.Report

	// IOMMU gates bus-master enablement; see iommu.State.
	IOMMU *iommu.State

	// Flags are the per-processor readiness flags used during SMP
	// bring-up.
	Flags *smp.ReadyFlags
}

// lapicWindowLength covers the local APIC register block.
const lapicWindowLength = 0x400

// Bringup executes the ordered sequence on the bootstrap processor:
// legacy controller disable, local APIC enable, IO APIC programming,
// application-processor startup, remap-unit configuration. An absent
// MADT degrades to legacy single-processor mode; only broken
// collaborator primitives produce an error.
func Bringup(info *Info, hardware Hardware, opts BringupOptions) (*Report, error) {
	if hardware.Ports == nil || hardware.Map == nil || hardware.Delay == nil {
		return nil, errors.New("platform: Ports, Map and Delay are required")
	}
	if opts.SpuriousVector == 0 {
		opts.SpuriousVector = 0xFF
	}
	if opts.VectorBase == 0 {
		opts.VectorBase = 0x20
	}

	report := &Report{Mode: ModeLegacy}

	if info.LegacyFallback || info.MADT == nil {
		log.Infof("bring-up: staying on the legacy interrupt controller")
		report.IOMMU = configureIOMMU(info, hardware, opts)
		return report, nil
	}

	// The legacy pair must be quiet before any IO APIC entry is
	// unmasked; only PC-AT compatible machines have one.
	if info.MADT.PCATCompatible() {
		pic.Disable(hardware.Ports)
	}

	lapicMMIO, err := hardware.Map(info.MADT.LocalAPICAddr, lapicWindowLength)
	if err != nil {
		return nil, fmt.Errorf("mapping local APIC at 0x%x: %w", info.MADT.LocalAPICAddr, err)
	}
	lapic := apic.NewLAPIC(lapicMMIO, hardware.Delay)
	lapic.Enable(opts.SpuriousVector)
	bspID := lapic.ID()
	log.Infof("local APIC enabled on BSP (APIC id %d)", bspID)

	report.Mode = ModeAPIC
	report.Topology = info.MADT.Topology(bspID)

	overrides := make([]apic.Override, 0, len(info.MADT.Overrides))
	for _, ov := range info.MADT.Overrides {
		overrides = append(overrides, apic.Override{
			Source:         ov.Source,
			GSI:            ov.GSI,
			ActiveLow:      ov.ActiveLow(),
			LevelTriggered: ov.LevelTriggered(),
		})
	}
	for _, rec := range info.MADT.IOAPICs {
		win, err := hardware.Map(uint64(rec.Address), 0x20)
		if err != nil {
			return nil, fmt.Errorf("mapping IO APIC %d at 0x%x: %w", rec.ID, rec.Address, err)
		}
		io := apic.NewIOAPIC(win, rec.GSIBase)
		if err := io.ProgramLegacyIRQs(overrides, bspID, opts.VectorBase); err != nil {
			return nil, fmt.Errorf("programming IO APIC %d: %w", rec.ID, err)
		}
		report.IOAPICs = append(report.IOAPICs, io)
	}

	flags := opts.Flags
	if flags == nil {
		flags = smp.NewReadyFlags(len(report.Topology))
	}
	report.Flags = flags
	smpReport, err := smp.Bringup(smp.Config{
		CPUs:           report.Topology,
		Sender:         lapic,
		Delay:          hardware.Delay,
		TrampolinePage: opts.TrampolinePage,
		Flags:          flags,
		Timeout:        opts.CPUTimeout,
	})
	if err != nil {
		return nil, err
	}
	report.SMP = smpReport

	report.IOMMU = configureIOMMU(info, hardware, opts)
	return report, nil
}

// configureIOMMU runs the remap-unit configurator, or produces the
// trivially configured no-unit state when the remapping table is
// absent.
func configureIOMMU(info *Info, hardware Hardware, opts BringupOptions) *iommu.State {
	var units []acpi.DRHD
	if info.DMAR != nil {
		units = info.DMAR.Units
	}
	return iommu.Configure(units, iommu.MapWindow(hardware.Map), hardware.Delay, opts.IOMMURootTable)
}
