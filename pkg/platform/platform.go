// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package platform drives the whole subsystem in dependency order:
// locate the root pointer, dispatch the tables through the registry,
// then bring the interrupt controllers, the application processors
// and the remap units into a known state. Absent optional tables
// degrade the outcome; they never fail it.
package platform

import (
	"errors"
	"fmt"

	"github.com/platboot/platboot/pkg/acpi"
	"github.com/platboot/platboot/pkg/log"
	"github.com/platboot/platboot/pkg/memmap"
)

// DiscoverOptions parameterizes table discovery.
type DiscoverOptions struct {
	// BSPAPICID is the APIC id of the processor running discovery,
	// used to mark the bootstrap processor in the derived topology.
	// Real callers read it from their local APIC first.
	BSPAPICID uint8
}

// Info is everything discovery extracted from the tables. All fields
// are copies; no firmware memory is referenced once Discover returns.
type Info struct {
	// OEM and Revision identify the firmware, from the root pointer.
	OEM      string
	Revision uint8

	// LegacyFallback is set when no root pointer was found: the
	// platform runs single-processor with the legacy interrupt
	// controller only.
	LegacyFallback bool

	FADT *acpi.FADT
	MADT *acpi.MADT
	HPET *acpi.HPET
	DMAR *acpi.DMAR

	// Topology is derived from the MADT processor records; empty in
	// fallback mode.
	Topology acpi.CPUTopology

	// SCIGSI is the global interrupt the fixed-feature
	// system-control interrupt actually appears on, after applying
	// any interrupt-source override. Cross-table: computable only
	// with the FADT parsed before the MADT.
	SCIGSI uint32

	// Dispatch records what the table walk did.
	Dispatch *acpi.DispatchResult
}

// Discover locates the root pointer and dispatches every table to its
// parser. A missing root pointer yields a legacy-fallback Info and no
// error; corrupt mandatory structures yield an error.
func Discover(m memmap.Mapper, opts DiscoverOptions) (*Info, error) {
	info := &Info{}

	rsdp, err := acpi.LocateRSDP(m)
	if err != nil {
		if errors.Is(err, acpi.ErrRSDPNotFound) {
			log.Warnf("no RSDP: falling back to single-processor, legacy-interrupt operation")
			info.LegacyFallback = true
			return info, nil
		}
		return nil, err
	}
	info.OEM = rsdp.OEM()
	info.Revision = rsdp.Revision
	log.Infof("RSDP at 0x%x, OEM %q, revision %d", rsdp.Phys, info.OEM, info.Revision)

	reg := acpi.NewRegistry()
	handlers := map[string]acpi.Handler{
		acpi.SignatureFADT: func(ctx *acpi.Context, t *acpi.SDT) error {
			f, err := acpi.ParseFADT(t)
			if err != nil {
				return err
			}
			info.FADT = f
			ctx.FADT = f
			return nil
		},
		acpi.SignatureMADT: func(ctx *acpi.Context, t *acpi.SDT) error {
			madt, err := acpi.ParseMADT(t)
			if err != nil {
				return err
			}
			info.MADT = madt
			info.Topology = madt.Topology(opts.BSPAPICID)
			if ctx.FADT != nil {
				info.SCIGSI = sciGSI(ctx.FADT, madt)
			}
			return nil
		},
		acpi.SignatureHPET: func(_ *acpi.Context, t *acpi.SDT) error {
			h, err := acpi.ParseHPET(t)
			if err != nil {
				return err
			}
			info.HPET = h
			return nil
		},
		acpi.SignatureDMAR: func(_ *acpi.Context, t *acpi.SDT) error {
			d, err := acpi.ParseDMAR(t)
			if err != nil {
				return err
			}
			info.DMAR = d
			return nil
		},
	}
	for sig, h := range handlers {
		if err := reg.Register(sig, h); err != nil {
			return nil, err
		}
	}

	res, err := reg.DispatchAll(m, rsdp)
	if err != nil {
		return nil, fmt.Errorf("table dispatch: %w", err)
	}
	info.Dispatch = res

	if info.MADT == nil {
		log.Warnf("no advanced-interrupt table: legacy-controller, single-processor operation")
	}
	if info.HPET == nil {
		log.Infof("no high-precision-timer table")
	}
	if info.DMAR == nil {
		log.Infof("no DMA-remapping table: IOMMU protection unavailable")
	}
	return info, nil
}

// sciGSI resolves the FADT's system-control interrupt through the
// MADT's interrupt-source overrides.
func sciGSI(f *acpi.FADT, m *acpi.MADT) uint32 {
	for _, ov := range m.Overrides {
		if uint16(ov.Source) == f.SCIInterrupt {
			return ov.GSI
		}
	}
	return uint32(f.SCIInterrupt)
}
