// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// acpitool inspects the ACPI tables inside a physical-memory dump.
//
// Synopsis:
//
//	acpitool [-b BASE] DUMP list
//	acpitool [-b BASE] DUMP json
//	acpitool -g DUMP
//
// "list" renders the discovered tables, CPU topology, interrupt
// overrides and remap units; "json" dumps the parsed structures; -g
// writes a synthetic demo image usable as input.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	flag "github.com/spf13/pflag"

	"github.com/platboot/platboot/pkg/acpi"
	"github.com/platboot/platboot/pkg/memmap"
	"github.com/platboot/platboot/pkg/platform"
)

var (
	base      = flag.Uint64P("base", "b", 0, "physical address of the first byte of the dump")
	gen       = flag.BoolP("gen", "g", false, "write a synthetic demo image to the given path and exit")
	bspAPICID = flag.Uint8P("bsp", "B", 0, "APIC id to mark as the bootstrap processor")
)

func main() {
	flag.Parse()

	a := flag.Args()
	if *gen {
		if len(a) != 1 {
			log.Fatal("usage: acpitool -g OUT")
		}
		if err := writeDemoImage(a[0]); err != nil {
			log.Fatal(err)
		}
		return
	}
	if len(a) != 2 {
		log.Fatal("usage: acpitool [-b BASE] DUMP list|json")
	}

	data, err := os.ReadFile(a[0])
	if err != nil {
		log.Fatal(err)
	}
	mem := memmap.NewMemory(*base, data)
	info, err := platform.Discover(mem, platform.DiscoverOptions{BSPAPICID: *bspAPICID})
	if err != nil {
		log.Fatal(err)
	}

	switch a[1] {
	case "list":
		render(info)
	case "json":
		j, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s\n", j)
	default:
		log.Fatalf("unknown verb %q", a[1])
	}
}

func render(info *platform.Info) {
	if info.LegacyFallback {
		fmt.Println("no RSDP found: legacy single-processor fallback")
		return
	}
	fmt.Printf("OEM %q, ACPI revision %d\n", info.OEM, info.Revision)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Tables")
	t.AppendHeader(table.Row{"Signature", "Address", "Size", "Revision", "OEM Table"})
	for _, d := range info.Dispatch.Tables {
		t.AppendRow([]interface{}{
			d.Signature,
			fmt.Sprintf("0x%08x", d.Phys),
			humanize.IBytes(uint64(d.Length)),
			d.Revision,
			d.OEMTable,
		})
	}
	t.Render()

	if len(info.Topology) > 0 {
		c := table.NewWriter()
		c.SetOutputMirror(os.Stdout)
		c.SetTitle("Processors")
		c.AppendHeader(table.Row{"Processor", "APIC ID", "Enabled", "BSP"})
		for _, cpu := range info.Topology {
			c.AppendRow([]interface{}{cpu.ProcessorID, cpu.APICID, cpu.Enabled, cpu.BSP})
		}
		c.Render()
	}

	if info.MADT != nil {
		io := table.NewWriter()
		io.SetOutputMirror(os.Stdout)
		io.SetTitle("IO APICs")
		io.AppendHeader(table.Row{"ID", "Address", "GSI Base"})
		for _, rec := range info.MADT.IOAPICs {
			io.AppendRow([]interface{}{rec.ID, fmt.Sprintf("0x%08x", rec.Address), rec.GSIBase})
		}
		io.Render()

		if len(info.MADT.Overrides) > 0 {
			ov := table.NewWriter()
			ov.SetOutputMirror(os.Stdout)
			ov.SetTitle("Interrupt Overrides")
			ov.AppendHeader(table.Row{"IRQ", "GSI", "Polarity", "Trigger"})
			for _, o := range info.MADT.Overrides {
				pol, trig := "high", "edge"
				if o.ActiveLow() {
					pol = "low"
				}
				if o.LevelTriggered() {
					trig = "level"
				}
				ov.AppendRow([]interface{}{o.Source, o.GSI, pol, trig})
			}
			ov.Render()
		}
		fmt.Printf("SCI on GSI %d\n", info.SCIGSI)
	}

	if info.HPET != nil {
		fmt.Printf("HPET: base 0x%x, %d comparator(s), minimum tick %d\n",
			info.HPET.Base.Address, info.HPET.ComparatorCount(), info.HPET.MinimumTick)
	}
	if info.DMAR != nil {
		u := table.NewWriter()
		u.SetOutputMirror(os.Stdout)
		u.SetTitle("DMA Remap Units")
		u.AppendHeader(table.Row{"Register Base", "Segment", "Include All", "Scopes"})
		for _, unit := range info.DMAR.Units {
			u.AppendRow([]interface{}{
				fmt.Sprintf("0x%08x", unit.RegisterBase), unit.Segment, unit.IncludeAll(), len(unit.Scopes),
			})
		}
		u.Render()
	}
	if len(info.Dispatch.Skipped) > 0 {
		fmt.Printf("skipped (no handler): %v\n", info.Dispatch.Skipped)
	}
}

// writeDemoImage emits a small image with the full table set: FADT,
// MADT with two processors, one IO APIC and one IRQ override, HPET
// and a single-unit DMAR.
func writeDemoImage(path string) error {
	b := acpi.NewImageBuilder(0, 1<<20)

	fadt, err := b.Append(acpi.BuildFADT(&acpi.FADT{
		SCIInterrupt:   9,
		SMICommandPort: 0xB2,
		ACPIEnable:     0xA0,
		ACPIDisable:    0xA1,
		PMTimerBlock:   0x608,
		PMTimerLength:  4,
	}))
	if err != nil {
		return err
	}
	madt, err := b.Append(acpi.BuildMADT(0xFEE00000, acpi.MADTFlagPCATCompat,
		acpi.RecordLocalAPIC{ProcessorID: 0, APICID: 0, Flags: acpi.LocalAPICFlagEnabled},
		acpi.RecordLocalAPIC{ProcessorID: 1, APICID: 1, Flags: acpi.LocalAPICFlagEnabled},
		acpi.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
		acpi.RecordInterruptOverride{Source: 0, GSI: 2},
	))
	if err != nil {
		return err
	}
	hpet, err := b.Append(acpi.BuildHPET(&acpi.HPET{
		EventTimerBlockID: 0x8086A201,
		Base:              acpi.GenericAddress{Space: acpi.AddressSpaceSysMemory, Address: 0xFED00000},
		MinimumTick:       0x80,
	}))
	if err != nil {
		return err
	}
	dmar, err := b.Append(acpi.BuildDMAR(39, 0, acpi.DRHD{
		Flags:        acpi.DRHDFlagIncludeAll,
		RegisterBase: 0xFED90000,
	}))
	if err != nil {
		return err
	}
	rsdt, err := b.Append(acpi.BuildRSDT([]uint32{uint32(fadt), uint32(madt), uint32(hpet), uint32(dmar)}))
	if err != nil {
		return err
	}
	if err := b.Place(0xE0000, acpi.BuildRSDP(0, uint32(rsdt), 0)); err != nil {
		return err
	}
	return os.WriteFile(path, b.Memory().Data, 0o644)
}
