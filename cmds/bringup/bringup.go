// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// bringup runs the full discovery and bring-up sequence against a
// physical-memory dump, with the hardware side simulated: a local
// APIC window that answers IPIs, IO APIC windows, remap-unit register
// windows and application processors that raise their readiness
// flags (unless told to stay silent).
//
// Synopsis:
//
//	bringup [--base=N] [--cpu-timeout=D] [--silent-aps] [--json] DUMP
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/platboot/platboot/pkg/memmap"
	"github.com/platboot/platboot/pkg/platform"
)

type options struct {
	Base       uint64        `long:"base" description:"physical address of the first byte of the dump" default:"0"`
	CPUTimeout time.Duration `long:"cpu-timeout" description:"per-processor readiness timeout" default:"50ms"`
	SilentAPs  bool          `long:"silent-aps" description:"simulate processors that never signal readiness"`
	JSON       bool          `long:"json" description:"print the report as JSON"`

	Positional struct {
		Dump string `positional-arg-name:"DUMP" required:"true"`
	} `positional-args:"true"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	data, err := os.ReadFile(opts.Positional.Dump)
	if err != nil {
		log.Fatal(err)
	}
	mem := memmap.NewMemory(opts.Base, data)

	m := newMachine(opts.SilentAPs)
	info, err := platform.Discover(mem, platform.DiscoverOptions{BSPAPICID: m.bspAPICID})
	if err != nil {
		log.Fatal(err)
	}

	report, err := platform.Bringup(info, m.hardware(), platform.BringupOptions{
		CPUTimeout:     opts.CPUTimeout,
		TrampolinePage: 0x08,
		Flags:          m.readyFlags(info),
	})
	if err != nil {
		log.Fatal(err)
	}

	if opts.JSON {
		j, err := json.MarshalIndent(summarize(report), "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s\n", j)
		return
	}
	printReport(report)
}

type summary struct {
	Mode       string
	Processors int
	Started    []uint8
	Failed     []uint8
	IOAPICs    int
	IOMMUReady bool
}

func summarize(r *platform.Report) summary {
	s := summary{
		Mode:       r.Mode.String(),
		Processors: len(r.Topology),
		IOAPICs:    len(r.IOAPICs),
		IOMMUReady: r.IOMMU.Ready(),
	}
	if r.SMP != nil {
		s.Started = r.SMP.Started
		s.Failed = r.SMP.Failed
	}
	return s
}

func printReport(r *platform.Report) {
	fmt.Printf("mode: %s\n", r.Mode)
	fmt.Printf("processors: %d\n", len(r.Topology))
	if r.SMP != nil {
		fmt.Printf("started: %d, failed: %d\n", len(r.SMP.Started), len(r.SMP.Failed))
		if r.SMP.Detail.ErrorOrNil() != nil {
			fmt.Printf("detail: %v\n", r.SMP.Detail)
		}
	}
	for i, io := range r.IOAPICs {
		unmasked := 0
		for _, e := range io.Entries() {
			if !e.Masked {
				unmasked++
			}
		}
		fmt.Printf("ioapic %d: GSI base %d, %d routed\n", i, io.GSIBase, unmasked)
	}
	fmt.Printf("iommu ready: %v\n", r.IOMMU.Ready())
}
