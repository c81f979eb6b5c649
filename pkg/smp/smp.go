// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package smp starts the application processors recorded during
// interrupt-table parsing. The bootstrap processor is the sole driver
// of the sequence and the sole writer of the aggregate counters; each
// started processor writes exactly one readiness flag, its own, so no
// locking is needed in this phase.
package smp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/platboot/platboot/pkg/acpi"
	"github.com/platboot/platboot/pkg/hw"
	"github.com/platboot/platboot/pkg/log"
)

// Startup sequence timing, per the multiprocessor startup protocol:
// INIT, wait, then two STARTUPs each followed by a short wait.
const (
	initDelay    = 10 * time.Millisecond
	startupDelay = 200 * time.Microsecond
	pollInterval = 100 * time.Microsecond
)

// DefaultTimeout bounds how long one processor may take to raise its
// readiness flag.
const DefaultTimeout = 100 * time.Millisecond

// IPISender delivers inter-processor signals. *apic.LAPIC implements
// it.
type IPISender interface {
	SendInit(apicID uint8) error
	SendStartup(apicID uint8, vector uint8) error
}

// ReadyFlags is one readiness flag per processor. The bring-up driver
// only reads them; each application processor sets its own exactly
// once when it reaches its steady state. The single-writer-per-flag
// discipline makes atomic loads and stores sufficient.
type ReadyFlags struct {
	flags []atomic.Uint32
}

// NewReadyFlags returns n cleared flags.
func NewReadyFlags(n int) *ReadyFlags {
	return &ReadyFlags{flags: make([]atomic.Uint32, n)}
}

// MarkReady is called by processor i's own instruction stream (or a
// simulator standing in for it). Flags of other processors are never
// written.
func (f *ReadyFlags) MarkReady(i int) {
	if i >= 0 && i < len(f.flags) {
		f.flags[i].Store(1)
	}
}

// Ready reports whether processor i has signalled readiness.
func (f *ReadyFlags) Ready(i int) bool {
	return i >= 0 && i < len(f.flags) && f.flags[i].Load() == 1
}

// Len returns the flag count.
func (f *ReadyFlags) Len() int {
	return len(f.flags)
}

// Config parameterizes a bring-up run.
type Config struct {
	// CPUs is the full topology; only enabled non-bootstrap entries
	// are started.
	CPUs acpi.CPUTopology

	Sender IPISender
	Delay  hw.Delayer

	// TrampolinePage is the physical page number (address >> 12) of
	// the real-mode entry trampoline carried by the STARTUP signals.
	TrampolinePage uint8

	// Flags must have one slot per CPUs entry, indexed by topology
	// position.
	Flags *ReadyFlags

	// Timeout bounds each processor's readiness wait. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// Report is the outcome of a bring-up run. A processor failing to
// start is recorded here, never escalated: boot is not blocked by
// processor failures.
type Report struct {
	// Started and Failed hold APIC ids in start order.
	Started []uint8
	Failed  []uint8

	// Detail aggregates what went wrong per failed processor.
	Detail *multierror.Error
}

// ReadyCount returns how many processors came up.
func (r *Report) ReadyCount() int {
	return len(r.Started)
}

// Bringup runs the startup sequence on every enabled non-bootstrap
// processor in topology order. The returned error covers only
// configuration faults; per-processor failures land in the Report.
func Bringup(cfg Config) (*Report, error) {
	if cfg.Sender == nil || cfg.Delay == nil {
		return nil, errors.New("smp: Sender and Delay are required")
	}
	if cfg.Flags == nil || cfg.Flags.Len() < len(cfg.CPUs) {
		return nil, errors.New("smp: Flags must cover every topology entry")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	report := &Report{}
	for i, cpu := range cfg.CPUs {
		if !cpu.Enabled || cpu.BSP {
			continue
		}
		if err := startOne(cfg, i, cpu, timeout); err != nil {
			log.Warnf("processor %d (APIC %d) failed to start: %v", cpu.ProcessorID, cpu.APICID, err)
			report.Failed = append(report.Failed, cpu.APICID)
			report.Detail = multierror.Append(report.Detail, fmt.Errorf("APIC %d: %w", cpu.APICID, err))
			continue
		}
		report.Started = append(report.Started, cpu.APICID)
	}
	log.Infof("multiprocessor bring-up: %d started, %d failed", len(report.Started), len(report.Failed))
	return report, nil
}

// startOne drives the INIT/STARTUP/STARTUP sequence for one processor
// and waits, bounded, for its readiness flag.
func startOne(cfg Config, idx int, cpu acpi.CPU, timeout time.Duration) error {
	if err := cfg.Sender.SendInit(cpu.APICID); err != nil {
		return err
	}
	cfg.Delay.Delay(initDelay)

	for n := 0; n < 2; n++ {
		if err := cfg.Sender.SendStartup(cpu.APICID, cfg.TrampolinePage); err != nil {
			return err
		}
		cfg.Delay.Delay(startupDelay)
	}

	// The wait is bounded by iteration count, not wall time, so a
	// no-op delayer still terminates.
	polls := int(timeout/pollInterval) + 1
	for n := 0; n < polls; n++ {
		if cfg.Flags.Ready(idx) {
			return nil
		}
		cfg.Delay.Delay(pollInterval)
	}
	return fmt.Errorf("no readiness signal within %v", timeout)
}
