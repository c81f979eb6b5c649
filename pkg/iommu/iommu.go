// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iommu initializes the DMA remap hardware units described by
// the remapping table and gates bus-master enablement on their
// readiness. The ordering contract is enforced by precondition: a
// driver enabling DMA before Configure finished is a correctness bug
// in that driver, and AuthorizeBusMaster makes the violation
// observable.
package iommu

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/platboot/platboot/pkg/acpi"
	"github.com/platboot/platboot/pkg/hw"
	"github.com/platboot/platboot/pkg/log"
)

// Remapping-unit register offsets within the 4KiB window.
const (
	regVersion      = 0x00
	regCapabilityLo = 0x08
	regCapabilityHi = 0x0C
	regGlobalCmd    = 0x18
	regGlobalStatus = 0x1C
	regRootTableLo  = 0x20
	regRootTableHi  = 0x24
)

// Global command/status bits.
const (
	cmdSetRootTable      = 1 << 30
	cmdTranslationEnable = 1 << 31

	statusRootTableSet      = 1 << 30
	statusTranslationActive = 1 << 31
)

// WindowLength is the size of a remap unit's register window.
const WindowLength = 0x1000

// cmdPollLimit bounds every command-completion wait.
const cmdPollLimit = 1000

var (
	// ErrNotReady is returned to drivers asking for bus mastering
	// before configuration completed.
	ErrNotReady = errors.New("iommu: remap units not configured yet")

	// ErrUnitUnavailable is returned when the unit covering the
	// device failed to initialize.
	ErrUnitUnavailable = errors.New("iommu: covering remap unit unavailable")
)

// MapWindow maps a remap unit's register window; it is the
// architecture layer's MMIO mapping primitive.
type MapWindow func(base uint64, length uint64) (hw.MMIO, error)

// Unit is one remap hardware unit and its runtime state.
type Unit struct {
	Desc  acpi.DRHD
	Ready bool
}

// State is the configurator's outcome: per-unit readiness plus the
// gate drivers must pass before enabling DMA.
type State struct {
	units      []Unit
	configured bool

	// Detail aggregates per-unit initialization failures.
	Detail *multierror.Error
}

// Configure initializes every remap unit in the parsed list: map its
// register window, install the remapping context root table, enable
// translation. A unit that fails stays unavailable and is recorded;
// overall bring-up still succeeds. An empty unit list yields a
// trivially ready state, the degraded no-IOMMU outcome.
func Configure(units []acpi.DRHD, mapFn MapWindow, delay hw.Delayer, rootTable uint64) *State {
	s := &State{}
	for _, d := range units {
		u := Unit{Desc: d}
		if err := initUnit(d, mapFn, delay, rootTable); err != nil {
			log.Warnf("remap unit at 0x%x unavailable: %v", d.RegisterBase, err)
			s.Detail = multierror.Append(s.Detail, fmt.Errorf("unit 0x%x: %w", d.RegisterBase, err))
		} else {
			u.Ready = true
		}
		s.units = append(s.units, u)
	}
	s.configured = true
	log.Infof("IOMMU: %d/%d remap units initialized", s.readyCount(), len(s.units))
	return s
}

func initUnit(d acpi.DRHD, mapFn MapWindow, delay hw.Delayer, rootTable uint64) error {
	mmio, err := mapFn(d.RegisterBase, WindowLength)
	if err != nil {
		return fmt.Errorf("mapping register window: %w", err)
	}
	if mmio.Read32(regVersion) == 0 {
		return errors.New("version register reads zero")
	}

	mmio.Write32(regRootTableLo, uint32(rootTable))
	mmio.Write32(regRootTableHi, uint32(rootTable>>32))

	mmio.Write32(regGlobalCmd, cmdSetRootTable)
	if err := waitStatus(mmio, delay, statusRootTableSet); err != nil {
		return fmt.Errorf("root table install: %w", err)
	}

	mmio.Write32(regGlobalCmd, cmdSetRootTable|cmdTranslationEnable)
	if err := waitStatus(mmio, delay, statusTranslationActive); err != nil {
		return fmt.Errorf("enabling translation: %w", err)
	}
	return nil
}

// waitStatus polls the global status register, bounded, for bit.
func waitStatus(mmio hw.MMIO, delay hw.Delayer, bit uint32) error {
	for i := 0; i < cmdPollLimit; i++ {
		if mmio.Read32(regGlobalStatus)&bit != 0 {
			return nil
		}
		delay.Delay(10 * time.Microsecond)
	}
	return fmt.Errorf("status bit %#x never set", bit)
}

func (s *State) readyCount() int {
	n := 0
	for _, u := range s.units {
		if u.Ready {
			n++
		}
	}
	return n
}

// Ready reports whether configuration ran and every unit came up.
func (s *State) Ready() bool {
	return s != nil && s.configured && s.readyCount() == len(s.units)
}

// Units returns a copy of the per-unit state.
func (s *State) Units() []Unit {
	out := make([]Unit, len(s.units))
	copy(out, s.units)
	return out
}

// AuthorizeBusMaster is the gate a driver must pass before enabling
// DMA on a device. Before Configure completed, every request is
// rejected with ErrNotReady. Afterwards the device's covering unit is
// looked up lazily: a device whose unit failed is rejected, a device
// no unit covers is allowed without IOMMU protection.
func (s *State) AuthorizeBusMaster(bus, dev, fn uint8) error {
	if s == nil || !s.configured {
		return ErrNotReady
	}
	for _, u := range s.units {
		if !u.Desc.Covers(bus, dev, fn) {
			continue
		}
		if !u.Ready {
			return fmt.Errorf("%02x:%02x.%x: %w", bus, dev, fn, ErrUnitUnavailable)
		}
		return nil
	}
	log.Debugf("device %02x:%02x.%x not covered by any remap unit", bus, dev, fn)
	return nil
}
