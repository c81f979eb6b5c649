// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// fadtFixedSize covers the fixed part through the Century field; the
// boot-architecture flags and the flag word behind it are reserved on
// short ACPI 1.0 tables and parsed only when present.
const fadtFixedSize = 73

// FADT boot-architecture flag bits.
const (
	// FADTBootArchLegacyDevices indicates legacy LPC/ISA devices.
	FADTBootArchLegacyDevices = 1 << 0

	// FADTBootArch8042 indicates an 8042-compatible keyboard
	// controller.
	FADTBootArch8042 = 1 << 1
)

// fadtFixed mirrors the FADT's fixed part, byte for byte, so it can be
// decoded with a single little-endian read.
type fadtFixed struct {
	FirmwareCtrl uint32
	Dsdt         uint32

	_ uint8 // reserved in ACPI 2.0+

	PreferredPMProfile uint8
	SCIInterrupt       uint16
	SMICommandPort     uint32
	ACPIEnable         uint8
	ACPIDisable        uint8
	S4BIOSReq          uint8
	PStateControl      uint8
	PM1aEventBlock     uint32
	PM1bEventBlock     uint32
	PM1aControlBlock   uint32
	PM1bControlBlock   uint32
	PM2ControlBlock    uint32
	PMTimerBlock       uint32
	GPE0Block          uint32
	GPE1Block          uint32
	PM1EventLength     uint8
	PM1ControlLength   uint8
	PM2ControlLength   uint8
	PMTimerLength      uint8
	GPE0Length         uint8
	GPE1Length         uint8
	GPE1Base           uint8
	CStateControl      uint8
	WorstC2Latency     uint16
	WorstC3Latency     uint16
	FlushSize          uint16
	FlushStride        uint16
	DutyOffset         uint8
	DutyWidth          uint8
	DayAlarm           uint8
	MonthAlarm         uint8
	Century            uint8
}

// FADT is the parsed fixed-feature table. It carries the fields
// later boot stages consume: the system-control interrupt for power
// management, the ACPI enable/disable handshake ports and the PM
// timer block.
type FADT struct {
	// SCIInterrupt is the system-control interrupt number, delivered
	// to the OS for ACPI events.
	SCIInterrupt uint16

	// SMICommandPort with ACPIEnable/ACPIDisable forms the port pair
	// used to hand SMM control of ACPI over to the OS and back.
	SMICommandPort uint32
	ACPIEnable     uint8
	ACPIDisable    uint8

	// PMTimerBlock is the IO address of the 3.579545 MHz power
	// management timer, usable for delays before any interrupt-driven
	// clock exists.
	PMTimerBlock       uint32
	PMTimerLength      uint8
	PreferredPMProfile uint8

	// Flags is the fixed-feature flag word.
	Flags uint32

	// BootArchFlags is zero on ACPI 1.0 tables, where the field is
	// reserved.
	BootArchFlags uint16
}

// ParseFADT extracts the fixed-feature information from a validated
// FACP table.
func ParseFADT(t *SDT) (*FADT, error) {
	if t.Header.Sig() != SignatureFADT {
		return nil, fmt.Errorf("ParseFADT: got signature %q", t.Header.Sig())
	}
	if len(t.Data) < fadtFixedSize {
		return nil, fmt.Errorf("FADT payload %d bytes: %w", len(t.Data), ErrTruncated)
	}

	var fixed fadtFixed
	if err := binary.Read(bytes.NewReader(t.Data), binary.LittleEndian, &fixed); err != nil {
		return nil, err
	}

	f := &FADT{
		SCIInterrupt:       fixed.SCIInterrupt,
		SMICommandPort:     fixed.SMICommandPort,
		ACPIEnable:         fixed.ACPIEnable,
		ACPIDisable:        fixed.ACPIDisable,
		PMTimerBlock:       fixed.PMTimerBlock,
		PMTimerLength:      fixed.PMTimerLength,
		PreferredPMProfile: fixed.PreferredPMProfile,
	}

	// IAPC_BOOT_ARCH (2 bytes at payload offset 73) and Flags (4
	// bytes at 76) sit past the fadtFixed block; both are reserved on
	// short ACPI 1.0 tables.
	if len(t.Data) >= 75 {
		f.BootArchFlags = binary.LittleEndian.Uint16(t.Data[73:75])
	}
	if len(t.Data) >= 80 {
		f.Flags = binary.LittleEndian.Uint32(t.Data[76:80])
	}
	return f, nil
}
