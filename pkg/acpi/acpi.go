// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package acpi locates and parses the firmware-supplied ACPI tables:
// the root pointer (RSDP), the root table (RSDT/XSDT) and the typed
// tables hanging off it (FADT, MADT, HPET, DMAR). Tables are
// variable-length, checksummed, little-endian binary structures read
// through a memmap.Mapper; nothing in this package retains a
// reference into mapped firmware memory past parsing.
package acpi

import (
	"errors"
)

// Table signatures dispatched by this package.
const (
	SignatureFADT = "FACP"
	SignatureMADT = "APIC"
	SignatureHPET = "HPET"
	SignatureDMAR = "DMAR"
	SignatureRSDT = "RSDT"
	SignatureXSDT = "XSDT"
)

var (
	// ErrRSDPNotFound is returned when neither the EBDA nor the BIOS
	// read-only region contains a valid root pointer. The caller is
	// expected to fall back to a single-processor, PIC-only setup.
	ErrRSDPNotFound = errors.New("RSDP not found in EBDA or BIOS read-only region")

	// ErrBadChecksum is returned when a table's byte sum mod 256 is
	// not zero.
	ErrBadChecksum = errors.New("table checksum mismatch")

	// ErrTruncated is returned when a table is shorter than its fixed
	// part.
	ErrTruncated = errors.New("table shorter than its fixed part")

	// ErrRecordDesync is returned when a variable-length record
	// declares a zero length or would run past the table boundary.
	// The record stream cannot be resynchronized, so the whole table
	// is rejected.
	ErrRecordDesync = errors.New("interrupt record stream desynchronized")
)

// Checksum8 does a 8 bit checksum of the slice passed in.
func Checksum8(buf []byte) uint8 {
	var sum uint8
	for _, val := range buf {
		sum += val
	}
	return sum
}

// ChecksumValid reports whether the byte sum of buf mod 256 is zero,
// the validity rule shared by the RSDP and every ACPI table.
func ChecksumValid(buf []byte) bool {
	return Checksum8(buf) == 0
}
