// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/platboot/platboot/pkg/memmap"
)

// SDTHeaderSize is the size of the common header starting every table.
const SDTHeaderSize = 36

// SDTHeader is the common header for all ACPI tables.
type SDTHeader struct {
	// The signature defines the table type.
	Signature [4]byte

	// Length of the whole table, header included.
	Length uint32

	Revision uint8

	// A value that when added to the sum of all other bytes in the
	// table should result in the value 0.
	Checksum uint8

	// OEM specific information.
	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	// Information about the tool that generated this table.
	CreatorID       uint32
	CreatorRevision uint32
}

// Sig returns the signature as a string.
func (h *SDTHeader) Sig() string {
	return string(h.Signature[:])
}

// SDT is one mapped and checksum-validated table: its header plus a
// copy of the bytes that follow it. Data is a copy, so an SDT stays
// valid after the firmware span backing it is unmapped.
type SDT struct {
	Header SDTHeader

	// Data holds the type-specific payload, i.e. the Length-36 bytes
	// following the header.
	Data []byte

	// Phys is the physical address the table was mapped from.
	Phys uint64
}

// ParseSDTHeader decodes the 36-byte common header from buf.
func ParseSDTHeader(buf []byte) (*SDTHeader, error) {
	if len(buf) < SDTHeaderSize {
		return nil, fmt.Errorf("header: got %d bytes: %w", len(buf), ErrTruncated)
	}
	var h SDTHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ParseSDT maps the table at phys, expands the mapping to the length
// declared in its header, validates the whole-table checksum and
// returns the table with its payload copied out of firmware memory.
func ParseSDT(m memmap.Mapper, phys uint64) (*SDT, error) {
	hdrSpan, err := m.Map(phys, SDTHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("mapping table header at 0x%x: %w", phys, err)
	}
	h, err := ParseSDTHeader(hdrSpan)
	if err != nil {
		m.Unmap(hdrSpan)
		return nil, err
	}
	length := h.Length
	if err := m.Unmap(hdrSpan); err != nil {
		return nil, err
	}

	if length < SDTHeaderSize {
		return nil, fmt.Errorf("%s at 0x%x declares length %d: %w", h.Sig(), phys, length, ErrTruncated)
	}

	span, err := m.Map(phys, uint64(length))
	if err != nil {
		return nil, fmt.Errorf("mapping table %s at 0x%x: %w", h.Sig(), phys, err)
	}
	defer m.Unmap(span)

	if !ChecksumValid(span) {
		return nil, fmt.Errorf("%s at 0x%x: %w", h.Sig(), phys, ErrBadChecksum)
	}

	data := make([]byte, length-SDTHeaderSize)
	copy(data, span[SDTHeaderSize:])
	return &SDT{Header: *h, Data: data, Phys: phys}, nil
}

// RootEntries decodes the physical pointer array of a root table:
// 4-byte entries for the RSDT, 8-byte entries for the XSDT.
func (t *SDT) RootEntries() ([]uint64, error) {
	switch t.Header.Sig() {
	case SignatureRSDT:
		entries := make([]uint64, len(t.Data)/4)
		for i := range entries {
			entries[i] = uint64(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return entries, nil
	case SignatureXSDT:
		entries := make([]uint64, len(t.Data)/8)
		for i := range entries {
			entries[i] = binary.LittleEndian.Uint64(t.Data[i*8:])
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("%s is not a root table", t.Header.Sig())
	}
}
