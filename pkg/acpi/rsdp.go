// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/platboot/platboot/pkg/log"
	"github.com/platboot/platboot/pkg/memmap"
)

// RSDPSignature is the 8-byte signature starting the root pointer.
var RSDPSignature = []byte("RSD PTR ")

const (
	// rsdpV1Size covers signature through the 32-bit RSDT address;
	// the revision 0/1 checksum is computed over exactly these bytes.
	rsdpV1Size = 20

	// rsdpV2Size is the full revision >=2 structure. The extended
	// checksum is computed over bytes 20..35 only.
	rsdpV2Size = 36

	// The RSDP is 16-byte aligned.
	rsdpAlign = 16

	// The BIOS read-only region the RSDP may live in.
	biosROBase   = 0xE0000
	biosROLength = 0x20000

	// Real-mode pointer to the EBDA segment.
	ebdaPtrAddr = 0x40E

	// Only the first KiB of the EBDA may hold the RSDP.
	ebdaScanLength = 1024
)

// RSDP is the root system description pointer. It is validated once
// during location and immutable afterwards.
type RSDP struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte

	// Revision is 0 for ACPI 1.0 and 2 for ACPI 2.0 through 6.x.
	Revision uint8

	// RSDTAddr is the physical address of the 32-bit root table.
	RSDTAddr uint32

	// Revision >=2 extension.
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8

	// Phys is where the structure was found.
	Phys uint64
}

// OEM returns the OEM identifier as a string.
func (r *RSDP) OEM() string {
	return string(bytes.TrimRight(r.OEMID[:], "\x00 "))
}

// RootTable returns the physical address of the root table and true
// when the 64-bit XSDT should be used instead of the RSDT.
func (r *RSDP) RootTable() (uint64, bool) {
	if r.Revision >= 2 && r.XSDTAddr != 0 {
		return r.XSDTAddr, true
	}
	return uint64(r.RSDTAddr), false
}

// LocateRSDP scans the two firmware regions that may hold the root
// pointer: the first KiB of the EBDA (whose segment is published at
// 0x40E) and the BIOS read-only region 0xE0000-0xFFFFF, both on
// 16-byte boundaries. Absence is reported as ErrRSDPNotFound and is
// not fatal to boot: the caller falls back to a single-processor,
// legacy-interrupt-controller-only configuration.
func LocateRSDP(m memmap.Mapper) (*RSDP, error) {
	if base := ebdaBase(m); base != 0 {
		if r, ok := scanForRSDP(m, base, ebdaScanLength); ok {
			return r, nil
		}
	}
	if r, ok := scanForRSDP(m, biosROBase, biosROLength); ok {
		return r, nil
	}
	return nil, ErrRSDPNotFound
}

// ebdaBase reads the real-mode EBDA segment pointer. A zero return
// means no usable EBDA.
func ebdaBase(m memmap.Mapper) uint64 {
	span, err := m.Map(ebdaPtrAddr, 2)
	if err != nil {
		log.Debugf("EBDA pointer not mappable: %v", err)
		return 0
	}
	defer m.Unmap(span)
	seg := binary.LittleEndian.Uint16(span)
	return uint64(seg) << 4
}

func scanForRSDP(m memmap.Mapper, base, length uint64) (*RSDP, bool) {
	span, err := m.Map(base, length)
	if err != nil {
		log.Debugf("RSDP scan region 0x%x+0x%x not mappable: %v", base, length, err)
		return nil, false
	}
	defer m.Unmap(span)

	for off := uint64(0); off+rsdpV1Size <= length; off += rsdpAlign {
		if !bytes.Equal(span[off:off+8], RSDPSignature) {
			continue
		}
		r, err := parseRSDP(span[off:], base+off)
		if err != nil {
			log.Warnf("RSDP candidate at 0x%x rejected: %v", base+off, err)
			continue
		}
		return r, true
	}
	return nil, false
}

// parseRSDP validates the checksums for a signature match at buf[0].
// Revision 0/1 structures are checksummed over the first 20 bytes;
// revision >=2 structures additionally carry an independent checksum
// over the 16 extension bytes.
func parseRSDP(buf []byte, phys uint64) (*RSDP, error) {
	if len(buf) < rsdpV1Size {
		return nil, ErrTruncated
	}
	if !ChecksumValid(buf[:rsdpV1Size]) {
		return nil, fmt.Errorf("revision 0/1 part: %w", ErrBadChecksum)
	}

	r := &RSDP{Phys: phys}
	copy(r.Signature[:], buf[:8])
	r.Checksum = buf[8]
	copy(r.OEMID[:], buf[9:15])
	r.Revision = buf[15]
	r.RSDTAddr = binary.LittleEndian.Uint32(buf[16:20])

	if r.Revision >= 2 {
		if len(buf) < rsdpV2Size {
			return nil, fmt.Errorf("revision %d extension: %w", r.Revision, ErrTruncated)
		}
		if Checksum8(buf[rsdpV1Size:rsdpV2Size]) != 0 {
			return nil, fmt.Errorf("extended part: %w", ErrBadChecksum)
		}
		r.Length = binary.LittleEndian.Uint32(buf[20:24])
		r.XSDTAddr = binary.LittleEndian.Uint64(buf[24:32])
		r.ExtendedChecksum = buf[32]
	}
	return r, nil
}
