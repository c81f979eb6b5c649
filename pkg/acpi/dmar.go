// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/platboot/platboot/pkg/log"
)

// dmarFixedSize is the DMAR-specific payload before the remapping
// structures: host address width, flags, 10 reserved bytes.
const dmarFixedSize = 12

// DMAR remapping structure types. Only DRHD describes remap hardware
// units; the others are skipped by their declared length.
const (
	dmarTypeDRHD uint16 = 0
	dmarTypeRMRR uint16 = 1
	dmarTypeATSR uint16 = 2
)

// DRHD flag bits.
const (
	// DRHDFlagIncludeAll marks the unit that covers every device of
	// its segment not claimed by another unit.
	DRHDFlagIncludeAll = 1 << 0
)

// DeviceScope names the devices a remap unit covers: a start bus and
// a path of (device, function) pairs below it.
type DeviceScope struct {
	Type          uint8
	EnumerationID uint8
	StartBus      uint8

	// Path is the device/function walk from StartBus to the covered
	// endpoint or bridge.
	Path [][2]uint8
}

// Covers reports whether the scope names exactly the given
// bus/device/function. Scopes with multi-hop paths only match their
// first hop here; bridge fan-out is the PCI layer's business and is
// validated lazily by the IOMMU configurator.
func (s DeviceScope) Covers(bus, dev, fn uint8) bool {
	if s.StartBus != bus || len(s.Path) == 0 {
		return false
	}
	return s.Path[0][0] == dev && s.Path[0][1] == fn
}

// DRHD describes one DMA remap hardware unit: the MMIO window of its
// remapping registers and the devices it translates for.
type DRHD struct {
	Flags   uint8
	Segment uint16

	// RegisterBase is the physical base of the unit's 4KiB register
	// window.
	RegisterBase uint64

	Scopes []DeviceScope
}

// IncludeAll reports whether this unit covers all devices of its
// segment not covered elsewhere.
func (d DRHD) IncludeAll() bool { return d.Flags&DRHDFlagIncludeAll != 0 }

// Covers reports whether the unit translates for the given device.
func (d DRHD) Covers(bus, dev, fn uint8) bool {
	for _, s := range d.Scopes {
		if s.Covers(bus, dev, fn) {
			return true
		}
	}
	return d.IncludeAll()
}

// DMAR is the parsed DMA-remapping table.
type DMAR struct {
	// HostAddressWidth is the maximum guest-physical width, encoded
	// as width-1 in the table and decoded here.
	HostAddressWidth uint8

	Flags uint8

	// Units are the remap hardware units in table order.
	Units []DRHD

	// SkippedStructures counts remapping structures of types other
	// than DRHD.
	SkippedStructures int
}

// ParseDMAR extracts the remap-unit list from a validated DMAR table.
// Structures other than DRHD are skipped by declared length; a
// structure that declares a zero length or overruns the table is a
// fatal desynchronization, same as for MADT records.
func ParseDMAR(t *SDT) (*DMAR, error) {
	if t.Header.Sig() != SignatureDMAR {
		return nil, fmt.Errorf("ParseDMAR: got signature %q", t.Header.Sig())
	}
	if len(t.Data) < dmarFixedSize {
		return nil, fmt.Errorf("DMAR payload %d bytes: %w", len(t.Data), ErrTruncated)
	}

	d := &DMAR{
		HostAddressWidth: t.Data[0] + 1,
		Flags:            t.Data[1],
	}

	buf := t.Data[dmarFixedSize:]
	for off := 0; off < len(buf); {
		if len(buf)-off < 4 {
			return nil, fmt.Errorf("remapping structure fragment at offset %d: %w", off, ErrRecordDesync)
		}
		typ := binary.LittleEndian.Uint16(buf[off : off+2])
		length := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		if length < 4 || off+length > len(buf) {
			return nil, fmt.Errorf("remapping structure type %d at offset %d declares length %d with %d bytes left: %w",
				typ, off, length, len(buf)-off, ErrRecordDesync)
		}
		body := buf[off+4 : off+length]
		off += length

		if typ != dmarTypeDRHD {
			log.Debugf("DMAR: skipping remapping structure type %d", typ)
			d.SkippedStructures++
			continue
		}
		unit, err := parseDRHD(body)
		if err != nil {
			return nil, err
		}
		d.Units = append(d.Units, unit)
	}
	return d, nil
}

// parseDRHD decodes a DRHD body (the bytes after the common type and
// length fields).
func parseDRHD(body []byte) (DRHD, error) {
	// Flags, reserved, segment, 64-bit register base.
	if len(body) < 12 {
		return DRHD{}, fmt.Errorf("DRHD body %d bytes: %w", len(body), ErrTruncated)
	}
	unit := DRHD{
		Flags:        body[0],
		Segment:      binary.LittleEndian.Uint16(body[2:4]),
		RegisterBase: binary.LittleEndian.Uint64(body[4:12]),
	}

	scopes := body[12:]
	for off := 0; off < len(scopes); {
		if len(scopes)-off < 6 {
			return DRHD{}, fmt.Errorf("device scope fragment at offset %d: %w", off, ErrRecordDesync)
		}
		length := int(scopes[off+1])
		if length < 6 || off+length > len(scopes) {
			return DRHD{}, fmt.Errorf("device scope at offset %d declares length %d with %d bytes left: %w",
				off, length, len(scopes)-off, ErrRecordDesync)
		}
		s := DeviceScope{
			Type:          scopes[off],
			EnumerationID: scopes[off+4],
			StartBus:      scopes[off+5],
		}
		for p := off + 6; p+1 < off+length; p += 2 {
			s.Path = append(s.Path, [2]uint8{scopes[p], scopes[p+1]})
		}
		unit.Scopes = append(unit.Scopes, s)
		off += length
	}
	return unit, nil
}
