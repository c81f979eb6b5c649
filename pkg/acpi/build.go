// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/platboot/platboot/pkg/memmap"
)

// Builders for bit-exact synthetic tables. They back the CLIs' -gen
// mode and the package tests; lengths and checksums always come out
// correct, so anything they emit round-trips through the parsers.

var (
	buildOEMID      = [6]byte{'P', 'L', 'T', 'B', 'T', ' '}
	buildOEMTableID = [8]byte{'P', 'L', 'A', 'T', 'B', 'O', 'O', 'T'}
	buildCreatorID  = uint32(0x54424c50) // "PLBT"
)

// fixChecksum stores the value making the byte sum of buf zero at
// buf[at].
func fixChecksum(buf []byte, at int) {
	buf[at] = 0
	buf[at] = uint8(0) - Checksum8(buf)
}

// BuildTable assembles a complete table: common header with the given
// signature and revision, then the payload, with length and checksum
// filled in.
func BuildTable(sig string, revision uint8, payload []byte) []byte {
	if len(sig) != 4 {
		panic(fmt.Sprintf("BuildTable: signature %q is not 4 bytes", sig))
	}
	buf := make([]byte, SDTHeaderSize+len(payload))
	w := bytesextra.NewReadWriteSeeker(buf)

	h := SDTHeader{
		Length:          uint32(len(buf)),
		Revision:        revision,
		OEMID:           buildOEMID,
		OEMTableID:      buildOEMTableID,
		OEMRevision:     1,
		CreatorID:       buildCreatorID,
		CreatorRevision: 1,
	}
	copy(h.Signature[:], sig)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		panic(err)
	}
	// bytesextra returns io.EOF for any write with the cursor at the
	// end of the buffer, even a zero-byte one, so skip empty payloads.
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			panic(err)
		}
	}
	fixChecksum(buf, 9)
	return buf
}

// BuildRSDP assembles a root pointer. Revision 0 structures are 20
// bytes; revision >=2 structures are 36 bytes with both checksums
// valid.
func BuildRSDP(revision uint8, rsdtAddr uint32, xsdtAddr uint64) []byte {
	size := rsdpV1Size
	if revision >= 2 {
		size = rsdpV2Size
	}
	buf := make([]byte, size)
	copy(buf, RSDPSignature)
	copy(buf[9:15], buildOEMID[:])
	buf[15] = revision
	binary.LittleEndian.PutUint32(buf[16:20], rsdtAddr)
	fixChecksum(buf[:rsdpV1Size], 8)
	if revision >= 2 {
		binary.LittleEndian.PutUint32(buf[20:24], uint32(size))
		binary.LittleEndian.PutUint64(buf[24:32], xsdtAddr)
		fixChecksum(buf[rsdpV1Size:], 32-rsdpV1Size)
	}
	return buf
}

// BuildRSDT assembles a root table with 4-byte entries.
func BuildRSDT(entries []uint32) []byte {
	payload := make([]byte, 4*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint32(payload[i*4:], e)
	}
	return BuildTable(SignatureRSDT, 1, payload)
}

// BuildXSDT assembles a root table with 8-byte entries.
func BuildXSDT(entries []uint64) []byte {
	payload := make([]byte, 8*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint64(payload[i*8:], e)
	}
	return BuildTable(SignatureXSDT, 1, payload)
}

// BuildFADT assembles a FACP table carrying the given fixed-feature
// values; everything else in the fixed part is zero.
func BuildFADT(f *FADT) []byte {
	payload := make([]byte, 80)
	payload[9] = f.PreferredPMProfile
	binary.LittleEndian.PutUint16(payload[10:12], f.SCIInterrupt)
	binary.LittleEndian.PutUint32(payload[12:16], f.SMICommandPort)
	payload[16] = f.ACPIEnable
	payload[17] = f.ACPIDisable
	binary.LittleEndian.PutUint32(payload[40:44], f.PMTimerBlock)
	payload[55] = f.PMTimerLength
	binary.LittleEndian.PutUint16(payload[73:75], f.BootArchFlags)
	binary.LittleEndian.PutUint32(payload[76:80], f.Flags)
	return BuildTable(SignatureFADT, 1, payload)
}

// Encode serializes the record with its type and length prefix.
func (r RecordLocalAPIC) Encode() []byte {
	b := make([]byte, 8)
	b[0] = uint8(RecordTypeLocalAPIC)
	b[1] = 8
	b[2] = r.ProcessorID
	b[3] = r.APICID
	binary.LittleEndian.PutUint32(b[4:8], r.Flags)
	return b
}

// Encode serializes the record with its type and length prefix.
func (r RecordIOAPIC) Encode() []byte {
	b := make([]byte, 12)
	b[0] = uint8(RecordTypeIOAPIC)
	b[1] = 12
	b[2] = r.ID
	binary.LittleEndian.PutUint32(b[4:8], r.Address)
	binary.LittleEndian.PutUint32(b[8:12], r.GSIBase)
	return b
}

// Encode serializes the record with its type and length prefix.
func (r RecordInterruptOverride) Encode() []byte {
	b := make([]byte, 10)
	b[0] = uint8(RecordTypeInterruptOverride)
	b[1] = 10
	b[2] = r.Bus
	b[3] = r.Source
	binary.LittleEndian.PutUint32(b[4:8], r.GSI)
	binary.LittleEndian.PutUint16(b[8:10], r.Flags)
	return b
}

// Encode serializes the record with its type and length prefix.
func (r RecordLocalAPICNMI) Encode() []byte {
	b := make([]byte, 6)
	b[0] = uint8(RecordTypeLocalAPICNMI)
	b[1] = 6
	b[2] = r.ProcessorID
	binary.LittleEndian.PutUint16(b[3:5], r.Flags)
	b[5] = r.LINT
	return b
}

// Encoder is anything that can serialize itself as a MADT record.
type Encoder interface {
	Encode() []byte
}

// BuildMADT assembles an APIC table from the fixed part and the given
// records, in order.
func BuildMADT(localAPICAddr uint32, flags uint32, records ...Encoder) []byte {
	payload := make([]byte, madtFixedSize)
	binary.LittleEndian.PutUint32(payload[0:4], localAPICAddr)
	binary.LittleEndian.PutUint32(payload[4:8], flags)
	for _, r := range records {
		payload = append(payload, r.Encode()...)
	}
	return BuildTable(SignatureMADT, 3, payload)
}

// BuildHPET assembles an HPET table.
func BuildHPET(h *HPET) []byte {
	payload := make([]byte, hpetFixedSize)
	binary.LittleEndian.PutUint32(payload[0:4], h.EventTimerBlockID)
	payload[4] = uint8(h.Base.Space)
	payload[5] = h.Base.BitWidth
	payload[6] = h.Base.BitOffset
	payload[7] = h.Base.AccessSize
	binary.LittleEndian.PutUint64(payload[8:16], h.Base.Address)
	payload[16] = h.Number
	binary.LittleEndian.PutUint16(payload[17:19], h.MinimumTick)
	payload[19] = h.PageProtection
	return BuildTable(SignatureHPET, 1, payload)
}

// BuildDMAR assembles a DMAR table from the given remap units.
func BuildDMAR(hostAddressWidth uint8, flags uint8, units ...DRHD) []byte {
	payload := make([]byte, dmarFixedSize)
	payload[0] = hostAddressWidth - 1
	payload[1] = flags

	for _, u := range units {
		body := make([]byte, 12)
		body[0] = u.Flags
		binary.LittleEndian.PutUint16(body[2:4], u.Segment)
		binary.LittleEndian.PutUint64(body[4:12], u.RegisterBase)
		for _, s := range u.Scopes {
			sc := make([]byte, 6+2*len(s.Path))
			sc[0] = s.Type
			sc[1] = uint8(len(sc))
			sc[4] = s.EnumerationID
			sc[5] = s.StartBus
			for i, hop := range s.Path {
				sc[6+2*i] = hop[0]
				sc[7+2*i] = hop[1]
			}
			body = append(body, sc...)
		}
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:2], dmarTypeDRHD)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(4+len(body)))
		payload = append(payload, hdr...)
		payload = append(payload, body...)
	}
	return BuildTable(SignatureDMAR, 1, payload)
}

// ImageBuilder lays tables out in a synthetic physical-memory image.
type ImageBuilder struct {
	base uint64
	buf  []byte
	w    io.ReadWriteSeeker
	next uint64
}

// NewImageBuilder allocates a zeroed image of the given size starting
// at base.
func NewImageBuilder(base, size uint64) *ImageBuilder {
	buf := make([]byte, size)
	return &ImageBuilder{
		base: base,
		buf:  buf,
		w:    bytesextra.NewReadWriteSeeker(buf),
		next: base + 0x1000,
	}
}

// Place copies data at the given physical address.
func (b *ImageBuilder) Place(phys uint64, data []byte) error {
	if phys < b.base || phys+uint64(len(data)) > b.base+uint64(len(b.buf)) {
		return fmt.Errorf("place 0x%x+0x%x: outside image 0x%x+0x%x", phys, len(data), b.base, len(b.buf))
	}
	if _, err := b.w.Seek(int64(phys-b.base), io.SeekStart); err != nil {
		return err
	}
	_, err := b.w.Write(data)
	return err
}

// Append places data at the next free 16-byte-aligned slot and
// returns its physical address.
func (b *ImageBuilder) Append(data []byte) (uint64, error) {
	addr := (b.next + 15) &^ 15
	if err := b.Place(addr, data); err != nil {
		return 0, err
	}
	b.next = addr + uint64(len(data))
	return addr, nil
}

// Memory returns the image as a mappable Memory.
func (b *ImageBuilder) Memory() *memmap.Memory {
	return memmap.NewMemory(b.base, b.buf)
}
