// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/platboot/platboot/pkg/log"
)

// madtFixedSize is the MADT-specific fixed part following the common
// header: local controller address and flags.
const madtFixedSize = 8

// MADT flag bits.
const (
	// MADTFlagPCATCompat indicates the machine also has a pair of
	// legacy 8259 controllers that must be masked before the IO APICs
	// are used.
	MADTFlagPCATCompat = 1 << 0
)

// RecordType tags one variable-length MADT record.
type RecordType uint8

// The record types this package interprets. Types outside this list
// are skipped using their declared length, which keeps the walker
// forward compatible with future record kinds.
const (
	RecordTypeLocalAPIC RecordType = iota
	RecordTypeIOAPIC
	RecordTypeInterruptOverride
	RecordTypeNMISource
	RecordTypeLocalAPICNMI
	RecordTypeLocalAPICAddrOverride
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeLocalAPIC:
		return "LOCAL_APIC"
	case RecordTypeIOAPIC:
		return "IO_APIC"
	case RecordTypeInterruptOverride:
		return "INT_SRC_OVERRIDE"
	case RecordTypeNMISource:
		return "NMI_SOURCE"
	case RecordTypeLocalAPICNMI:
		return "LOCAL_APIC_NMI"
	case RecordTypeLocalAPICAddrOverride:
		return "LOCAL_APIC_ADDR_OVERRIDE"
	default:
		return fmt.Sprintf("TYPE_%#x", uint8(t))
	}
}

// Record is one typed MADT record. Implementations are the
// RecordXxx structs below.
type Record interface {
	RecordType() RecordType
}

// LocalAPIC flag bits.
const (
	// LocalAPICFlagEnabled marks a processor that is present and
	// ready to be started.
	LocalAPICFlagEnabled = 1 << 0

	// LocalAPICFlagOnlineCapable marks a processor that is absent now
	// but may be hot-added. Bring-up never starts these.
	LocalAPICFlagOnlineCapable = 1 << 1
)

// RecordLocalAPIC describes one processor and its local interrupt
// controller.
type RecordLocalAPIC struct {
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

// RecordType implements Record.
func (RecordLocalAPIC) RecordType() RecordType { return RecordTypeLocalAPIC }

// Enabled reports whether the processor may be started.
func (r RecordLocalAPIC) Enabled() bool { return r.Flags&LocalAPICFlagEnabled != 0 }

// RecordIOAPIC describes one IO interrupt controller.
type RecordIOAPIC struct {
	ID uint8

	// Address is the controller's MMIO register window base.
	Address uint32

	// GSIBase is the first global interrupt number this controller
	// handles.
	GSIBase uint32
}

// RecordType implements Record.
func (RecordIOAPIC) RecordType() RecordType { return RecordTypeIOAPIC }

// Interrupt override flag masks (MPS INTI flags).
const (
	OverridePolarityMask = 0x3
	OverridePolarityLow  = 0x3

	OverrideTriggerMask  = 0xc
	OverrideTriggerLevel = 0xc
)

// RecordInterruptOverride remaps a legacy IRQ to a global interrupt
// number, with polarity and trigger-mode flags.
type RecordInterruptOverride struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// RecordType implements Record.
func (RecordInterruptOverride) RecordType() RecordType { return RecordTypeInterruptOverride }

// ActiveLow reports the override's polarity, defaulting to active
// high when the field says "bus default".
func (r RecordInterruptOverride) ActiveLow() bool {
	return r.Flags&OverridePolarityMask == OverridePolarityLow
}

// LevelTriggered reports the override's trigger mode.
func (r RecordInterruptOverride) LevelTriggered() bool {
	return r.Flags&OverrideTriggerMask == OverrideTriggerLevel
}

// RecordNMISource describes a non-maskable interrupt source wired to
// a global interrupt.
type RecordNMISource struct {
	Flags uint16
	GSI   uint32
}

// RecordType implements Record.
func (RecordNMISource) RecordType() RecordType { return RecordTypeNMISource }

// RecordLocalAPICNMI describes which local-controller LINT pin
// delivers NMIs for one processor (0xff meaning all processors).
type RecordLocalAPICNMI struct {
	ProcessorID uint8
	Flags       uint16
	LINT        uint8
}

// RecordType implements Record.
func (RecordLocalAPICNMI) RecordType() RecordType { return RecordTypeLocalAPICNMI }

// RecordLocalAPICAddrOverride replaces the 32-bit local controller
// address from the fixed part with a 64-bit one.
type RecordLocalAPICAddrOverride struct {
	Address uint64
}

// RecordType implements Record.
func (RecordLocalAPICAddrOverride) RecordType() RecordType { return RecordTypeLocalAPICAddrOverride }

// MADT is the parsed advanced-interrupt table.
type MADT struct {
	// LocalAPICAddr is the local controller MMIO base, already
	// replaced by an address-override record when one was present.
	LocalAPICAddr uint64

	Flags uint32

	// Typed records in table order.
	Processors []RecordLocalAPIC
	IOAPICs    []RecordIOAPIC
	Overrides  []RecordInterruptOverride
	NMISources []RecordNMISource
	LocalNMIs  []RecordLocalAPICNMI

	// SkippedRecords counts records with unrecognized type tags.
	SkippedRecords int
}

// PCATCompatible reports whether legacy 8259 controllers are present
// and must be disabled during bring-up.
func (m *MADT) PCATCompatible() bool { return m.Flags&MADTFlagPCATCompat != 0 }

// Walker yields the variable-length records following the MADT fixed
// part: a lazy, finite, non-restartable sequence. Each record starts
// with a 1-byte type tag and a 1-byte total length; the walker
// advances exactly that length per record. A zero or overrunning
// declared length is a fatal desynchronization.
type Walker struct {
	buf     []byte
	off     int
	skipped int
	err     error
}

// NewWalker walks the record area of a MADT payload (the bytes after
// the 8-byte fixed part).
func NewWalker(records []byte) *Walker {
	return &Walker{buf: records}
}

// Next returns the next typed record. It returns io.EOF when the
// cumulative offset reaches the declared end, and ErrRecordDesync
// (wrapped) if a record's declared length is zero or reaches past the
// table boundary. After an error every subsequent call returns the
// same error.
func (w *Walker) Next() (Record, error) {
	if w.err != nil {
		return nil, w.err
	}
	for {
		if w.off == len(w.buf) {
			w.err = io.EOF
			return nil, w.err
		}
		if len(w.buf)-w.off < 2 {
			w.err = fmt.Errorf("record fragment at offset %d: %w", w.off, ErrRecordDesync)
			return nil, w.err
		}
		typ := RecordType(w.buf[w.off])
		length := int(w.buf[w.off+1])
		if length == 0 || w.off+length > len(w.buf) {
			w.err = fmt.Errorf("record %s at offset %d declares length %d with %d bytes left: %w",
				typ, w.off, length, len(w.buf)-w.off, ErrRecordDesync)
			return nil, w.err
		}
		payload := w.buf[w.off+2 : w.off+length]
		w.off += length

		rec, err := decodeRecord(typ, payload)
		if err != nil {
			w.err = err
			return nil, w.err
		}
		if rec == nil {
			// Unknown type: skip by declared length.
			w.skipped++
			continue
		}
		return rec, nil
	}
}

// Skipped returns how many unrecognized records were passed over.
func (w *Walker) Skipped() int {
	return w.skipped
}

// decodeRecord interprets one record payload. A nil, nil return means
// the type is not interpreted and should be skipped.
func decodeRecord(typ RecordType, p []byte) (Record, error) {
	short := func(want int) error {
		return fmt.Errorf("%s record payload %d bytes, want %d: %w", typ, len(p), want, ErrRecordDesync)
	}
	switch typ {
	case RecordTypeLocalAPIC:
		if len(p) < 6 {
			return nil, short(6)
		}
		return RecordLocalAPIC{
			ProcessorID: p[0],
			APICID:      p[1],
			Flags:       binary.LittleEndian.Uint32(p[2:6]),
		}, nil
	case RecordTypeIOAPIC:
		if len(p) < 10 {
			return nil, short(10)
		}
		return RecordIOAPIC{
			ID:      p[0],
			Address: binary.LittleEndian.Uint32(p[2:6]),
			GSIBase: binary.LittleEndian.Uint32(p[6:10]),
		}, nil
	case RecordTypeInterruptOverride:
		if len(p) < 8 {
			return nil, short(8)
		}
		return RecordInterruptOverride{
			Bus:    p[0],
			Source: p[1],
			GSI:    binary.LittleEndian.Uint32(p[2:6]),
			Flags:  binary.LittleEndian.Uint16(p[6:8]),
		}, nil
	case RecordTypeNMISource:
		if len(p) < 6 {
			return nil, short(6)
		}
		return RecordNMISource{
			Flags: binary.LittleEndian.Uint16(p[0:2]),
			GSI:   binary.LittleEndian.Uint32(p[2:6]),
		}, nil
	case RecordTypeLocalAPICNMI:
		if len(p) < 4 {
			return nil, short(4)
		}
		return RecordLocalAPICNMI{
			ProcessorID: p[0],
			Flags:       binary.LittleEndian.Uint16(p[1:3]),
			LINT:        p[3],
		}, nil
	case RecordTypeLocalAPICAddrOverride:
		if len(p) < 10 {
			return nil, short(10)
		}
		return RecordLocalAPICAddrOverride{
			Address: binary.LittleEndian.Uint64(p[2:10]),
		}, nil
	default:
		return nil, nil
	}
}

// ParseMADT walks a validated APIC table and accumulates its records.
func ParseMADT(t *SDT) (*MADT, error) {
	if t.Header.Sig() != SignatureMADT {
		return nil, fmt.Errorf("ParseMADT: got signature %q", t.Header.Sig())
	}
	if len(t.Data) < madtFixedSize {
		return nil, fmt.Errorf("MADT payload %d bytes: %w", len(t.Data), ErrTruncated)
	}

	m := &MADT{
		LocalAPICAddr: uint64(binary.LittleEndian.Uint32(t.Data[0:4])),
		Flags:         binary.LittleEndian.Uint32(t.Data[4:8]),
	}

	w := NewWalker(t.Data[madtFixedSize:])
	for {
		rec, err := w.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r := rec.(type) {
		case RecordLocalAPIC:
			m.Processors = append(m.Processors, r)
		case RecordIOAPIC:
			m.IOAPICs = append(m.IOAPICs, r)
		case RecordInterruptOverride:
			m.Overrides = append(m.Overrides, r)
		case RecordNMISource:
			m.NMISources = append(m.NMISources, r)
		case RecordLocalAPICNMI:
			m.LocalNMIs = append(m.LocalNMIs, r)
		case RecordLocalAPICAddrOverride:
			m.LocalAPICAddr = r.Address
		}
	}
	m.SkippedRecords = w.Skipped()
	if m.SkippedRecords > 0 {
		log.Debugf("MADT: %d unrecognized record(s) skipped", m.SkippedRecords)
	}
	return m, nil
}
