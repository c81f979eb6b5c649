// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseBuiltMADT(t *testing.T, table []byte) *MADT {
	t.Helper()
	b := NewImageBuilder(0, 1<<16)
	addr, err := b.Append(table)
	require.NoError(t, err)
	sdt, err := ParseSDT(b.Memory(), addr)
	require.NoError(t, err)
	m, err := ParseMADT(sdt)
	require.NoError(t, err)
	return m
}

func TestParseMADTRecordsInOrder(t *testing.T) {
	m := parseBuiltMADT(t, BuildMADT(0xFEE00000, MADTFlagPCATCompat,
		RecordLocalAPIC{ProcessorID: 0, APICID: 0, Flags: LocalAPICFlagEnabled},
		RecordLocalAPIC{ProcessorID: 1, APICID: 2, Flags: LocalAPICFlagEnabled},
		RecordLocalAPIC{ProcessorID: 2, APICID: 4, Flags: LocalAPICFlagOnlineCapable},
		RecordIOAPIC{ID: 1, Address: 0xFEC00000, GSIBase: 0},
		RecordInterruptOverride{Source: 0, GSI: 2},
		RecordLocalAPICNMI{ProcessorID: 0xFF, LINT: 1},
	))

	require.EqualValues(t, 0xFEE00000, m.LocalAPICAddr)
	assert.True(t, m.PCATCompatible())

	require.Len(t, m.Processors, 3)
	assert.EqualValues(t, []uint8{0, 2, 4}, []uint8{m.Processors[0].APICID, m.Processors[1].APICID, m.Processors[2].APICID})
	assert.True(t, m.Processors[0].Enabled())
	assert.False(t, m.Processors[2].Enabled())

	require.Len(t, m.IOAPICs, 1)
	assert.EqualValues(t, 0xFEC00000, m.IOAPICs[0].Address)

	require.Len(t, m.Overrides, 1)
	assert.EqualValues(t, 2, m.Overrides[0].GSI)

	require.Len(t, m.LocalNMIs, 1)
	assert.EqualValues(t, 1, m.LocalNMIs[0].LINT)
	assert.Zero(t, m.SkippedRecords)
}

func TestParseMADTAddressOverride(t *testing.T) {
	// A 64-bit address-override record replaces the fixed-part address.
	payload := make([]byte, madtFixedSize)
	payload[0] = 0 // fixed-part address, to be overridden
	rec := make([]byte, 12)
	rec[0] = uint8(RecordTypeLocalAPICAddrOverride)
	rec[1] = 12
	copy(rec[4:], []byte{0, 0, 0, 0xF0, 1, 0, 0, 0}) // 0x1F0000000
	payload = append(payload, rec...)

	m := parseBuiltMADT(t, BuildTable(SignatureMADT, 3, payload))
	require.EqualValues(t, 0x1F0000000, m.LocalAPICAddr)
}

func TestParseMADTUnknownRecordSkipped(t *testing.T) {
	payload := make([]byte, madtFixedSize)
	payload = append(payload, 0x7F, 4, 0xAA, 0xBB) // unrecognized type, length 4
	payload = append(payload, RecordLocalAPIC{ProcessorID: 0, APICID: 0, Flags: LocalAPICFlagEnabled}.Encode()...)

	m := parseBuiltMADT(t, BuildTable(SignatureMADT, 3, payload))
	require.Len(t, m.Processors, 1)
	require.Equal(t, 1, m.SkippedRecords)
}

func TestWalkerDesync(t *testing.T) {
	var tests = []struct {
		name string
		recs []byte
	}{
		{"ZeroLength", []byte{0, 0}},
		{"Overrun", []byte{0, 8, 0, 0}},
		{"Fragment", []byte{0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWalker(tc.recs)
			_, err := w.Next()
			require.ErrorIs(t, err, ErrRecordDesync)
			// The error is sticky.
			_, err2 := w.Next()
			require.Equal(t, err, err2)
		})
	}
}

func TestWalkerEOF(t *testing.T) {
	w := NewWalker(nil)
	_, err := w.Next()
	require.Equal(t, io.EOF, err)
}

func TestParseMADTDesyncFatal(t *testing.T) {
	payload := make([]byte, madtFixedSize)
	payload = append(payload, RecordLocalAPIC{ProcessorID: 0, APICID: 0}.Encode()...)
	payload = append(payload, 0, 0) // zero-length record

	b := NewImageBuilder(0, 1<<16)
	addr, err := b.Append(BuildTable(SignatureMADT, 3, payload))
	require.NoError(t, err)
	sdt, err := ParseSDT(b.Memory(), addr)
	require.NoError(t, err)
	_, err = ParseMADT(sdt)
	require.ErrorIs(t, err, ErrRecordDesync)
}

func TestParseMADTWrongSignature(t *testing.T) {
	b := NewImageBuilder(0, 1<<16)
	addr, err := b.Append(BuildTable(SignatureHPET, 1, make([]byte, hpetFixedSize)))
	require.NoError(t, err)
	sdt, err := ParseSDT(b.Memory(), addr)
	require.NoError(t, err)
	_, err = ParseMADT(sdt)
	require.Error(t, err)
}

func TestTopology(t *testing.T) {
	m := parseBuiltMADT(t, BuildMADT(0xFEE00000, 0,
		RecordLocalAPIC{ProcessorID: 0, APICID: 0, Flags: LocalAPICFlagEnabled},
		RecordLocalAPIC{ProcessorID: 1, APICID: 2, Flags: LocalAPICFlagEnabled},
		RecordLocalAPIC{ProcessorID: 2, APICID: 6, Flags: 0},
	))

	topo := m.Topology(2)
	require.Len(t, topo, 3)
	require.Len(t, topo.Enabled(), 2)

	bsp, ok := topo.BSP()
	require.True(t, ok)
	assert.EqualValues(t, 2, bsp.APICID)

	aps := topo.APs()
	require.Len(t, aps, 1)
	assert.EqualValues(t, 0, aps[0].APICID)
}

func TestTopologyDuplicateProcessorID(t *testing.T) {
	m := parseBuiltMADT(t, BuildMADT(0xFEE00000, 0,
		RecordLocalAPIC{ProcessorID: 0, APICID: 0, Flags: LocalAPICFlagEnabled},
		RecordLocalAPIC{ProcessorID: 0, APICID: 7, Flags: LocalAPICFlagEnabled},
	))

	topo := m.Topology(0)
	require.Len(t, topo, 1)
	assert.EqualValues(t, 0, topo[0].APICID)
}

func TestTopologyBSPFallback(t *testing.T) {
	m := parseBuiltMADT(t, BuildMADT(0xFEE00000, 0,
		RecordLocalAPIC{ProcessorID: 0, APICID: 0, Flags: 0},
		RecordLocalAPIC{ProcessorID: 1, APICID: 2, Flags: LocalAPICFlagEnabled},
	))

	// No enabled processor has APIC id 9: the first enabled one is
	// assumed to be the bootstrap processor.
	topo := m.Topology(9)
	bsp, ok := topo.BSP()
	require.True(t, ok)
	assert.EqualValues(t, 2, bsp.APICID)
}
