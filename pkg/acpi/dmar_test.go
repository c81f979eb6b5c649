// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseBuiltDMAR(t *testing.T, table []byte) (*DMAR, error) {
	t.Helper()
	b := NewImageBuilder(0, 1<<16)
	addr, err := b.Append(table)
	require.NoError(t, err)
	sdt, err := ParseSDT(b.Memory(), addr)
	require.NoError(t, err)
	return ParseDMAR(sdt)
}

func TestParseDMAR(t *testing.T) {
	scoped := DRHD{
		Segment:      0,
		RegisterBase: 0xFED90000,
		Scopes: []DeviceScope{
			{Type: 1, StartBus: 0, Path: [][2]uint8{{2, 0}}},
		},
	}
	catchAll := DRHD{
		Flags:        DRHDFlagIncludeAll,
		RegisterBase: 0xFED91000,
	}

	d, err := parseBuiltDMAR(t, BuildDMAR(39, 1, scoped, catchAll))
	require.NoError(t, err)
	assert.EqualValues(t, 39, d.HostAddressWidth)
	assert.EqualValues(t, 1, d.Flags)
	require.Len(t, d.Units, 2)

	u := d.Units[0]
	assert.EqualValues(t, 0xFED90000, u.RegisterBase)
	assert.False(t, u.IncludeAll())
	require.Len(t, u.Scopes, 1)
	assert.True(t, u.Covers(0, 2, 0))
	assert.False(t, u.Covers(0, 3, 0))
	assert.False(t, u.Covers(1, 2, 0))

	assert.True(t, d.Units[1].IncludeAll())
	assert.True(t, d.Units[1].Covers(7, 7, 7))
}

func TestParseDMARSkipsOtherStructures(t *testing.T) {
	table := BuildDMAR(48, 0, DRHD{Flags: DRHDFlagIncludeAll, RegisterBase: 0xFED90000})

	// Tack a minimal RMRR-typed structure onto the payload.
	rmrr := make([]byte, 8)
	binary.LittleEndian.PutUint16(rmrr[0:2], dmarTypeRMRR)
	binary.LittleEndian.PutUint16(rmrr[2:4], 8)
	table = append(table, rmrr...)
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	fixChecksum(table, 9)

	d, err := parseBuiltDMAR(t, table)
	require.NoError(t, err)
	require.Len(t, d.Units, 1)
	assert.Equal(t, 1, d.SkippedStructures)
}

func TestParseDMARDesync(t *testing.T) {
	table := BuildDMAR(48, 0)

	// A structure declaring length 0.
	bad := make([]byte, 4)
	binary.LittleEndian.PutUint16(bad[0:2], dmarTypeDRHD)
	table = append(table, bad...)
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	fixChecksum(table, 9)

	_, err := parseBuiltDMAR(t, table)
	require.ErrorIs(t, err, ErrRecordDesync)
}

func TestParseDMARTruncatedFixedPart(t *testing.T) {
	_, err := parseBuiltDMAR(t, BuildTable(SignatureDMAR, 1, make([]byte, dmarFixedSize-1)))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDeviceScopeMultiHopPath(t *testing.T) {
	s := DeviceScope{StartBus: 0, Path: [][2]uint8{{0x1C, 0}, {0, 0}}}
	// Only the first hop is matched here.
	assert.True(t, s.Covers(0, 0x1C, 0))
	assert.False(t, s.Covers(0, 0, 0))
}
