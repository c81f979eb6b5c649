// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSDTRoundtrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	b := NewImageBuilder(0, 1<<16)
	addr, err := b.Append(BuildTable(SignatureHPET, 2, payload))
	require.NoError(t, err)

	sdt, err := ParseSDT(b.Memory(), addr)
	require.NoError(t, err)
	require.Equal(t, SignatureHPET, sdt.Header.Sig())
	require.EqualValues(t, SDTHeaderSize+len(payload), sdt.Header.Length)
	require.EqualValues(t, 2, sdt.Header.Revision)
	require.Equal(t, payload, sdt.Data)
	require.Equal(t, addr, sdt.Phys)
}

func TestParseSDTBadChecksum(t *testing.T) {
	b := NewImageBuilder(0, 1<<16)
	tbl := BuildTable(SignatureMADT, 1, make([]byte, 8))
	tbl[SDTHeaderSize] ^= 1
	addr, err := b.Append(tbl)
	require.NoError(t, err)

	_, err = ParseSDT(b.Memory(), addr)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestParseSDTDeclaredLengthTooSmall(t *testing.T) {
	b := NewImageBuilder(0, 1<<16)
	tbl := BuildTable(SignatureMADT, 1, nil)
	// Declare a length shorter than the header itself.
	tbl[4] = 10
	tbl[5], tbl[6], tbl[7] = 0, 0, 0
	addr, err := b.Append(tbl)
	require.NoError(t, err)

	_, err = ParseSDT(b.Memory(), addr)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParseSDTUnmappable(t *testing.T) {
	b := NewImageBuilder(0, 0x1000)
	_, err := ParseSDT(b.Memory(), 0x8000)
	require.Error(t, err)
}

func TestRootEntries(t *testing.T) {
	var tests = []struct {
		name  string
		table []byte
		want  []uint64
	}{
		{"RSDT", BuildRSDT([]uint32{0x1000, 0x2000}), []uint64{0x1000, 0x2000}},
		{"XSDT", BuildXSDT([]uint64{0x100000000, 0x2000}), []uint64{0x100000000, 0x2000}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewImageBuilder(0, 1<<16)
			addr, err := b.Append(tc.table)
			require.NoError(t, err)
			sdt, err := ParseSDT(b.Memory(), addr)
			require.NoError(t, err)
			got, err := sdt.RootEntries()
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	t.Run("NotARootTable", func(t *testing.T) {
		b := NewImageBuilder(0, 1<<16)
		addr, err := b.Append(BuildTable(SignatureHPET, 1, make([]byte, 20)))
		require.NoError(t, err)
		sdt, err := ParseSDT(b.Memory(), addr)
		require.NoError(t, err)
		_, err = sdt.RootEntries()
		require.Error(t, err)
	})
}
