// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platboot/platboot/pkg/memmap"
)

func TestLocateRSDPInBIOSRegion(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	require.NoError(t, b.Place(0xE4530, BuildRSDP(0, 0x12345678, 0)))

	r, err := LocateRSDP(b.Memory())
	require.NoError(t, err)
	require.EqualValues(t, 0xE4530, r.Phys)
	require.EqualValues(t, 0, r.Revision)

	addr, xsdt := r.RootTable()
	require.EqualValues(t, 0x12345678, addr)
	require.False(t, xsdt)
}

func TestLocateRSDPInEBDA(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	// EBDA at segment 0x9FC0 -> 0x9FC00.
	mem := b.Memory()
	binary.LittleEndian.PutUint16(mem.Data[0x40E:], 0x9FC0)
	require.NoError(t, b.Place(0x9FC10, BuildRSDP(2, 0x1000, 0x2000)))

	r, err := LocateRSDP(mem)
	require.NoError(t, err)
	require.EqualValues(t, 0x9FC10, r.Phys)

	addr, xsdt := r.RootTable()
	require.EqualValues(t, 0x2000, addr)
	require.True(t, xsdt)
}

func TestLocateRSDPNotFound(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	_, err := LocateRSDP(b.Memory())
	require.ErrorIs(t, err, ErrRSDPNotFound)
}

// A candidate with a broken checksum must be skipped, not returned.
func TestLocateRSDPBadChecksumSkipped(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	bad := BuildRSDP(0, 0x1000, 0)
	bad[16] ^= 0xFF
	require.NoError(t, b.Place(0xE0000, bad))
	require.NoError(t, b.Place(0xE0020, BuildRSDP(0, 0x2000, 0)))

	r, err := LocateRSDP(b.Memory())
	require.NoError(t, err)
	require.EqualValues(t, 0xE0020, r.Phys)
}

// Revision >=2 structures carry an extra checksum over the extension
// bytes that is validated independently of the first one.
func TestLocateRSDPExtendedChecksum(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	bad := BuildRSDP(2, 0x1000, 0x2000)
	// Corrupt the XSDT address: only the extended checksum notices.
	bad[24] ^= 0xFF
	require.NoError(t, b.Place(0xE0000, bad))

	_, err := LocateRSDP(b.Memory())
	require.ErrorIs(t, err, ErrRSDPNotFound)
}

func TestLocateRSDPUnmappableRegions(t *testing.T) {
	// An image too small to cover any scan region.
	mem := memmap.NewMemory(0, make([]byte, 0x100))
	_, err := LocateRSDP(mem)
	if !errors.Is(err, ErrRSDPNotFound) {
		t.Fatalf("got %v, want ErrRSDPNotFound", err)
	}
}

func TestRSDPOEM(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	require.NoError(t, b.Place(0xE0000, BuildRSDP(0, 0x1000, 0)))
	r, err := LocateRSDP(b.Memory())
	require.NoError(t, err)
	require.Equal(t, "PLTBT", r.OEM())
}
