// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	h := func(*Context, *SDT) error { return nil }
	require.NoError(t, r.Register(SignatureMADT, h))
	require.Error(t, r.Register(SignatureMADT, h))
}

// buildImage lays the given tables out after an RSDT and a revision-0
// root pointer in the low BIOS window, returning the mappable image.
func buildImage(t *testing.T, tables ...[]byte) *ImageBuilder {
	t.Helper()
	b := NewImageBuilder(0, 1<<20)
	var entries []uint32
	for _, tbl := range tables {
		addr, err := b.Append(tbl)
		require.NoError(t, err)
		entries = append(entries, uint32(addr))
	}
	rsdtAddr, err := b.Append(BuildRSDT(entries))
	require.NoError(t, err)
	require.NoError(t, b.Place(0xE0000, BuildRSDP(0, uint32(rsdtAddr), 0)))
	return b
}

func TestDispatchFADTFirst(t *testing.T) {
	// The MADT entry precedes the FACP entry in the root table, yet
	// the fixed-feature handler must run first and its result must be
	// visible to the MADT handler through the context.
	b := buildImage(t,
		BuildMADT(0xFEE00000, 0, RecordLocalAPIC{Flags: LocalAPICFlagEnabled}),
		BuildFADT(&FADT{SCIInterrupt: 9}),
	)
	mem := b.Memory()
	rsdp, err := LocateRSDP(mem)
	require.NoError(t, err)

	var order []string
	r := NewRegistry()
	require.NoError(t, r.Register(SignatureFADT, func(ctx *Context, s *SDT) error {
		order = append(order, SignatureFADT)
		f, err := ParseFADT(s)
		if err != nil {
			return err
		}
		ctx.FADT = f
		return nil
	}))
	require.NoError(t, r.Register(SignatureMADT, func(ctx *Context, s *SDT) error {
		order = append(order, SignatureMADT)
		require.NotNil(t, ctx.FADT)
		assert.EqualValues(t, 9, ctx.FADT.SCIInterrupt)
		return nil
	}))

	res, err := r.DispatchAll(mem, rsdp)
	require.NoError(t, err)
	assert.Equal(t, []string{SignatureFADT, SignatureMADT}, order)
	assert.Equal(t, []string{SignatureFADT, SignatureMADT}, res.Handled)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Rejected)
	require.NoError(t, res.HandlerErrors.ErrorOrNil())
	require.Len(t, res.Tables, 2)
}

func TestDispatchUnknownSignatureSkipped(t *testing.T) {
	b := buildImage(t, BuildTable("SSDT", 1, make([]byte, 16)))
	mem := b.Memory()
	rsdp, err := LocateRSDP(mem)
	require.NoError(t, err)

	res, err := NewRegistry().DispatchAll(mem, rsdp)
	require.NoError(t, err)
	assert.Equal(t, []string{"SSDT"}, res.Skipped)
	assert.Empty(t, res.Handled)
}

func TestDispatchBadTableRejected(t *testing.T) {
	bad := BuildTable(SignatureHPET, 1, make([]byte, hpetFixedSize))
	bad[SDTHeaderSize] ^= 1
	b := buildImage(t, bad, BuildFADT(&FADT{SCIInterrupt: 9}))
	mem := b.Memory()
	rsdp, err := LocateRSDP(mem)
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(SignatureHPET, func(*Context, *SDT) error {
		t.Fatal("handler ran for a rejected table")
		return nil
	}))
	require.NoError(t, r.Register(SignatureFADT, func(*Context, *SDT) error { return nil }))

	res, err := r.DispatchAll(mem, rsdp)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, res.Rejected[0], SignatureHPET)
	assert.Equal(t, []string{SignatureFADT}, res.Handled)
}

func TestDispatchRootChecksumFatal(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	rsdt := BuildRSDT(nil)
	rsdt[SDTHeaderSize-1] ^= 1
	addr, err := b.Append(rsdt)
	require.NoError(t, err)
	require.NoError(t, b.Place(0xE0000, BuildRSDP(0, uint32(addr), 0)))

	mem := b.Memory()
	rsdp, err := LocateRSDP(mem)
	require.NoError(t, err)
	_, err = NewRegistry().DispatchAll(mem, rsdp)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestDispatchHandlerErrorNotFatal(t *testing.T) {
	b := buildImage(t,
		BuildMADT(0xFEE00000, 0, RecordLocalAPIC{Flags: LocalAPICFlagEnabled}),
		BuildHPET(&HPET{Base: GenericAddress{Address: 0xFED00000}}),
	)
	mem := b.Memory()
	rsdp, err := LocateRSDP(mem)
	require.NoError(t, err)

	boom := errors.New("boom")
	madtRan := false
	r := NewRegistry()
	require.NoError(t, r.Register(SignatureHPET, func(*Context, *SDT) error { return boom }))
	require.NoError(t, r.Register(SignatureMADT, func(*Context, *SDT) error {
		madtRan = true
		return nil
	}))

	res, err := r.DispatchAll(mem, rsdp)
	require.NoError(t, err)
	assert.True(t, madtRan)
	require.Error(t, res.HandlerErrors.ErrorOrNil())
	assert.ErrorIs(t, res.HandlerErrors.ErrorOrNil(), boom)
}

func TestDispatchXSDTRoot(t *testing.T) {
	b := NewImageBuilder(0, 1<<20)
	fadtAddr, err := b.Append(BuildFADT(&FADT{SCIInterrupt: 9}))
	require.NoError(t, err)
	xsdtAddr, err := b.Append(BuildXSDT([]uint64{fadtAddr}))
	require.NoError(t, err)
	require.NoError(t, b.Place(0xE0000, BuildRSDP(2, 0, xsdtAddr)))

	mem := b.Memory()
	rsdp, err := LocateRSDP(mem)
	require.NoError(t, err)

	r := NewRegistry()
	handled := false
	require.NoError(t, r.Register(SignatureFADT, func(*Context, *SDT) error {
		handled = true
		return nil
	}))
	_, err = r.DispatchAll(mem, rsdp)
	require.NoError(t, err)
	assert.True(t, handled)
}
