// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acpi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/platboot/platboot/pkg/log"
	"github.com/platboot/platboot/pkg/memmap"
)

// Context is handed to every handler during dispatch. It carries the
// mapper the handler may use for side lookups and, during the second
// pass, the fixed-feature table parsed in the first pass.
type Context struct {
	Mapper memmap.Mapper

	// FADT is nil during pass one. The FADT handler is expected to
	// publish its result here so pass-two handlers can consume it.
	FADT *FADT
}

// Handler parses and applies one table kind. The table payload it
// receives has already passed the whole-table checksum.
type Handler func(ctx *Context, t *SDT) error

// Registry maps 4-byte table signatures to handlers. It is built once
// before table walking begins and is read-only while walking. It is an
// explicit value passed into dispatch, never a package global.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for sig. Registering a second handler under
// an already-present signature is a programming error and is rejected.
func (r *Registry) Register(sig string, h Handler) error {
	if _, ok := r.handlers[sig]; ok {
		return fmt.Errorf("Register: slot %q is already owned, refusing to overwrite", sig)
	}
	r.handlers[sig] = h
	return nil
}

// TableDesc summarizes one validated table for diagnostics and
// tooling.
type TableDesc struct {
	Signature string
	Phys      uint64
	Length    uint32
	Revision  uint8
	OEMID     string
	OEMTable  string
}

// DispatchResult records what a DispatchAll walk did.
type DispatchResult struct {
	// Tables lists every table that passed validation, in root-table
	// order.
	Tables []TableDesc

	// Handled lists signatures a handler ran for, in dispatch order.
	Handled []string

	// Skipped lists signatures no handler was registered for.
	// Unknown tables never abort discovery.
	Skipped []string

	// Rejected lists tables that failed their checksum and were
	// skipped, as "SIG@0xADDR" strings.
	Rejected []string

	// HandlerErrors aggregates non-nil handler returns. A handler
	// error marks that table's feature unavailable but does not stop
	// the walk.
	HandlerErrors *multierror.Error
}

// DispatchAll walks the root table referenced by rsdp and dispatches
// every entry to its registered handler. The walk is two-pass: pass
// one runs only the fixed-feature (FADT) handler, pass two runs all
// remaining handlers with the parsed FADT available through the
// Context. This resolves the cross-table dependency without shared
// mutable globals.
//
// A checksum failure on the root table itself is fatal; a checksum
// failure on a referenced table only rejects that table.
func (r *Registry) DispatchAll(m memmap.Mapper, rsdp *RSDP) (*DispatchResult, error) {
	rootAddr, useXSDT := rsdp.RootTable()
	root, err := ParseSDT(m, rootAddr)
	if err != nil {
		return nil, fmt.Errorf("root table: %w", err)
	}
	want := SignatureRSDT
	if useXSDT {
		want = SignatureXSDT
	}
	if root.Header.Sig() != want {
		return nil, fmt.Errorf("root table at 0x%x: got signature %q, want %q", rootAddr, root.Header.Sig(), want)
	}

	entries, err := root.RootEntries()
	if err != nil {
		return nil, err
	}

	res := &DispatchResult{}
	ctx := &Context{Mapper: m}

	// Tables are parsed once up front so both passes walk the same
	// validated set.
	var tables []*SDT
	for _, addr := range entries {
		if addr == 0 {
			continue
		}
		t, err := ParseSDT(m, addr)
		if err != nil {
			if errors.Is(err, ErrBadChecksum) {
				log.Warnf("table at 0x%x: checksum mismatch, skipping", addr)
				res.Rejected = append(res.Rejected, fmt.Sprintf("%s@0x%x", sigAt(m, addr), addr))
				continue
			}
			return nil, err
		}
		tables = append(tables, t)
		res.Tables = append(res.Tables, TableDesc{
			Signature: t.Header.Sig(),
			Phys:      t.Phys,
			Length:    t.Header.Length,
			Revision:  t.Header.Revision,
			OEMID:     strings.TrimRight(string(t.Header.OEMID[:]), "\x00 "),
			OEMTable:  strings.TrimRight(string(t.Header.OEMTableID[:]), "\x00 "),
		})
	}

	for pass := 1; pass <= 2; pass++ {
		for _, t := range tables {
			sig := t.Header.Sig()
			isFADT := sig == SignatureFADT
			if (pass == 1) != isFADT {
				continue
			}
			h, ok := r.handlers[sig]
			if !ok {
				if pass == 2 {
					log.Infof("no handler for table %s at 0x%x, skipping", sig, t.Phys)
					res.Skipped = append(res.Skipped, sig)
				}
				continue
			}
			if err := h(ctx, t); err != nil {
				log.Warnf("handler for %s failed: %v", sig, err)
				res.HandlerErrors = multierror.Append(res.HandlerErrors, fmt.Errorf("%s: %w", sig, err))
				continue
			}
			res.Handled = append(res.Handled, sig)
		}
	}
	return res, nil
}

// sigAt best-effort reads a table signature for diagnostics.
func sigAt(m memmap.Mapper, addr uint64) string {
	span, err := m.Map(addr, 4)
	if err != nil {
		return "????"
	}
	defer m.Unmap(span)
	return string(span)
}
