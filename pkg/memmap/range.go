// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmap

import (
	"fmt"
	"sort"
	"strings"
)

// Range is a physical address range.
type Range struct {
	Base   uint64
	Length uint64
}

func (r Range) String() string {
	return fmt.Sprintf(`{"Base":"0x%x", "Length":"0x%x"}`, r.Base, r.Length)
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Base + r.Length
}

// Contains returns true if addr falls inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Length
}

// Intersect returns true if ranges "r" and "cmp" share at least one
// address.
func (r Range) Intersect(cmp Range) bool {
	if r.Length == 0 || cmp.Length == 0 {
		return false
	}

	if r.End() <= cmp.Base {
		return false
	}
	if r.Base >= cmp.End() {
		return false
	}

	return true
}

// Ranges is a helper to manipulate multiple `Range`-s at once.
type Ranges []Range

func (s Ranges) String() string {
	r := make([]string, 0, len(s))
	for _, oneRange := range s {
		r = append(r, oneRange.String())
	}
	return `[` + strings.Join(r, `, `) + `]`
}

// Sort sorts the slice by field Base.
func (s Ranges) Sort() {
	sort.Slice(s, func(i, j int) bool {
		return s[i].Base < s[j].Base
	})
}

// Contains returns true if addr falls inside any range of the slice.
func (s Ranges) Contains(addr uint64) bool {
	for _, r := range s {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}
