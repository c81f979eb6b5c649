// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeContains(t *testing.T) {
	r := Range{Base: 0x1000, Length: 0x100}
	assert.True(t, r.Contains(0x1000))
	assert.True(t, r.Contains(0x10FF))
	assert.False(t, r.Contains(0x1100))
	assert.False(t, r.Contains(0xFFF))
}

func TestRangeIntersect(t *testing.T) {
	var tests = []struct {
		name string
		a, b Range
		want bool
	}{
		{"Disjoint", Range{0, 0x10}, Range{0x10, 0x10}, false},
		{"Overlap", Range{0, 0x11}, Range{0x10, 0x10}, true},
		{"Nested", Range{0, 0x100}, Range{0x40, 0x10}, true},
		{"ZeroLength", Range{0, 0}, Range{0, 0x10}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Intersect(tc.b))
			assert.Equal(t, tc.want, tc.b.Intersect(tc.a))
		})
	}
}

func TestRangesSortAndContains(t *testing.T) {
	rs := Ranges{
		{Base: 0x2000, Length: 0x100},
		{Base: 0x1000, Length: 0x100},
	}
	rs.Sort()
	assert.EqualValues(t, 0x1000, rs[0].Base)

	assert.True(t, rs.Contains(0x2080))
	assert.False(t, rs.Contains(0x1F00))
}
