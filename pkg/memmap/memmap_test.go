// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMap(t *testing.T) {
	mem := NewMemory(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	span, err := mem.Map(0x1002, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, span)
	require.NoError(t, mem.Unmap(span))

	// Spans alias the image: a mutation is visible through a second
	// mapping of the same address.
	span2, err := mem.Map(0x1002, 1)
	require.NoError(t, err)
	span2[0] = 0xAA
	span3, err := mem.Map(0x1002, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0xAA, span3[0])
}

func TestMemoryMapBounds(t *testing.T) {
	mem := NewMemory(0x1000, make([]byte, 8))
	var tests = []struct {
		name   string
		phys   uint64
		length uint64
	}{
		{"BelowBase", 0xFFF, 1},
		{"PastEnd", 0x1006, 4},
		{"StartsPastEnd", 0x2000, 1},
		{"LengthOverflow", 0x1000, ^uint64(0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mem.Map(tc.phys, tc.length)
			require.Error(t, err)
		})
	}
}

func TestMemoryMapWholeImage(t *testing.T) {
	mem := NewMemory(0, make([]byte, 16))
	span, err := mem.Map(0, 16)
	require.NoError(t, err)
	assert.Len(t, span, 16)

	empty, err := mem.Map(16, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
