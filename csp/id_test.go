package csp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIdRoundTrip(t *testing.T) {
	tests := []struct {
		name                             string
		pri                              Priority
		dst, src                         uint8
		dport, sport                     Port
		flags                            uint8
	}{
		{"zero fields, normal priority", PriorityNormal, 0, 0, 0, 0, 0},
		{"max fields", PriorityLow, 31, 31, 63, 63, 0x3F},
		{"rdp flag only", PriorityHigh, 10, 5, 7, 22, FlagRDP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := NewId(tt.pri, tt.dst, tt.src, tt.dport, tt.sport, tt.flags)
			assert.Equal(t, tt.pri, id.Priority())
			assert.Equal(t, tt.dst, id.Dest())
			assert.Equal(t, tt.src, id.Src())
			assert.Equal(t, tt.dport, id.Dport())
			assert.Equal(t, tt.sport, id.Sport())
			assert.Equal(t, tt.flags, id.Flags())
		})
	}
}

func TestWithSwappedEndpoints(t *testing.T) {
	id := NewId(PriorityHigh, 10, 5, 7, 22, FlagRDP)
	swapped := id.WithSwappedEndpoints()

	assert.Equal(t, id.Priority(), swapped.Priority())
	assert.Equal(t, id.Flags(), swapped.Flags())
	assert.Equal(t, id.Dest(), swapped.Src())
	assert.Equal(t, id.Src(), swapped.Dest())
	assert.Equal(t, id.Dport(), swapped.Sport())
	assert.Equal(t, id.Sport(), swapped.Dport())

	// Swapping twice returns the original.
	assert.Equal(t, id, swapped.WithSwappedEndpoints())
}

func TestHasFlag(t *testing.T) {
	id := NewId(PriorityNormal, 1, 1, 1, 1, FlagRDP|FlagCRC32)
	assert.True(t, id.HasFlag(FlagRDP))
	assert.True(t, id.HasFlag(FlagCRC32))
	assert.False(t, id.HasFlag(FlagHMAC))
	assert.False(t, id.HasFlag(FlagXTEA))
}

func TestDportMask(t *testing.T) {
	a := NewId(PriorityNormal, 1, 2, 9, 40, 0)
	b := NewId(PriorityHigh, 30, 3, 9, 50, FlagRDP)

	assert.Equal(t, a&DportMask, b&DportMask)
	assert.NotEqual(t, a&FullMask, b&FullMask)
}
