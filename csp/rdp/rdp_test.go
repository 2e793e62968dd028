package rdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{"syn", Header{Syn: true, SeqNr: 100}},
		{"syn-ack", Header{Syn: true, Ack: true, SeqNr: 200, AckNr: 100}},
		{"data", Header{Ack: true, SeqNr: 201, AckNr: 100}},
		{"eack", Header{Eak: true, SeqNr: 205, AckNr: 203}},
		{"rst", Header{Rst: true}},
		{"nul", Header{Nul: true, SeqNr: 1, AckNr: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.h.Encode()
			assert.Len(t, encoded, HeaderSize)

			decoded, err := DecodeHeader(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.h, decoded)
		})
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAddRemoveHeader(t *testing.T) {
	h := Header{Ack: true, SeqNr: 42, AckNr: 41}
	payload := []byte("payload bytes")

	frame := AddHeader(h, payload)
	assert.Len(t, frame, HeaderSize+len(payload))

	gotHeader, gotPayload, err := RemoveHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, h, gotHeader)
	assert.Equal(t, payload, gotPayload)
}

func TestSeqLess(t *testing.T) {
	assert.True(t, seqLess(1, 2))
	assert.False(t, seqLess(2, 1))
	assert.False(t, seqLess(5, 5))

	// Wraparound: 0xFFFF precedes 0x0000.
	assert.True(t, seqLess(0xFFFF, 0x0000))
	assert.False(t, seqLess(0x0000, 0xFFFF))
}

func TestSeqLessEq(t *testing.T) {
	assert.True(t, seqLessEq(5, 5))
	assert.True(t, seqLessEq(5, 6))
	assert.False(t, seqLessEq(6, 5))
}
