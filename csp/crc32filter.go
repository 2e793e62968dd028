package csp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// CRC32Append appends a big-endian IEEE CRC32 of payload, grounded in
// can_at90can128.c's CRC usage pattern (a trailer checksum, not a framing
// CRC).
func CRC32Append(payload []byte) []byte {
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.BigEndian.PutUint32(out[len(payload):], sum)
	return out
}

// CRC32Verify checks and strips the trailing CRC32, reporting an error
// on mismatch.
func CRC32Verify(framed []byte) ([]byte, error) {
	if len(framed) < 4 {
		return nil, fmt.Errorf("csp: frame too short for CRC32 trailer")
	}
	payload := framed[:len(framed)-4]
	want := binary.BigEndian.Uint32(framed[len(framed)-4:])
	got := crc32.ChecksumIEEE(payload)
	if got != want {
		return nil, fmt.Errorf("csp: CRC32 mismatch: got %#x want %#x", got, want)
	}
	return payload, nil
}
