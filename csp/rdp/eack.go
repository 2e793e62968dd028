package rdp

import "encoding/binary"

// seqBag is the fixed-size, zero-sentinel bag of out-of-order sequence
// numbers, ported from csp_rdp.c's rcvdseqno[2*window_size] array. Zero
// is never a valid sequence number on the wire (the handshake seeds
// snd_iss at 100/200), so it doubles as the "empty slot" marker.
type seqBag struct {
	slots []uint16
}

func newSeqBag(windowSize int) *seqBag {
	return &seqBag{slots: make([]uint16, 2*windowSize)}
}

// Add records seq in the first empty slot. It reports true only when seq
// was newly inserted; a duplicate already held in the bag, or a bag with
// no empty slot left (mirrors csp_rdp_rcvseqnr_add's silent "table full"
// debug log), reports false — callers must not treat either as "new
// data to deliver".
func (b *seqBag) Add(seq uint16) bool {
	for _, s := range b.slots {
		if s == seq {
			return false // already recorded, not newly added
		}
	}
	for i, s := range b.slots {
		if s == 0 {
			b.slots[i] = seq
			return true
		}
	}
	return false
}

// Del removes seq if present.
func (b *seqBag) Del(seq uint16) {
	for i, s := range b.slots {
		if s == seq {
			b.slots[i] = 0
		}
	}
}

// Collapse removes every entry equal to rcvCur+1, rcvCur+2, ... for as
// long as the chain is unbroken, advancing rcvCur past them — ports
// csp_rdp_rcvseqnr_flush's "goto hell" collapsing loop.
func (b *seqBag) Collapse(rcvCur *uint16) {
	for {
		next := *rcvCur + 1
		found := false
		for i, s := range b.slots {
			if s == next {
				b.slots[i] = 0
				*rcvCur = next
				found = true
				break
			}
		}
		if !found {
			return
		}
	}
}

// Snapshot returns the currently held sequence numbers in slot order,
// skipping empty slots. The result is not sorted.
func (b *seqBag) Snapshot() []uint16 {
	out := make([]uint16, 0, len(b.slots))
	for _, s := range b.slots {
		if s != 0 {
			out = append(out, s)
		}
	}
	return out
}

// Max returns the highest currently-held sequence number and whether the
// bag is non-empty.
func (b *seqBag) Max() (uint16, bool) {
	var max uint16
	found := false
	for _, s := range b.slots {
		if s == 0 {
			continue
		}
		if !found || seqLess(max, s) {
			max = s
			found = true
		}
	}
	return max, found
}

// EncodeEACK serializes a list of sequence numbers as the EACK payload:
// tightly packed big-endian uint16s.
func EncodeEACK(seqs []uint16) []byte {
	buf := make([]byte, len(seqs)*2)
	for i, s := range seqs {
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], s)
	}
	return buf
}

// DecodeEACK parses an EACK payload into its sequence number list.
func DecodeEACK(payload []byte) []uint16 {
	n := len(payload) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(payload[i*2 : i*2+2])
	}
	return out
}
