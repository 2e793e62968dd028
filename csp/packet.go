package csp

import "time"

// MaxPacketData bounds a single packet's payload, matching the small
// frame sizes typical of a CAN-bus carrier plus header overhead. Equal
// to libCSP's traditional 256-byte buffer; the RDP header and any HMAC
// trailer count against this limit.
const MaxPacketData = 256

// Packet is the unit exchanged between the connection table, the RDP
// state machine and a Sink/Source adapter. Received payloads are queued
// in packets taken from the Table's Pool; the RDP transport hook and the
// adapters also allocate packets directly.
type Packet struct {
	Timestamp time.Time
	Length    uint16
	ID        Id
	Data      [MaxPacketData]byte
}

// Payload returns the populated prefix of Data.
func (p *Packet) Payload() []byte {
	return p.Data[:p.Length]
}

// SetPayload copies b into Data and updates Length. It panics if b does
// not fit, mirroring the fixed-size buffer contract of the C original.
func (p *Packet) SetPayload(b []byte) {
	if len(b) > len(p.Data) {
		panic("csp: payload exceeds MaxPacketData")
	}
	p.Length = uint16(copy(p.Data[:], b))
}

func (p *Packet) reset() {
	p.Timestamp = time.Time{}
	p.Length = 0
	p.ID = 0
	p.Data = [MaxPacketData]byte{}
}
