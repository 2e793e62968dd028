// Package can implements the datagram Sink/Source contract over a real
// CAN bus using github.com/brutella/can, generalizing libCSP's
// can_at90can128.c driver (originally AVR-specific) to any SocketCAN
// interface Go can reach.
package can

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/brutella/can"

	"github.com/rcarmo/csp-rdp-go/csp"
	"github.com/rcarmo/csp-rdp-go/internal/logging"
)

// frameCapacity is the CAN classic payload size; a csp.Packet is
// fragmented across multiple frames when it does not fit, reassembled
// on the receiving side keyed by the packet's Id.
const frameCapacity = 8

// Adapter bridges a csp.Table to a CAN bus, implementing both csp.Sink
// (send) and csp.Source (receive).
type Adapter struct {
	bus *can.Bus
	log *logging.Logger

	reassembly map[csp.Id][]byte
}

// NewAdapter opens the named CAN interface (e.g. "can0", "vcan0").
func NewAdapter(iface string) (*Adapter, error) {
	bus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("can: open %s: %w", iface, err)
	}
	return &Adapter{bus: bus, log: logging.Default(), reassembly: make(map[csp.Id][]byte)}, nil
}

// SendDatagram fragments pkt's payload into 8-byte CAN frames prefixed
// with a 2-byte big-endian payload length on the first frame, then
// publishes each frame with the full 32-bit identifier as the CAN
// arbitration ID.
func (a *Adapter) SendDatagram(id csp.Id, pkt *csp.Packet) error {
	payload := pkt.Payload()
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(payload)))
	data := append(header, payload...)

	for offset := 0; offset < len(data); offset += frameCapacity {
		end := offset + frameCapacity
		if end > len(data) {
			end = len(data)
		}
		var frame can.Frame
		frame.ID = uint32(id)
		frame.Length = uint8(end - offset)
		copy(frame.Data[:], data[offset:end])
		if err := a.bus.Publish(frame); err != nil {
			return fmt.Errorf("can: publish: %w", err)
		}
	}
	return nil
}

// Run drives the CAN bus's receive loop until ctx is cancelled,
// reassembling fragmented packets and calling deliver for each complete
// one.
func (a *Adapter) Run(ctx context.Context, deliver func(id csp.Id, pkt *csp.Packet)) error {
	handler := can.HandlerFunc(func(frame can.Frame) {
		id := csp.Id(frame.ID)
		buf, ok := a.reassembly[id]
		n := int(frame.Length)
		if !ok {
			if n < 2 {
				return
			}
			want := int(binary.BigEndian.Uint16(frame.Data[:2]))
			buf = make([]byte, 0, want)
			buf = append(buf, frame.Data[2:n]...)
		} else {
			buf = append(buf, frame.Data[:n]...)
		}
		a.reassembly[id] = buf

		if len(buf) >= cap(buf) {
			pkt := &csp.Packet{ID: id}
			pkt.SetPayload(buf)
			delete(a.reassembly, id)
			deliver(id, pkt)
		}
	})
	a.bus.Subscribe(handler)

	errCh := make(chan error, 1)
	go func() { errCh <- a.bus.ConnectAndPublish() }()

	select {
	case <-ctx.Done():
		_ = a.bus.Disconnect()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
