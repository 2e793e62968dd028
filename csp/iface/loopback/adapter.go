// Package loopback provides an in-memory Sink/Source pair for tests,
// with injectable loss and duplication (packets are otherwise delivered
// in send order) — grounded in the
// teacher's connection_test.go style of fabricating packet sequences
// without a real socket.
package loopback

import (
	"context"
	"math/rand"
	"sync"

	"github.com/rcarmo/csp-rdp-go/csp"
)

// Link is a pair of adapters wired to each other. A and B each
// implement csp.Sink and csp.Source; sending on one delivers to the
// other's Run callback.
type Link struct {
	a, b *Adapter
}

// NewLink creates a connected pair of loopback adapters.
func NewLink() *Link {
	l := &Link{}
	l.a = &Adapter{queue: make(chan *csp.Packet, 256)}
	l.b = &Adapter{queue: make(chan *csp.Packet, 256)}
	l.a.peer = l.b
	l.b.peer = l.a
	return l
}

// A returns the first side of the link.
func (l *Link) A() *Adapter { return l.a }

// B returns the second side of the link.
func (l *Link) B() *Adapter { return l.b }

// Adapter is one endpoint of a Link. Its Loss/Duplicate rates are
// fractions in [0, 1] checked against math/rand on each SendDatagram
// call (injected in the direction of the send, i.e. the condition is
// applied before the peer ever sees the frame).
type Adapter struct {
	mu sync.Mutex

	peer  *Adapter
	queue chan *csp.Packet

	Loss      float64
	Duplicate float64
}

// SendDatagram delivers pkt to the peer's receive queue, optionally
// dropping or duplicating it per the configured rates.
func (a *Adapter) SendDatagram(id csp.Id, pkt *csp.Packet) error {
	a.mu.Lock()
	loss, dup := a.Loss, a.Duplicate
	a.mu.Unlock()

	if loss > 0 && rand.Float64() < loss {
		return nil
	}

	cp := &csp.Packet{ID: pkt.ID, Timestamp: pkt.Timestamp}
	cp.SetPayload(pkt.Payload())

	select {
	case a.peer.queue <- cp:
	default:
		return csp.ErrTx
	}

	if dup > 0 && rand.Float64() < dup {
		cp2 := &csp.Packet{ID: pkt.ID, Timestamp: pkt.Timestamp}
		cp2.SetPayload(pkt.Payload())
		select {
		case a.peer.queue <- cp2:
		default:
		}
	}
	return nil
}

// SetLossRate configures the fraction of sends this adapter silently
// drops before they reach its peer.
func (a *Adapter) SetLossRate(rate float64) {
	a.mu.Lock()
	a.Loss = rate
	a.mu.Unlock()
}

// SetDuplicateRate configures the fraction of sends this adapter
// duplicates to its peer.
func (a *Adapter) SetDuplicateRate(rate float64) {
	a.mu.Lock()
	a.Duplicate = rate
	a.mu.Unlock()
}

// Run delivers queued packets to deliver until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, deliver func(id csp.Id, pkt *csp.Packet)) error {
	for {
		select {
		case pkt := <-a.queue:
			deliver(pkt.ID, pkt)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
