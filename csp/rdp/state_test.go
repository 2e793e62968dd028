package rdp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureTransport records every frame handed to Send, for assertions
// against the wire format a peer would have observed.
type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureTransport) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := append([]byte(nil), payload...)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureTransport) last() Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, _, _ := RemoveHeader(c.frames[len(c.frames)-1])
	return h
}

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// linkedPair wires two States together with a goroutine-driven relay so
// that a synchronous Send on one side never tries to re-enter the other
// side's lock from the same call stack (the direct analogue of a router
// thread handing inbound frames to HandlePacket).
type linkedPair struct {
	a, b     *State
	aOut     *relayTransport
	bOut     *relayTransport
	received []byte
	deliveryMu sync.Mutex
	delivered [][]byte
}

type relayTransport struct {
	ch chan []byte
}

func (r *relayTransport) Send(payload []byte) error {
	frame := append([]byte(nil), payload...)
	select {
	case r.ch <- frame:
	default:
		go func() { r.ch <- frame }()
	}
	return nil
}

func newLinkedPair(t *testing.T, opts Options) *linkedPair {
	p := &linkedPair{}
	p.aOut = &relayTransport{ch: make(chan []byte, 64)}
	p.bOut = &relayTransport{ch: make(chan []byte, 64)}

	p.a = NewState(opts, p.aOut, func(payload []byte) {
		p.deliveryMu.Lock()
		p.delivered = append(p.delivered, payload)
		p.deliveryMu.Unlock()
	})
	p.b = NewState(opts, p.bOut, func(payload []byte) {
		p.deliveryMu.Lock()
		p.delivered = append(p.delivered, payload)
		p.deliveryMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// a's outbound frames are delivered to b, and vice versa.
	go func() {
		for {
			select {
			case frame := <-p.aOut.ch:
				h, payload, err := RemoveHeader(frame)
				if err != nil {
					continue
				}
				_, _, _ = p.b.HandlePacket(h, payload, time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case frame := <-p.bOut.ch:
				h, payload, err := RemoveHeader(frame)
				if err != nil {
					continue
				}
				_, _, _ = p.a.HandlePacket(h, payload, time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()

	return p
}

func waitForSubState(t *testing.T, s *State, want SubState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.SubState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state did not reach %s, stuck at %s", want, s.SubState())
}

func TestHandshakeActiveOpenReachesOpenBothSides(t *testing.T) {
	opts := DefaultOptions()
	p := newLinkedPair(t, opts)

	connectErr := make(chan error, 1)
	go func() { connectErr <- p.a.Connect(context.Background()) }()

	waitForSubState(t, p.a, Open)
	waitForSubState(t, p.b, Open)
	require.NoError(t, <-connectErr)
}

func TestSinglePacketExchangeDeliversPayload(t *testing.T) {
	opts := DefaultOptions()
	p := newLinkedPair(t, opts)

	connectErr := make(chan error, 1)
	go func() { connectErr <- p.a.Connect(context.Background()) }()
	waitForSubState(t, p.a, Open)
	waitForSubState(t, p.b, Open)
	require.NoError(t, <-connectErr)

	require.NoError(t, p.a.Send(context.Background(), []byte("hi")))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.deliveryMu.Lock()
		n := len(p.delivered)
		p.deliveryMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.deliveryMu.Lock()
	defer p.deliveryMu.Unlock()
	require.Len(t, p.delivered, 1)
	assert.Equal(t, []byte("hi"), p.delivered[0])
}

func TestListenBareAckRepliesRstAndCloses(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})

	_, reset, err := s.HandlePacket(Header{Ack: true, SeqNr: 1, AckNr: 1}, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, Closed, s.SubState())
	require.Equal(t, 1, tr.count())
	assert.True(t, tr.last().Rst)
}

func TestListenSynMovesToSynRcvdAndSendsSynAck(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})

	_, reset, err := s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, SynRcvd, s.SubState())

	h := tr.last()
	assert.True(t, h.Syn)
	assert.True(t, h.Ack)
	assert.Equal(t, uint16(200), h.SeqNr)
	assert.Equal(t, uint16(100), h.AckNr)
}

func TestAnyStateRstClosesWithoutReply(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})
	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	require.Equal(t, SynRcvd, s.SubState())

	_, reset, err := s.HandlePacket(Header{Rst: true}, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, Closed, s.SubState())
	// No additional frame sent beyond the original SYN|ACK.
	assert.Equal(t, 1, tr.count())
}

func TestOutOfOrderDataTriggersEACKThenCollapses(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})

	// Drive s into OPEN as the passive side.
	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	require.Equal(t, SynRcvd, s.SubState())
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 200}, nil, time.Now())
	require.Equal(t, Open, s.SubState())

	// rcv_cur is now 100. Peer sends 102 and 103 (101 missing).
	_, reset, err := s.HandlePacket(Header{Ack: true, SeqNr: 102, AckNr: 0}, []byte("b"), time.Now())
	require.NoError(t, err)
	assert.False(t, reset)
	assert.True(t, tr.last().Eak)

	_, reset, err = s.HandlePacket(Header{Ack: true, SeqNr: 103, AckNr: 0}, []byte("c"), time.Now())
	require.NoError(t, err)
	assert.False(t, reset)
	assert.True(t, tr.last().Eak)

	eackSeqs := DecodeEACK(tr.frames[len(tr.frames)-1][HeaderSize:])
	assert.ElementsMatch(t, []uint16{102, 103}, eackSeqs)

	// Now 101 arrives: collapses rcv_cur straight to 103 and sends a plain ACK.
	_, reset, err = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 0}, []byte("a"), time.Now())
	require.NoError(t, err)
	assert.False(t, reset)

	last := tr.last()
	assert.False(t, last.Eak)
	assert.True(t, last.Ack)
	assert.Equal(t, uint16(103), last.AckNr)
	assert.Empty(t, s.rcvd.Snapshot())
}

func TestSendBlocksWhenWindowFullAndUnblocksOnAck(t *testing.T) {
	tr := &captureTransport{}
	opts := DefaultOptions()
	opts.WindowSize = 1
	s := NewState(opts, tr, func([]byte) {})

	// Drive into OPEN directly (passive side bootstrap + ack).
	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 200}, nil, time.Now())
	require.Equal(t, Open, s.SubState())

	require.NoError(t, s.Send(context.Background(), []byte("one")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, []byte("two"))
	require.Error(t, err, "window of size 1 should block a second send")

	// Peer ACKs the first packet (seq 201, the snd_iss+1 data seq): unblocks the window.
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 900, AckNr: 201}, nil, time.Now())

	require.NoError(t, s.Send(context.Background(), []byte("three")))
}

func TestCheckTimeoutsResendsExpiredRecordAndFreesAcked(t *testing.T) {
	tr := &captureTransport{}
	opts := DefaultOptions()
	opts.PacketTimeout = 10 * time.Millisecond
	opts.WindowSize = 3
	s := NewState(opts, tr, func([]byte) {})

	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 200}, nil, time.Now())
	require.Equal(t, Open, s.SubState())

	require.NoError(t, s.Send(context.Background(), []byte("x")))
	require.NoError(t, s.Send(context.Background(), []byte("y")))
	require.Len(t, s.txQueue, 2)

	// Peer acks the first record (seq 201) only.
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 900, AckNr: 201}, nil, time.Now())
	require.Len(t, s.txQueue, 1)

	before := tr.count()
	time.Sleep(20 * time.Millisecond)
	s.CheckTimeouts(time.Now())

	assert.Greater(t, tr.count(), before, "expired record should have been resent")
	require.Len(t, s.txQueue, 1, "resent record stays in the queue until acked")
}

func TestConnectTimesOutAfterOneRetry(t *testing.T) {
	tr := &captureTransport{}
	opts := DefaultOptions()
	opts.ConnTimeout = 20 * time.Millisecond
	s := NewState(opts, tr, func([]byte) {})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, CloseWait, s.SubState())
	// Exactly two SYNs observed: the initial plus one retry.
	assert.Equal(t, 2, tr.count())
	for _, f := range tr.frames {
		h, _, _ := RemoveHeader(f)
		assert.True(t, h.Syn)
	}
}

func TestCloseSendsRstAndIsIdempotent(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})
	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 200}, nil, time.Now())
	require.Equal(t, Open, s.SubState())

	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.SubState())
	assert.True(t, tr.last().Rst)

	// Idempotent: calling again does not send a second RST.
	before := tr.count()
	require.NoError(t, s.Close())
	assert.Equal(t, before, tr.count())
}

func TestSendAfterCloseReturnsReset(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})
	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 200}, nil, time.Now())
	require.NoError(t, s.Close())

	err := s.Send(context.Background(), []byte("late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReset)
}

func TestAckOutOfWindowClosesConnection(t *testing.T) {
	tr := &captureTransport{}
	s := NewState(DefaultOptions(), tr, func([]byte) {})
	_, _, _ = s.HandlePacket(Header{Syn: true, SeqNr: 100}, nil, time.Now())
	_, _, _ = s.HandlePacket(Header{Ack: true, SeqNr: 101, AckNr: 200}, nil, time.Now())
	require.Equal(t, Open, s.SubState())

	// ack_nr 0xFFFF lies, in 16-bit windowed order, more than 2W behind
	// snd_una: a protocol violation.
	_, reset, err := s.HandlePacket(Header{Ack: true, SeqNr: 900, AckNr: 0xFFFF}, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, Closed, s.SubState())
}
