package rdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rcarmo/csp-rdp-go/internal/logging"
)

// SubState is the RDP connection sub-state, csp_rdp_states in the
// original C source.
type SubState int

const (
	Closed SubState = iota
	Listen
	SynSent
	SynRcvd
	Open
	CloseWait
)

func (s SubState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRcvd:
		return "SYN_RCVD"
	case Open:
		return "OPEN"
	case CloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ErrDeadlock indicates the coarse per-connection lock could not be
// acquired within the 1-second detection window, mirroring
// csp_rdp_wait's "Dead-lock in RDP-code found!" log line.
var ErrDeadlock = errors.New("rdp: lock acquisition timed out, possible deadlock")

// ErrReset indicates the peer reset the connection or a protocol
// invariant was violated.
var ErrReset = errors.New("rdp: connection reset")

// ErrTimedOut indicates a blocking Connect/Send did not complete in time.
var ErrTimedOut = errors.New("rdp: timed out")

const lockTimeout = time.Second

// Transport is the downward collaborator a State uses to push a framed,
// header-prefixed payload onto the datagram carrier. The owning
// connection adapts its own Sink and addressing at this boundary.
type Transport interface {
	Send(payload []byte) error
}

// Options carries the per-connection RDP tunables (spec §6).
type Options struct {
	WindowSize    int
	ConnTimeout   time.Duration
	PacketTimeout time.Duration
}

// DefaultOptions mirrors libCSP's module-level defaults
// (csp_rdp_window_size=3, csp_rdp_conn_timeout=10000,
// csp_rdp_packet_timeout=100).
func DefaultOptions() Options {
	return Options{
		WindowSize:    3,
		ConnTimeout:   10 * time.Second,
		PacketTimeout: 100 * time.Millisecond,
	}
}

type txRecord struct {
	seqNr     uint16
	payload   []byte
	timestamp time.Time
	// windowed marks a record that consumed a txWait slot on the data
	// send path (Send), as opposed to a control frame (SYN/SYN|ACK/RST)
	// queued for retransmit by sendControl without acquiring txWait.
	// Only windowed records may release txWait back when freed.
	windowed bool
}

// State is the per-connection RDP protocol state, rdp *rdp.State in
// csp.Conn. The coarse mu guards the entire input-handling and send
// path, the direct Go rendering of csp_rdp.c's single rdp_lock.
type State struct {
	mu *semaphore.Weighted

	opts Options

	sub SubState

	sndNxt, sndUna, sndIss uint16
	rcvCur, rcvIrs         uint16

	rcvd *seqBag

	txQueue []*txRecord
	txWait  *semaphore.Weighted

	established chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	retriesLeft int

	openTimestamp time.Time
	accepted      bool

	transport Transport
	deliver   func([]byte)

	log *logging.Logger
}

// NewState allocates RDP state for one connection. transport sends
// header-prefixed frames downward; deliver hands in-order payloads
// upward (typically to the owning Conn's receive queue).
func NewState(opts Options, transport Transport, deliver func([]byte)) *State {
	return &State{
		mu:          semaphore.NewWeighted(1),
		opts:        opts,
		sub:         Closed,
		rcvd:        newSeqBag(opts.WindowSize),
		txWait:      semaphore.NewWeighted(int64(opts.WindowSize)),
		established: make(chan struct{}),
		closed:      make(chan struct{}),
		transport:   transport,
		deliver:     deliver,
		log:         logging.Default(),
	}
}

func (s *State) lock() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := s.mu.Acquire(ctx, 1); err != nil {
		s.log.Error("rdp: lock timeout, possible deadlock")
		return ErrDeadlock
	}
	return nil
}

func (s *State) unlock() {
	s.mu.Release(1)
}

// SubState reports the current sub-state (for tests and debug dumps).
func (s *State) SubState() SubState {
	if err := s.lock(); err != nil {
		return s.sub
	}
	defer s.unlock()
	return s.sub
}

func (s *State) sendControl(h Header, track bool) error {
	frame := AddHeader(h, nil)
	if track {
		s.txQueue = append(s.txQueue, &txRecord{seqNr: h.SeqNr, payload: frame, timestamp: time.Now()})
	}
	return s.transport.Send(frame)
}

// Connect performs the active open, csp_rdp_connect_active ported:
// seed snd_iss, send SYN, release the lock, and block on handshake
// completion up to ConnTimeout with exactly one retry.
func (s *State) Connect(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.sndIss = 100
	s.sndNxt = s.sndIss + 1
	s.sndUna = s.sndIss
	s.sub = SynSent
	s.retriesLeft = 1
	err := s.sendControl(Header{Syn: true, SeqNr: s.sndIss}, true)
	s.unlock()
	if err != nil {
		return fmt.Errorf("rdp: connect: %w", err)
	}

	timer := time.NewTimer(s.opts.ConnTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.established:
			if s.SubState() != Open {
				return ErrReset
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := s.lock(); err != nil {
				return err
			}
			if s.sub == Open {
				s.unlock()
				return nil
			}
			if s.retriesLeft <= 0 {
				s.sub = CloseWait
				s.unlock()
				return ErrTimedOut
			}
			s.retriesLeft--
			_ = s.sendControl(Header{Syn: true, SeqNr: s.sndIss}, false)
			s.unlock()
			timer.Reset(s.opts.ConnTimeout)
		}
	}
}

// Send performs the data send path (spec §4.3 "Send path"): block while
// the window is full, append the header, bump snd_nxt, enqueue a
// retransmit copy, and hand the frame to Transport.
func (s *State) Send(ctx context.Context, payload []byte) error {
	if err := s.txWait.Acquire(ctx, 1); err != nil {
		return err
	}

	if err := s.lock(); err != nil {
		s.txWait.Release(1)
		return err
	}
	defer s.unlock()

	if s.sub != Open {
		s.txWait.Release(1)
		return fmt.Errorf("rdp: send while not open (state=%s): %w", s.sub, ErrReset)
	}

	h := Header{Ack: true, SeqNr: s.sndNxt, AckNr: s.rcvCur}
	frame := AddHeader(h, payload)
	s.txQueue = append(s.txQueue, &txRecord{seqNr: s.sndNxt, payload: frame, timestamp: time.Now(), windowed: true})
	s.sndNxt++

	if err := s.transport.Send(frame); err != nil {
		return fmt.Errorf("rdp: send: %w", err)
	}
	return nil
}

// Close sends RST (unless already in CloseWait or Closed), flushes the
// retransmit queue, frees the out-of-order bag, and releases any
// blocked sender.
func (s *State) Close() error {
	s.closeOnce.Do(func() {
		if err := s.lock(); err != nil {
			return
		}
		if s.sub != CloseWait && s.sub != Closed {
			_ = s.sendControl(Header{Rst: true, SeqNr: s.sndNxt, AckNr: s.rcvCur}, false)
		}
		s.sub = Closed
		for _, rec := range s.txQueue {
			if rec.windowed {
				s.txWait.Release(1)
			}
		}
		s.txQueue = nil
		s.rcvd = newSeqBag(s.opts.WindowSize)
		s.unlock()
		close(s.closed)
	})
	return nil
}

func (s *State) wakeEstablished() {
	select {
	case <-s.established:
	default:
		close(s.established)
	}
}

// HandlePacket is the single entry point replacing csp_rdp_new_packet's
// goto-driven switch. It returns the payload to deliver upward (nil if
// none) and whether the connection was reset/closed as a result.
func (s *State) HandlePacket(h Header, payload []byte, now time.Time) (toDeliver []byte, reset bool, err error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	defer s.unlock()

	if h.Rst {
		s.sub = Closed
		return nil, true, nil
	}

	// Lazy bootstrap: the first inbound packet on a CLOSED slot seeds
	// sender-side sequence state and falls through to LISTEN handling.
	if s.sub == Closed {
		s.sndIss = 200
		s.sndNxt = s.sndIss + 1
		s.sndUna = s.sndIss
		s.sub = Listen
		s.openTimestamp = now
	}

	switch s.sub {
	case Listen:
		if h.Syn {
			s.rcvIrs = h.SeqNr
			s.rcvCur = h.SeqNr
			s.sub = SynRcvd
			_ = s.sendControl(Header{Syn: true, Ack: true, SeqNr: s.sndIss, AckNr: s.rcvCur}, true)
			return nil, false, nil
		}
		_ = s.sendControl(Header{Rst: true, SeqNr: s.sndNxt}, false)
		s.sub = Closed
		return nil, true, nil

	case SynSent:
		if h.Syn && h.Ack && h.AckNr == s.sndIss {
			s.rcvIrs = h.SeqNr
			s.rcvCur = h.SeqNr
			s.sndUna = h.AckNr + 1
			s.sub = Open
			_ = s.sendControl(Header{Ack: true, SeqNr: s.sndNxt, AckNr: s.rcvCur}, false)
			s.wakeEstablished()
			return nil, false, nil
		}
		if h.Ack && !h.Syn {
			_ = s.sendControl(Header{Rst: true, SeqNr: s.sndNxt}, false)
		}
		s.sub = Closed
		s.wakeEstablished()
		return nil, true, nil
	}

	// Shared SYN_RCVD / OPEN block (spec §4.3 row 2 onward).
	if s.sub != SynRcvd && s.sub != Open {
		return nil, false, nil
	}

	if h.Syn || !h.Ack {
		s.sub = Closed
		return nil, true, nil
	}

	if seqLessEq(s.sndNxt, h.AckNr) || (h.AckNr != 0 && seqLess(h.AckNr, s.sndUna-1-uint16(2*s.opts.WindowSize))) {
		s.sub = Closed
		return nil, true, nil
	}

	if s.sub == SynRcvd {
		if h.AckNr == s.sndIss {
			s.sub = Open
			s.sndUna = s.sndIss + 1
			s.wakeEstablished()
		} else {
			s.sub = Closed
			return nil, true, nil
		}
	}

	s.processAck(h.AckNr)

	if h.Eak {
		eackSeqs := DecodeEACK(payload)
		s.flushEACK(eackSeqs, now)
		return nil, false, nil
	}

	if h.Nul {
		return nil, false, nil
	}

	// A zero-length segment (a plain ACK) carries no data sequence number
	// to account for — csp_rdp.c:628-630 returns here before any
	// sequence-number handling, so it can never consume rcv_cur or be
	// mistaken for (or mistakenly collide with) a real DATA packet at the
	// same seq.
	if len(payload) == 0 {
		return nil, false, nil
	}

	// Out-of-window guard (spec §4.3 row 2, csp_rdp.c:580): a data segment
	// whose seq falls outside (rcv_cur, rcv_cur+2W] is not buffered or
	// delivered — SYN_RCVD re-sends its SYN|ACK, OPEN re-sends an EACK of
	// what it currently holds, and the segment is discarded either way.
	windowMax := s.rcvCur + uint16(2*s.opts.WindowSize)
	if !(seqLess(s.rcvCur, h.SeqNr) && seqLessEq(h.SeqNr, windowMax)) {
		if s.sub == SynRcvd {
			_ = s.sendControl(Header{Syn: true, Ack: true, SeqNr: s.sndIss, AckNr: s.rcvCur}, false)
		} else {
			s.sendEACK()
		}
		return nil, false, nil
	}

	if h.SeqNr == s.rcvCur+1 {
		s.rcvCur = h.SeqNr
		s.rcvd.Collapse(&s.rcvCur)
		_ = s.sendControl(Header{Ack: true, SeqNr: s.sndNxt, AckNr: s.rcvCur}, false)
		s.deliver(payload)
		return payload, false, nil
	}

	added := s.rcvd.Add(h.SeqNr)
	s.sendEACK()
	if added {
		s.deliver(payload)
		return payload, false, nil
	}
	return nil, false, nil
}

// processAck frees every txQueue record covered by a cumulative ack_nr
// and advances snd_una past it, preserving invariant 1 (snd_una <=
// snd_nxt <= snd_una+2W): a plain ACK acknowledges every outstanding
// seq up to and including ack_nr.
func (s *State) processAck(ackNr uint16) {
	kept := s.txQueue[:0]
	for _, rec := range s.txQueue {
		if seqLessEq(rec.seqNr, ackNr) {
			if rec.windowed {
				s.txWait.Release(1)
			}
			continue // acknowledged, drop
		}
		kept = append(kept, rec)
	}
	s.txQueue = kept

	if ackNr != 0 && seqLess(s.sndUna-1, ackNr) && seqLessEq(ackNr+1, s.sndNxt) {
		s.sndUna = ackNr + 1
	}
}

func (s *State) sendEACK() {
	h := Header{Eak: true, SeqNr: s.sndNxt, AckNr: s.rcvCur}
	payload := EncodeEACK(s.rcvd.Snapshot())
	frame := AddHeader(h, payload)
	_ = s.transport.Send(frame)
}

// flushEACK ports csp_rdp_flush_eack's three-way classification: a
// tx_queue record whose seq appears in the EACK list is acknowledged and
// freed; one below the max listed seq (a detected gap) is force-expired
// so the next CheckTimeouts tick retransmits it; everything else is left
// alone.
func (s *State) flushEACK(seqs []uint16, now time.Time) {
	if len(seqs) == 0 {
		return
	}
	listed := make(map[uint16]bool, len(seqs))
	max := seqs[0]
	for _, seq := range seqs {
		listed[seq] = true
		if seqLess(max, seq) {
			max = seq
		}
	}

	kept := s.txQueue[:0]
	for _, rec := range s.txQueue {
		switch {
		case listed[rec.seqNr]:
			// acknowledged via EACK, drop.
			if rec.windowed {
				s.txWait.Release(1)
			}
		case seqLess(rec.seqNr, max):
			rec.timestamp = now.Add(-s.opts.PacketTimeout - time.Millisecond)
			kept = append(kept, rec)
		default:
			kept = append(kept, rec)
		}
	}
	s.txQueue = kept
}

// MarkAccepted records that the owning Conn has been handed to the
// application via Accept; Accepted reports the flag. The accepting-socket
// reaper in Table.CheckTimeouts reads the Conn's own accept status, not
// this flag.
func (s *State) MarkAccepted() {
	if err := s.lock(); err != nil {
		return
	}
	s.accepted = true
	s.unlock()
}
