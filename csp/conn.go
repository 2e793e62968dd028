package csp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rcarmo/csp-rdp-go/csp/rdp"
	"github.com/rcarmo/csp-rdp-go/internal/logging"
)

// Options carries the table-wide tunables, spec §6's "Configuration
// options" table.
type Options struct {
	Address            uint8 // this node's own CSP address, used as idOut's source field
	WindowSize         int
	ConnTimeout        time.Duration
	PacketTimeout      time.Duration
	ConnMax            int
	RxQueueLength      int
	MaxBindPort        Port
	MaxPort            Port
	RandomizeEphemeral bool
}

// DefaultOptions mirrors csp_config.h's CSP_CONN_MAX and the RDP module
// defaults.
func DefaultOptions() Options {
	return Options{
		WindowSize:         3,
		ConnTimeout:        10 * time.Second,
		PacketTimeout:      100 * time.Millisecond,
		ConnMax:            10,
		RxQueueLength:      100,
		MaxBindPort:        8,
		MaxPort:            63,
		RandomizeEphemeral: true,
	}
}

// ConnOptions are the per-connection flags recognised by Connect/socket
// (spec §6): RDP, HMAC, XTEA, CRC32, QOS.
type ConnOptions struct {
	RDP   bool
	HMAC  bool
	XTEA  bool
	CRC32 bool
	QOS   bool
}

// slotState is the connection table slot's lifecycle, distinct from the
// RDP sub-state machine nested inside it.
type slotState int

const (
	slotClosed slotState = iota
	slotOpen
)

// acceptStatus tracks whether a passively-opened Conn has been posted to
// its listener's accept queue and/or handed to the application — a
// three-way sentinel (not yet, queued, handed out) rather than a bare
// nil/non-nil check, so a connection is never posted twice.
type acceptStatus int

const (
	acceptNotPosted acceptStatus = iota
	acceptQueued
	acceptHandedOut
)

// Conn is a single connection table slot (csp_conn_t).
type Conn struct {
	mu sync.Mutex

	state slotState
	idIn  Id
	idOut Id

	rxQueue []chan *Packet // one queue, or one per priority when QOS is set

	accept acceptStatus

	openTimestamp time.Time
	connOpts      ConnOptions

	rdp *rdp.State

	table *Table
}

// Send transmits pkt, going through the RDP state machine when the
// connection is RDP-flagged, or straight to the Sink otherwise.
func (c *Conn) Send(ctx context.Context, pkt *Packet) error {
	if c.connOpts.RDP {
		return c.rdp.Send(ctx, pkt.Payload())
	}
	pkt.ID = c.idOut
	return c.table.sink.SendDatagram(c.idOut, pkt)
}

// Read blocks for the next delivered packet, honoring QOS priority
// ordering when enabled (highest-priority non-empty queue wins).
func (c *Conn) Read(ctx context.Context) (*Packet, error) {
	queues := c.rxQueue
	if len(queues) == 1 {
		select {
		case pkt := <-queues[0]:
			return pkt, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cases := make([]chan *Packet, len(queues))
	copy(cases, queues)
	for {
		for _, q := range cases {
			select {
			case pkt := <-q:
				return pkt, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close tears down the connection: RDP close first when flagged, then
// the table flips the slot back to CLOSED.
func (c *Conn) Close() error {
	return c.table.Close(c)
}

// connTransport adapts rdp.Transport to the Conn's Sink, used as the
// downward hook handed to rdp.NewState.
type connTransport struct {
	conn *Conn
}

func (t *connTransport) Send(payload []byte) error {
	pkt := &Packet{ID: t.conn.idOut}
	pkt.SetPayload(payload)
	return t.conn.table.sink.SendDatagram(t.conn.idOut, pkt)
}

// Table is the fixed-size connection table (arr_conn in csp_conn.c).
type Table struct {
	opts Options
	sink Sink
	pool *Pool
	log  *logging.Logger

	tableMu   sync.Mutex
	conns     []*Conn
	lastGiven int

	sportMu   sync.Mutex
	nextSport Port

	listenMu  sync.Mutex
	listeners map[Port]chan *Conn
}

// NewTable allocates the fixed connection slots (csp_conn_init).
func NewTable(opts Options, sink Sink, pool *Pool) *Table {
	t := &Table{
		opts:      opts,
		sink:      sink,
		pool:      pool,
		log:       logging.Default(),
		conns:     make([]*Conn, opts.ConnMax),
		lastGiven: -1,
		listeners: make(map[Port]chan *Conn),
	}
	for i := range t.conns {
		t.conns[i] = &Conn{state: slotClosed, table: t}
	}
	t.nextSport = t.seedSport()
	return t
}

func (t *Table) seedSport() Port {
	if !t.opts.RandomizeEphemeral {
		return t.opts.MaxBindPort + 1
	}
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return t.opts.MaxBindPort + 1
	}
	span := uint16(t.opts.MaxPort-t.opts.MaxBindPort) - 1
	if span == 0 {
		return t.opts.MaxBindPort + 1
	}
	return t.opts.MaxBindPort + 1 + Port(binary.BigEndian.Uint16(b[:])%span)
}

// Find scans for the first non-CLOSED slot whose idIn matches id under
// mask (csp_conn_find). Ties are the caller's problem.
func (t *Table) Find(id Id, mask Id) *Conn {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()
	for _, c := range t.conns {
		c.mu.Lock()
		match := c.state != slotClosed && (c.idIn&mask) == (id&mask)
		state := c.state
		c.mu.Unlock()
		if state != slotClosed && match {
			return c
		}
	}
	return nil
}

func (t *Table) newRxQueues(opts ConnOptions) []chan *Packet {
	n := 1
	if opts.QOS {
		n = 4
	}
	queues := make([]chan *Packet, n)
	for i := range queues {
		queues[i] = make(chan *Packet, t.opts.RxQueueLength)
	}
	return queues
}

// New allocates a free slot for the given 4-tuple (csp_conn_new):
// round-robin scan from lastGiven+1, first CLOSED slot wins.
func (t *Table) New(idIn, idOut Id, opts ConnOptions) (*Conn, error) {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()

	n := len(t.conns)
	for i := 1; i <= n; i++ {
		idx := (t.lastGiven + i) % n
		c := t.conns[idx]
		c.mu.Lock()
		if c.state == slotClosed {
			c.state = slotOpen
			c.idIn = idIn
			c.idOut = idOut
			c.connOpts = opts
			c.openTimestamp = time.Now()
			c.accept = acceptNotPosted
			c.rxQueue = t.newRxQueues(opts)
			if opts.RDP {
				rdpOpts := rdp.Options{
					WindowSize:    t.opts.WindowSize,
					ConnTimeout:   t.opts.ConnTimeout,
					PacketTimeout: t.opts.PacketTimeout,
				}
				c.rdp = rdp.NewState(rdpOpts, &connTransport{conn: c}, func(payload []byte) {
					c.deliverPayload(payload)
				})
			} else {
				c.rdp = nil
			}
			t.lastGiven = idx
			c.mu.Unlock()
			return c, nil
		}
		c.mu.Unlock()
	}
	return nil, newError(KindNoMem, "connection table exhausted")
}

func (c *Conn) deliverPayload(payload []byte) {
	c.mu.Lock()
	queues := c.rxQueue
	c.mu.Unlock()
	if len(queues) == 0 {
		return // slot already closed and its queues flushed
	}

	pkt, err := c.table.pool.TryGet()
	if err != nil {
		return
	}
	pkt.ID = c.idIn
	pkt.Timestamp = time.Now()
	pkt.SetPayload(payload)
	q := queues[0]
	if len(queues) > 1 {
		q = queues[pkt.ID.Priority()%Priority(len(queues))]
	}
	select {
	case q <- pkt:
	default:
		c.table.pool.Put(pkt)
	}
}

// Connect performs an active open (csp_connect): rolls the ephemeral
// source port under sportMu, allocates a slot, and — when RDP is
// requested — drives the handshake.
func (t *Table) Connect(ctx context.Context, prio Priority, dst uint8, dport Port, timeout time.Duration, opts ConnOptions) (*Conn, error) {
	t.sportMu.Lock()
	var sport Port
	found := false
	span := int(t.opts.MaxPort - t.opts.MaxBindPort)
	for i := 0; i < span; i++ {
		candidate := t.opts.MaxBindPort + 1 + Port((int(t.nextSport-t.opts.MaxBindPort-1)+i)%span)
		probe := NewId(prio, t.opts.Address, dst, candidate, dport, 0)
		if t.Find(probe, DportMask) == nil {
			sport = candidate
			found = true
			break
		}
	}
	if found {
		t.nextSport = sport + 1
	}
	t.sportMu.Unlock()

	if !found {
		return nil, newError(KindNoMem, "no free ephemeral source port")
	}

	var flags uint8
	if opts.RDP {
		flags |= FlagRDP
	}
	if opts.HMAC {
		flags |= FlagHMAC
	}
	if opts.XTEA {
		flags |= FlagXTEA
	}
	if opts.CRC32 {
		flags |= FlagCRC32
	}

	idOut := NewId(prio, dst, t.opts.Address, dport, sport, flags)
	idIn := idOut.WithSwappedEndpoints()

	conn, err := t.New(idIn, idOut, opts)
	if err != nil {
		return nil, err
	}

	// Actively-opened connections are handed straight to the caller, not
	// staged on a listener's accept queue, so the accept-timeout reaper
	// in Table.CheckTimeouts must never reclaim them.
	conn.mu.Lock()
	conn.accept = acceptHandedOut
	conn.mu.Unlock()

	if opts.RDP {
		connectCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := conn.rdp.Connect(connectCtx); err != nil {
			_ = t.Close(conn)
			return nil, fmt.Errorf("rdp: connect: %w", err)
		}
	}

	return conn, nil
}

// Listen registers an accept queue for dport, mirroring the lazy
// CLOSED→LISTEN bootstrap's eventual hand-off to an accepting socket.
func (t *Table) Listen(dport Port) (<-chan *Conn, error) {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	if _, exists := t.listeners[dport]; exists {
		return nil, newError(KindInval, "port already bound")
	}
	ch := make(chan *Conn, t.opts.ConnMax)
	t.listeners[dport] = ch
	return ch, nil
}

func (t *Table) listenerFor(dport Port) chan *Conn {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	return t.listeners[dport]
}

// Accept blocks until a connection has been accepted on dport (or ctx is
// done), marking it handed-out so the accepting-socket reaper in
// CheckTimeouts leaves it alone.
func (t *Table) Accept(ctx context.Context, dport Port) (*Conn, error) {
	ch := t.listenerFor(dport)
	if ch == nil {
		return nil, newError(KindInval, "no listener bound to port")
	}
	select {
	case c := <-ch:
		c.mu.Lock()
		c.accept = acceptHandedOut
		rdpState := c.rdp
		c.mu.Unlock()
		if rdpState != nil {
			rdpState.MarkAccepted()
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver is the Source callback target: it routes an inbound packet to
// its matching connection (creating a passive one on first contact),
// runs it through RDP when flagged, and posts newly-accepted
// connections to their listener.
func (t *Table) Deliver(id Id, pkt *Packet) {
	defer t.pool.Put(pkt)

	mask := FullMask
	conn := t.Find(id, mask)
	if conn == nil {
		if !id.HasFlag(FlagRDP) {
			return
		}
		ch := t.listenerFor(id.Dport())
		if ch == nil {
			return // no listener, nothing to bootstrap into
		}
		var err error
		conn, err = t.New(id, id.WithSwappedEndpoints(), ConnOptions{RDP: true})
		if err != nil {
			t.log.Warn("csp: connection table exhausted, dropping SYN")
			return
		}
	}

	if !conn.connOpts.RDP {
		conn.deliverPayload(pkt.Payload())
		return
	}

	h, payload, err := rdp.RemoveHeader(pkt.Payload())
	if err != nil {
		t.log.Warn("csp: short RDP header, dropping packet")
		return
	}

	_, reset, err := conn.rdp.HandlePacket(h, payload, pkt.Timestamp)
	if err != nil {
		t.log.Error("csp: rdp.HandlePacket: %v", err)
		return
	}
	if reset {
		_ = t.Close(conn)
		return
	}

	conn.mu.Lock()
	needsPost := conn.accept == acceptNotPosted && conn.rdp.SubState() != rdp.Closed
	if needsPost {
		conn.accept = acceptQueued
	}
	conn.mu.Unlock()

	if needsPost {
		if ch := t.listenerFor(id.Dport()); ch != nil {
			select {
			case ch <- conn:
			default:
				t.log.Warn("csp: accept queue full for port %d", id.Dport())
			}
		}
	}
}

// Close idempotently tears a connection down (csp_close): RDP close
// first when flagged, then the slot flips to CLOSED and both queues are
// flushed.
func (t *Table) Close(c *Conn) error {
	c.mu.Lock()
	if c.state == slotClosed {
		c.mu.Unlock()
		return nil
	}
	rdpState := c.rdp
	c.state = slotClosed
	queues := c.rxQueue
	c.rxQueue = nil
	c.mu.Unlock()

	if rdpState != nil {
		_ = rdpState.Close()
	}

	for _, q := range queues {
	drain:
		for {
			select {
			case pkt := <-q:
				t.pool.Put(pkt)
			default:
				break drain
			}
		}
	}
	return nil
}

// CheckTimeouts is the exported hook an embedder ticks (spec §4.2): it
// reaps connections never handed to the application past ConnTimeout,
// then sweeps RDP retransmit state on every OPEN RDP-flagged slot.
func (t *Table) CheckTimeouts() {
	now := time.Now()
	t.tableMu.Lock()
	conns := make([]*Conn, len(t.conns))
	copy(conns, t.conns)
	t.tableMu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		state := c.state
		rdpState := c.rdp
		opened := c.openTimestamp
		accepted := c.accept == acceptHandedOut
		c.mu.Unlock()

		if state == slotClosed || rdpState == nil {
			continue
		}
		if !accepted && now.Sub(opened) > t.opts.ConnTimeout {
			_ = t.Close(c)
			continue
		}
		rdpState.CheckTimeouts(now)
	}
}

// String renders a one-line-per-slot debug dump, ported from
// csp_conn_print_table.
func (t *Table) String() string {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()
	out := ""
	for i, c := range t.conns {
		c.mu.Lock()
		state := "CLOSED"
		if c.state == slotOpen {
			state = "OPEN"
		}
		out += fmt.Sprintf("[%02d] %s idIn=%#08x idOut=%#08x\n", i, state, uint32(c.idIn), uint32(c.idOut))
		c.mu.Unlock()
	}
	return out
}

// DebugDump writes the same report String returns to w.
func (t *Table) DebugDump(w io.Writer) {
	io.WriteString(w, t.String())
}
