package csp

import "context"

// Pool is a fixed-count, fixed-size buffer pool for Packet values,
// generalized from libCSP's implicit csp_buffer_get/csp_buffer_free and
// rendered the way the teacher renders a bounded resource: a buffered
// channel of pre-allocated pointers (the same shape as connection.go's
// recvChan/established channels).
type Pool struct {
	slots chan *Packet
}

// NewPool pre-allocates count Packet values and returns a Pool holding
// all of them free.
func NewPool(count int) *Pool {
	p := &Pool{slots: make(chan *Packet, count)}
	for i := 0; i < count; i++ {
		p.slots <- &Packet{}
	}
	return p
}

// Get blocks until a packet is free or ctx is done. A nil ctx blocks
// indefinitely.
func (p *Pool) Get(ctx context.Context) (*Packet, error) {
	if ctx == nil {
		return <-p.slots, nil
	}
	select {
	case pkt := <-p.slots:
		return pkt, nil
	case <-ctx.Done():
		return nil, newError(KindNoMem, "buffer pool exhausted")
	}
}

// TryGet returns immediately, never blocking; it reports ErrNoMem if the
// pool is empty.
func (p *Pool) TryGet() (*Packet, error) {
	select {
	case pkt := <-p.slots:
		return pkt, nil
	default:
		return nil, ErrNoMem
	}
}

// Put resets pkt and returns it to the pool. Putting a packet not
// obtained from this pool, or double-putting one, corrupts pool
// accounting — same caller contract as csp_buffer_free.
func (p *Pool) Put(pkt *Packet) {
	if pkt == nil {
		return
	}
	pkt.reset()
	select {
	case p.slots <- pkt:
	default:
		// Pool over-full: drop silently rather than block or panic, since
		// this only happens if a caller double-frees.
	}
}

// Len reports the number of currently-free slots.
func (p *Pool) Len() int {
	return len(p.slots)
}
