package rdp

import "time"

// CheckTimeouts ports csp_rdp_check_timeouts' per-connection sweep
// (the accepting-socket reaper is a Table-level concern since it
// depends on csp.Conn's accept bookkeeping — see Table.CheckTimeouts):
// walk txQueue, free entries already covered by snd_una, and resend
// entries whose packet_timeout has elapsed with a refreshed ack_nr.
// There is no separate window post: each freed windowed record releases
// its txWait unit as it is dropped.
func (s *State) CheckTimeouts(now time.Time) {
	if err := s.lock(); err != nil {
		return
	}
	defer s.unlock()

	if s.sub != Open && s.sub != SynRcvd {
		return
	}

	kept := s.txQueue[:0]
	for _, rec := range s.txQueue {
		switch {
		case seqLess(rec.seqNr, s.sndUna):
			if rec.windowed {
				s.txWait.Release(1)
			}
		case now.Sub(rec.timestamp) > s.opts.PacketTimeout:
			h, payload, err := RemoveHeader(rec.payload)
			if err != nil {
				kept = append(kept, rec)
				continue
			}
			h.AckNr = s.rcvCur
			rec.payload = AddHeader(h, payload)
			rec.timestamp = now
			_ = s.transport.Send(rec.payload)
			kept = append(kept, rec)
		default:
			kept = append(kept, rec)
		}
	}
	s.txQueue = kept
}

// Accepted reports whether MarkAccepted has been called.
func (s *State) Accepted() bool {
	if err := s.lock(); err != nil {
		return s.accepted
	}
	defer s.unlock()
	return s.accepted
}

// OpenedAt returns the timestamp the connection entered LISTEN. The
// accepting-socket reaper in Table.CheckTimeouts uses the Conn's own
// open timestamp, not this one.
func (s *State) OpenedAt() time.Time {
	if err := s.lock(); err != nil {
		return s.openTimestamp
	}
	defer s.unlock()
	return s.openTimestamp
}
