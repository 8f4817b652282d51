package reliable

import (
	"time"

	"github.com/M-o-a-T/moat-micro/codec"
)

// dispatch handles one incoming wire Message: control traffic (a="r") goes
// through the reset state machine; everything else is the data/ack path
// (receive-window admission, ack bookkeeping, in-order drain).
func (c *Channel) dispatch(m codec.Message) {
	if !m.A.Empty() && m.A.Str == "r" {
		n := uint8(0)
		if m.N != nil {
			n = *m.N
		}
		c.handleControl(n, m.C)
		return
	}
	if !m.A.Empty() {
		return // unknown action on this layer
	}

	if c.closed {
		return
	}
	if c.phase != phaseUp {
		// Data traffic received while in reset is discarded until the
		// handshake completes.
		return
	}

	if m.R == nil {
		return
	}
	r := *m.R // peer's recv_tail: which of our sends it next expects
	var s *uint16
	if m.S != nil {
		s = m.S // sender's seq for this message, if it carries data
	}

	if int(r) >= c.window || (s != nil && int(*s) >= c.window) {
		c.resetState()
		c.sendPhase(1)
		return
	}

	if s != nil {
		c.admitData(*s, m)
	}

	c.ackSends(r)
	for _, seq := range m.X {
		if e, ok := c.mSend[seq]; ok {
			e.waiter <- nil
			delete(c.mSend, seq)
		}
	}

	c.drainRecv()

	if c.recvTail == c.recvHead {
		c.tRecv = nil
	} else {
		t := time.Now().Add(c.timeout)
		c.tRecv = &t
	}
}

// admitData stores an incoming data message per the receive-window rule:
// duplicates of already-delivered seqs are ignored; an in-window seq at or
// past recvHead is buffered and recvHead moves to one past it; a seq in a
// gap below recvHead is buffered; out-of-window seqs are dropped.
// drainRecv then delivers only the contiguous run from recvTail.
func (c *Channel) admitData(seq uint16, m codec.Message) {
	c.pendAck = true
	if c.between(c.recvTail, c.recvHead, seq) {
		if c.mod(int(seq)-int(c.recvTail)) < c.window/2 {
			c.mRecv[seq] = m
			c.recvHead = c.mod(int(seq) + 1)
		}
		return
	}
	if c.between(c.recvTail, seq, c.recvHead) {
		c.mRecv[seq] = m
	}
}

// ackSends frees every in-flight send strictly before r (the peer's
// reported recv_tail), fulfilling their waiters with success.
func (c *Channel) ackSends(r uint16) {
	rr := c.sendTail
	for rr != r {
		if rr == c.sendHead {
			break
		}
		if e, ok := c.mSend[rr]; ok {
			e.waiter <- nil
			delete(c.mSend, rr)
			c.pendAck = true
		}
		rr = c.mod(int(rr) + 1)
	}
	c.sendTail = rr
}

// drainRecv delivers every contiguous buffered message starting at
// recvTail, in order, to the upper layer.
func (c *Channel) drainRecv() {
	for c.recvTail != c.recvHead {
		m, ok := c.mRecv[c.recvTail]
		if !ok {
			break
		}
		delete(c.mRecv, c.recvTail)
		c.recvTail = c.mod(int(c.recvTail) + 1)
		c.pendAck = true
		payload, err := m.Payload()
		if err != nil {
			continue
		}
		select {
		case c.deliverCh <- payload:
		case <-c.doneCh:
			return
		}
	}
}
