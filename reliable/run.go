package reliable

import (
	"context"
	"time"

	"github.com/M-o-a-T/moat-micro/codec"
)

// runLoop is the single goroutine that owns every mutable field on
// Channel: window pointers, pending tables, the reset phase. It mirrors
// the reference Reliable._run_bg/_read/dispatch trio collapsed into one
// select loop driven by timers instead of an event-loop Trigger.
func (c *Channel) runLoop(ctx context.Context) {
	c.resetState()
	defer c.teardown()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		c.drainSendQueue()
		d := c.nextDeadline()
		resetTimer(timer, d)

		select {
		case <-ctx.Done():
			return
		case err := <-c.readErrC:
			_ = err
			return
		case ps := <-c.sendCh:
			c.queue = append(c.queue, ps)
		case m := <-c.incomingC:
			c.dispatch(m)
		case <-timer.C:
			c.onTimer()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d <= 0 {
		d = time.Millisecond
	}
	t.Reset(d)
}

// nextDeadline computes the time until the next scheduled action: the
// earliest retransmit deadline, the receive-quiet timer, or (while not up)
// the reset retry interval.
func (c *Channel) nextDeadline() time.Duration {
	now := time.Now()
	best := c.timeout
	have := false

	for _, e := range c.mSend {
		if d := e.deadline.Sub(now); !have || d < best {
			best, have = d, true
		}
	}
	if c.tRecv != nil {
		if d := c.tRecv.Sub(now); !have || d < best {
			best, have = d, true
		}
	}
	if c.phase != phaseUp {
		if d := c.backoff; !have || d < best {
			best, have = d, true
		}
	}
	if !have {
		return c.timeout
	}
	return best
}

func (c *Channel) onTimer() {
	now := time.Now()

	if c.phase != phaseUp {
		c.sendResetAttempt()
	}

	for seq, e := range c.mSend {
		if !now.Before(e.deadline) {
			c.sendData(seq)
		}
	}
	if c.tRecv != nil && !now.Before(*c.tRecv) {
		c.pendAck = true
		c.tRecv = nil
	}
	if c.pendAck {
		c.sendAck()
	}
}

// drainSendQueue admits queued sends into the window while there is room:
// the sender blocks once the in-flight distance (head-tail) mod W reaches
// W/2, so at most W/2 sends are in flight.
func (c *Channel) drainSendQueue() {
	if c.phase != phaseUp {
		return
	}
	for len(c.queue) > 0 {
		dist := int(c.mod(int(c.sendHead) - int(c.sendTail)))
		if dist >= c.window/2 {
			break
		}
		ps := c.queue[0]
		c.queue = c.queue[1:]
		seq := c.sendHead
		c.sendHead = c.mod(int(c.sendHead) + 1)
		c.mSend[seq] = &sendEntry{msg: ps.msg, deadline: time.Now().Add(c.timeout), waiter: ps.waiter}
		c.sendData(seq)
	}
}

func (c *Channel) sendData(seq uint16) {
	e, ok := c.mSend[seq]
	if !ok {
		return
	}
	e.deadline = time.Now().Add(c.timeout)
	s := seq
	out := codec.Message{S: &s, D: e.msg}
	c.fillAck(&out)
	c.pendAck = false
	_ = c.link.Send(out) // send errors are absorbed; retransmit timer recovers
}

func (c *Channel) sendAck() {
	out := codec.Message{}
	c.fillAck(&out)
	c.pendAck = false
	_ = c.link.Send(out)
}

// fillAck sets the r/x piggyback fields every outgoing message (data or
// bare ack) carries: our recv_tail and the list of out-of-order seqs
// already buffered so the peer doesn't retransmit them needlessly.
func (c *Channel) fillAck(m *codec.Message) {
	r := c.recvTail
	m.R = &r
	var x []uint16
	for rr := c.recvTail; rr != c.recvHead; rr = c.mod(int(rr) + 1) {
		if _, ok := c.mRecv[rr]; ok {
			x = append(x, rr)
		}
	}
	if len(x) > 0 {
		m.X = x
	}
}

func (c *Channel) teardown() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
	})
	for _, e := range c.mSend {
		e.waiter <- ErrClosed
	}
	for _, ps := range c.queue {
		ps.waiter <- ErrClosed
	}
	if !c.closed {
		n := uint8(0)
		_ = c.link.Send(codec.Message{A: codec.NewAction("r"), N: &n})
	}
	_ = c.link.Close()
}

// resetState resets per-connection window/table state and begins phase 1
// of the reset handshake, matching Reliable.reset() in the reference proto.
func (c *Channel) resetState() {
	c.sendHead, c.sendTail = 0, 0
	c.recvHead, c.recvTail = 0, 0
	c.mSend = make(map[uint16]*sendEntry)
	c.mRecv = make(map[uint16]codec.Message)
	c.tRecv = nil
	c.pendAck = false
	c.closed = false
	c.phase = phase1
	c.resetLevel = 1
	c.backoff = 50 * time.Millisecond
}
