package reliable

import (
	"time"

	"github.com/M-o-a-T/moat-micro/codec"
)

const (
	resetBackoffBase = 50 * time.Millisecond
	resetBackoffMax  = time.Second
)

// sendResetAttempt periodically re-sends phase-1 "n=1" while not yet up,
// with a bounded exponential backoff: base 50ms, factor 2, cap 1s, reset to
// base once the handshake reaches "up".
func (c *Channel) sendResetAttempt() {
	n := uint8(1)
	out := codec.Message{A: codec.NewAction("r"), N: &n, C: c.localConfig()}
	_ = c.link.Send(out)
	c.backoff *= 2
	if c.backoff > resetBackoffMax {
		c.backoff = resetBackoffMax
	}
}

func (c *Channel) localConfig() *codec.ReliableConfig {
	return &codec.ReliableConfig{T: int(c.timeout / time.Millisecond), M: c.window}
}

// adoptConfig takes the larger timeout and the smaller window (floor 4),
// negotiating the two sides' reset-handshake config down to the stricter
// of each.
func (c *Channel) adoptConfig(cfg *codec.ReliableConfig) {
	if cfg == nil {
		return
	}
	if t := time.Duration(cfg.T) * time.Millisecond; t > c.timeout {
		c.timeout = t
	}
	if cfg.M > 0 && cfg.M < c.window {
		if cfg.M < 4 {
			c.window = 4
		} else {
			c.window = cfg.M
		}
	}
}

func (c *Channel) markUp() {
	if c.phase == phaseUp {
		return
	}
	c.phase = phaseUp
	c.backoff = resetBackoffBase
	c.upOnce.Do(func() { close(c.upCh) })
}

// handleControl implements the n=0..3 reset-handshake state machine.
func (c *Channel) handleControl(n uint8, cfg *codec.ReliableConfig) {
	switch n {
	case 0: // peer closed
		c.closed = true
		c.phase = phaseClosed
	case 1: // peer initiates reset
		c.adoptConfig(cfg)
		c.sendPhase(2)
	case 2: // peer acks our reset
		c.adoptConfig(cfg)
		c.sendPhase(3)
		c.markUp()
	case 3: // peer acks our ack
		c.adoptConfig(cfg)
		c.markUp()
	default:
		// unrecognised control sequence: restart the handshake.
		c.resetState()
	}

	if c.closed {
		// A closed peer answers any control with a fresh n=1, rate
		// limited by resetLevel/backoff rather than every message.
		if c.resetLevel > 2 {
			c.sendResetAttempt()
			c.resetLevel = 0
		} else {
			c.resetLevel++
		}
	}
}

func (c *Channel) sendPhase(n uint8) {
	out := codec.Message{A: codec.NewAction("r"), N: &n, C: c.localConfig()}
	_ = c.link.Send(out)
}
