// Package reliable implements the reliable channel: a symmetric
// sliding-window ARQ with an explicit three-phase reset, upgrading a
// possibly-lossy/reordering message link into an in-order, lossless one.
//
// The shape is grounded on two places in the reference stack: client2/arq.go
// (per-message retransmit-deadline bookkeeping keyed by a pending-table,
// driven by a single background worker) and stream/stream.go (window-bounded
// flow control with a read/write frame sequence).
package reliable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/M-o-a-T/moat-micro/codec"
	"github.com/M-o-a-T/moat-micro/internal/worker"
)

// ErrClosed is returned by Send/Recv once the channel has torn down, and is
// the only error the reliable layer ever surfaces to callers.
var ErrClosed = errors.New("reliable: channel closed")

// DefaultWindow and DefaultTimeout are the suggested defaults.
const (
	DefaultWindow  = 8
	DefaultTimeout = time.Second
)

// Link is the minimal Message-oriented transport the reliable layer rides
// on: the codec layer's Link, or anything shaped like it (e.g. a fake for
// tests).
type Link interface {
	Send(codec.Message) error
	Recv() (codec.Message, error)
	Close() error
}

// resetPhase tracks the three-phase handshake plus "closed"/"up".
type resetPhase int

const (
	phaseClosed resetPhase = iota
	phase1
	phase2
	phase3
	phaseUp
)

type sendEntry struct {
	msg      codec.Message
	deadline time.Time
	waiter   chan error
}

type pendingSend struct {
	msg    codec.Message
	waiter chan error
}

// Channel is one reliable ARQ channel over a Link.
type Channel struct {
	link Link
	log  *log.Logger

	window  int
	timeout time.Duration

	group *worker.Group

	// owned by the single background loop goroutine only
	sendHead, sendTail uint16
	recvHead, recvTail uint16
	mSend              map[uint16]*sendEntry
	mRecv              map[uint16]codec.Message
	queue              []*pendingSend
	pendAck            bool
	closed             bool
	phase              resetPhase
	resetLevel         uint8
	backoff            time.Duration
	tRecv              *time.Time

	sendCh    chan *pendingSend
	incomingC chan codec.Message
	readErrC  chan error
	deliverCh chan codec.Message

	upOnce sync.Once
	upCh   chan struct{}

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Open creates a Channel over link and starts its background tasks under
// group. window must be >= 4; 0 means DefaultWindow. timeout 0 means
// DefaultTimeout.
func Open(group *worker.Group, link Link, window int, timeout time.Duration) *Channel {
	if window == 0 {
		window = DefaultWindow
	}
	if window < 4 {
		window = 4
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &Channel{
		link:      link,
		log:       log.WithPrefix("reliable"),
		window:    window,
		timeout:   timeout,
		group:     group,
		mSend:     make(map[uint16]*sendEntry),
		mRecv:     make(map[uint16]codec.Message),
		sendCh:    make(chan *pendingSend),
		incomingC: make(chan codec.Message),
		readErrC:  make(chan error, 1),
		deliverCh: make(chan codec.Message, window),
		upCh:      make(chan struct{}),
		doneCh:    make(chan struct{}),
		closed:    true,
		phase:     phaseClosed,
		backoff:   50 * time.Millisecond,
	}
	group.Go(c.readLoop)
	group.Go(c.runLoop)
	return c
}

func (c *Channel) mod(v int) uint16 {
	w := int(c.window)
	v %= w
	if v < 0 {
		v += w
	}
	return uint16(v)
}

// between reports whether b lies in [a,c] going forward modulo the window,
// using the inclusion test (b-a) mod W <= (c-a) mod W.
func (c *Channel) between(a, b, cc uint16) bool {
	w := uint16(c.window)
	d1 := uint16((int(b) - int(a) + int(w)) % int(w))
	d2 := uint16((int(cc) - int(a) + int(w)) % int(w))
	return d1 <= d2
}

// Send enqueues payload for reliable delivery and blocks until it is
// acknowledged, the channel closes, or ctx is done.
func (c *Channel) Send(ctx context.Context, payload codec.Message) error {
	ps := &pendingSend{msg: payload, waiter: make(chan error, 1)}
	select {
	case c.sendCh <- ps:
	case <-c.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ps.waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return ErrClosed
	}
}

// Recv returns the next in-order delivered message.
func (c *Channel) Recv(ctx context.Context) (codec.Message, error) {
	select {
	case m := <-c.deliverCh:
		return m, nil
	case <-c.doneCh:
		return codec.Message{}, ErrClosed
	case <-ctx.Done():
		return codec.Message{}, ctx.Err()
	}
}

// Up returns a channel closed once the reset handshake completes and data
// traffic can flow.
func (c *Channel) Up() <-chan struct{} { return c.upCh }

// Done returns a channel closed once the channel has torn down.
func (c *Channel) Done() <-chan struct{} { return c.doneCh }

// Close tears the channel down: it cancels the background goroutines and
// closes the underlying link, which unblocks a Recv that's currently
// blocked reading from the transport.
func (c *Channel) Close() error {
	c.group.Halt(ErrClosed)
	err := c.link.Close()
	<-c.doneCh
	return err
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		m, err := c.link.Recv()
		if err != nil {
			select {
			case c.readErrC <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case c.incomingC <- m:
		case <-ctx.Done():
			return
		}
	}
}
