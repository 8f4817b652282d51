// Package request implements the request/response dispatcher: it carries
// request identifiers, routes replies to waiters, and routes incoming
// actions to a dispatch tree.
//
// Grounded on client2/connection.go's per-outstanding-call reply-channel
// pattern (getConsensusCtx/connSendCtx) and server/cborplugin.Client's
// single-slot paramChan future.
package request

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/M-o-a-T/moat-micro/codec"
	"github.com/M-o-a-T/moat-micro/dispatch"
	"github.com/M-o-a-T/moat-micro/internal/worker"
)

// ErrCancelled is the error a pending Send's waiter receives on teardown or
// a lower-layer error.
var ErrCancelled = errors.New("request: cancelled")

// Link is the minimal Message-oriented transport the request layer rides
// on: a reliable.Channel, or a direct codec.Link adapter for loss-free
// transports that bypass the reliable layer entirely.
type Link interface {
	Send(ctx context.Context, m codec.Message) error
	Recv(ctx context.Context) (codec.Message, error)
	Close() error
}

// RemoteError wraps a reply's error payload as received from the peer: a
// proxied exception value if one was registered, a typed string otherwise.
type RemoteError struct {
	Value any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request: remote error: %v", e.Value)
}

// SilentRemoteError is returned to the caller like RemoteError, but must
// never be logged by the receiving side.
type SilentRemoteError struct {
	RemoteError
}

type pendingReply struct {
	ch chan replyResult
}

type replyResult struct {
	payload any
	err     error
}

// Dispatcher is one request/reply channel: it multiplexes outgoing calls
// by request id and routes incoming actions to a dispatch.Handler.
type Dispatcher struct {
	link    Link
	handler dispatch.Handler
	table   *codec.Table
	log     *log.Logger
	group   *worker.Group

	mu    sync.Mutex
	reply map[int64]*pendingReply
	seq   int64
}

// New creates a Dispatcher. handler may be nil if this side never receives
// actions (a pure client).
func New(group *worker.Group, link Link, handler dispatch.Handler, table *codec.Table) *Dispatcher {
	if table == nil {
		table = codec.NewTable()
	}
	d := &Dispatcher{
		link:    link,
		handler: handler,
		table:   table,
		log:     log.WithPrefix("request"),
		group:   group,
		reply:   map[int64]*pendingReply{},
	}
	group.Go(d.readLoop)
	return d
}

// nextID is the wrap-and-skip-live-ids request id generator: seq wraps once
// it exceeds 10*(|reply|+5), and always skips ids that are still pending.
func (d *Dispatcher) nextID() int64 {
	limit := int64(10 * (len(d.reply) + 5))
	if d.seq > limit {
		d.seq = 0
	}
	for {
		d.seq++
		if _, busy := d.reply[d.seq]; !busy {
			return d.seq
		}
	}
}

// Send allocates a request id, writes {a,i,d}, and awaits the reply.
func (d *Dispatcher) Send(ctx context.Context, action codec.Action, payload any) (any, error) {
	wirePayload, err := d.table.Encode(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	id := d.nextID()
	pr := &pendingReply{ch: make(chan replyResult, 1)}
	d.reply[id] = pr
	d.mu.Unlock()

	msg := codec.Message{A: action, I: &id, D: wirePayload}
	if err := d.link.Send(ctx, msg); err != nil {
		d.mu.Lock()
		delete(d.reply, id)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-pr.ch:
		return res.payload, res.err
	case <-ctx.Done():
		// Cancelling a send awaiting a reply removes the waiter; a
		// late reply is dropped.
		d.mu.Lock()
		delete(d.reply, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNR writes {a,d} with no request id and returns once the transport
// has accepted the bytes; no reply is expected.
func (d *Dispatcher) SendNR(ctx context.Context, action codec.Action, payload any) error {
	wirePayload, err := d.table.Encode(payload)
	if err != nil {
		return err
	}
	return d.link.Send(ctx, codec.Message{A: action, D: wirePayload})
}

func (d *Dispatcher) readLoop(ctx context.Context) {
	defer d.failAll(ErrCancelled)
	for {
		m, err := d.link.Recv(ctx)
		if err != nil {
			return
		}
		if !m.A.Empty() {
			d.group.Go(func(ctx context.Context) { d.serve(ctx, m) })
			continue
		}
		d.completeReply(m)
	}
}

func (d *Dispatcher) completeReply(m codec.Message) {
	if m.I == nil {
		return
	}
	d.mu.Lock()
	pr, ok := d.reply[*m.I]
	if ok {
		delete(d.reply, *m.I)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Warn("duplicate or unknown reply id, dropping", "id", *m.I)
		return
	}
	if m.E != nil {
		pr.ch <- replyResult{err: d.decodeRemoteError(m.E)}
		return
	}
	payload, err := d.table.Decode(m.D)
	pr.ch <- replyResult{payload: payload, err: err}
}

// decodeRemoteError is the receive-side mirror of errWireValue: a string
// carries the "E:"/"T:" prefix chosen by the sender, anything else is a
// proxied/constructed value resolved through the table.
func (d *Dispatcher) decodeRemoteError(e any) error {
	if s, ok := e.(string); ok {
		switch {
		case len(s) >= 2 && s[:2] == "T:":
			return &TypeError{Err: &RemoteError{Value: s[2:]}}
		case len(s) >= 2 && s[:2] == "E:":
			return &RemoteError{Value: s[2:]}
		default:
			return &RemoteError{Value: s}
		}
	}
	v, err := d.table.Decode(e)
	if err != nil {
		return err
	}
	return &RemoteError{Value: v}
}

func (d *Dispatcher) serve(ctx context.Context, m codec.Message) {
	if d.handler == nil {
		d.replyError(ctx, m.I, ErrCancelled)
		return
	}
	payload, err := d.table.Decode(m.D)
	if err != nil {
		d.replyError(ctx, m.I, &TypeError{Err: err})
		return
	}
	result, err := d.handler.Dispatch(ctx, m.A, payload)
	if err != nil {
		var silent *SilentRemoteError
		if !errors.As(err, &silent) {
			d.log.Error("handler error", "action", m.A.Path, "err", err, "stack", string(debug.Stack()))
		}
		d.replyError(ctx, m.I, err)
		return
	}
	if m.I == nil {
		return // notification; no reply expected
	}
	wire, err := d.table.Encode(result)
	if err != nil {
		d.replyError(ctx, m.I, err)
		return
	}
	_ = d.link.Send(ctx, codec.Message{I: m.I, D: wire})
}

func (d *Dispatcher) replyError(ctx context.Context, id *int64, err error) {
	if id == nil {
		return
	}
	_ = d.link.Send(ctx, codec.Message{I: id, E: d.errWireValue(err)})
}

// errWireValue renders err as its wire error payload: a proxied value if
// the table has a class explicitly registered for its concrete type
// (a known, peer-constructible exception type), a "T:"-prefixed string for
// a type error raised before the call reached a handler, and a general
// "E:"-prefixed string otherwise.
func (d *Dispatcher) errWireValue(err error) any {
	if className, ok := d.table.ClassOf(err); ok {
		ref, encErr := d.table.Encode(err)
		if encErr == nil {
			return ref
		}
		d.log.Warn("failed to encode registered error class, falling back to string", "class", className, "err", encErr)
	}
	var typeErr *TypeError
	if errors.As(err, &typeErr) {
		return "T:" + err.Error()
	}
	return "E:" + err.Error()
}

// TypeError marks an error raised while decoding a call's arguments rather
// than while running the handler, wire-encoded with the "T:" prefix so the
// caller can distinguish a malformed call from a handler-reported failure.
type TypeError struct {
	Err error
}

func (e *TypeError) Error() string { return e.Err.Error() }
func (e *TypeError) Unwrap() error { return e.Err }

func (d *Dispatcher) failAll(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, pr := range d.reply {
		pr.ch <- replyResult{err: cause}
		delete(d.reply, id)
	}
}
