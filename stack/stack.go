// Package stack wires the frame, codec, (optional) reliable, request, and
// dispatch layers into one end-to-end pipeline over a byte transport, and
// mounts the sys command surface every pipeline exposes at its dispatch
// root.
package stack

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/M-o-a-T/moat-micro/codec"
	"github.com/M-o-a-T/moat-micro/dispatch"
	"github.com/M-o-a-T/moat-micro/frame"
	"github.com/M-o-a-T/moat-micro/internal/worker"
	"github.com/M-o-a-T/moat-micro/reliable"
	"github.com/M-o-a-T/moat-micro/request"
)

// Framing selects a frame.Framer implementation.
type Framing int

const (
	// FramingPrefix is the sentinel-prefixed framing for reliable byte
	// transports (TCP, USB-CDC).
	FramingPrefix Framing = iota
	// FramingPacket is the start/length/CRC framing for lossy UART links.
	FramingPacket
)

// Config configures a Stack's pipeline.
type Config struct {
	Framing Framing
	// Sentinel overrides frame.DefaultSentinel (FramingPrefix only).
	Sentinel byte
	// PacketStart overrides frame.DefaultPacketStart (FramingPacket only).
	PacketStart byte
	// Console receives bytes observed outside message boundaries.
	Console frame.ConsoleSink

	// Guarded enables the reliable ARQ layer above the codec link. Lossy
	// transports (anything packet-framed) should set this.
	Guarded bool
	Window  int
	Timeout time.Duration

	// Table is the proxy table used by the request layer and the
	// sys.unproxy command. A nil Table gets a fresh one.
	Table *codec.Table

	// Root mounts additional application handlers alongside the built-in
	// sys handler; may be nil.
	Root *dispatch.Tree

	// Cfg seeds the sys.cfg/sys.cfg_r configuration tree. A nil Cfg gets
	// an empty one.
	Cfg *dispatch.Cfg
}

// Stack owns one end-to-end pipeline: the parent worker.Group every layer's
// background goroutines run under, plus the layers themselves.
type Stack struct {
	group *worker.Group
	log   *log.Logger

	transport io.Closer
	reliable  *reliable.Channel // nil when !Guarded
	dispatch  *request.Dispatcher

	cfg   *dispatch.Cfg
	table *codec.Table
}

// New builds and starts a Stack over rw. ctx bounds the Stack's lifetime;
// cancelling it (or calling Close) tears every layer down.
func New(ctx context.Context, rw io.ReadWriteCloser, cfg Config) (*Stack, error) {
	if cfg.Table == nil {
		cfg.Table = codec.NewTable()
	}
	if cfg.Cfg == nil {
		cfg.Cfg = dispatch.NewCfg(nil)
	}
	if cfg.Console == nil {
		cfg.Console = frame.NopConsole
	}

	group := worker.NewGroup(ctx)

	var framer frame.Framer
	switch cfg.Framing {
	case FramingPacket:
		framer = frame.NewPacketFramer(rw, cfg.PacketStart, cfg.Console)
	default:
		framer = frame.NewPrefixFramer(rw, cfg.Sentinel, cfg.Console)
	}

	codecLink := codec.NewLink(framer)

	s := &Stack{
		group:     group,
		log:       log.WithPrefix("stack"),
		transport: rw,
		cfg:       cfg.Cfg,
		table:     cfg.Table,
	}

	root := cfg.Root
	if root == nil {
		root = dispatch.NewTree("")
	}
	root.Sub("sys", s.sysTree())

	var link request.Link
	if cfg.Guarded {
		ch := reliable.Open(group, codecAdapter{codecLink}, cfg.Window, cfg.Timeout)
		s.reliable = ch
		link = reliableAdapter{ch}
	} else {
		link = directAdapter{link: codecLink}
	}

	s.dispatch = request.New(group, link, root, cfg.Table)

	if cfg.Guarded {
		group.Go(func(ctx context.Context) {
			select {
			case <-s.reliable.Up():
				s.announceUp(ctx)
			case <-ctx.Done():
			}
		})
	} else {
		group.Go(func(ctx context.Context) { s.announceUp(ctx) })
	}

	return s, nil
}

// announceUp sends the unsolicited "link" notification once the transport
// is ready to carry traffic, mirroring SysCmd.cmd_is_up's
// `send_nr("link", true)`.
func (s *Stack) announceUp(ctx context.Context) {
	if err := s.dispatch.SendNR(ctx, codec.NewAction("link"), true); err != nil {
		s.log.Warn("failed to send link-up notification", "err", err)
	}
}

// Send issues a request and waits for its reply.
func (s *Stack) Send(ctx context.Context, action codec.Action, payload any) (any, error) {
	return s.dispatch.Send(ctx, action, payload)
}

// SendNR issues a notification with no reply expected.
func (s *Stack) SendNR(ctx context.Context, action codec.Action, payload any) error {
	return s.dispatch.SendNR(ctx, action, payload)
}

// Close tears every layer down and closes the underlying transport.
func (s *Stack) Close() error {
	s.group.HaltAndWait(nil)
	return s.transport.Close()
}

// sysTree builds the sys.* command surface: test, ping, cfg_r, cfg,
// unproxy, mounted at the dispatch root by New.
func (s *Stack) sysTree() *dispatch.Tree {
	t := dispatch.NewTree("sys")
	t.Command("test", s.cmdTest)
	t.Command("ping", s.cmdPing)
	t.Command("cfg_r", s.cmdCfgR)
	t.Command("cfg", s.cmdCfg)
	t.Command("unproxy", s.cmdUnproxy)
	return t
}

// testBytes is the literal byte-transparency probe: r CR n LF - NUL x FF
// e ESC !.
var testBytes = []byte("r\rn\n-\x00x\x0ce\x1b!")

func (s *Stack) cmdTest(ctx context.Context, rest []string, payload any) (any, error) {
	return testBytes, nil
}

func (s *Stack) cmdPing(ctx context.Context, rest []string, payload any) (any, error) {
	m, _ := payloadString(payload)
	return "R:" + m, nil
}

func (s *Stack) cmdCfgR(ctx context.Context, rest []string, payload any) (any, error) {
	p, _ := payload.(map[string]any)
	path := pathFromArg(p["p"])
	simple, complex_, err := s.cfg.Read(path)
	if err != nil {
		return nil, err
	}
	return []any{simple, complex_}, nil
}

func (s *Stack) cmdCfg(ctx context.Context, rest []string, payload any) (any, error) {
	args, _ := payload.(map[string]any)
	path := pathFromArg(args["p"])

	d, hasD := args["d"]
	if !hasD {
		simple, complex_, err := s.cfg.Read(path)
		if err != nil {
			return nil, err
		}
		return []any{simple, complex_}, nil
	}

	if len(path) == 0 {
		// p given but empty, d present and nil: the commit. Writes are
		// applied to s.cfg as they arrive, so the commit only sends a
		// "config" notification carrying the current snapshot; no handler
		// reconciliation is run here.
		if d != nil {
			return nil, fmt.Errorf("stack: cannot overwrite config root, only commit with nil data")
		}
		_ = s.SendNR(ctx, codec.NewAction("config"), s.cfg.Snapshot())
		return nil, nil
	}
	if err := s.cfg.Write(path, d); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Stack) cmdUnproxy(ctx context.Context, rest []string, payload any) (any, error) {
	name, ok := payloadString(payload)
	if !ok {
		return nil, fmt.Errorf("stack: unproxy requires a string name")
	}
	s.table.Drop(name)
	return nil, nil
}

func payloadString(payload any) (string, bool) {
	s, ok := payload.(string)
	return s, ok
}

// pathFromArg converts a decoded []any path vector (string/int elements)
// into the mixed-element path Cfg expects.
func pathFromArg(v any) []any {
	l, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, len(l))
	for i, e := range l {
		switch n := e.(type) {
		case int64:
			out[i] = int(n)
		case uint64:
			out[i] = int(n)
		default:
			out[i] = e
		}
	}
	return out
}

// codecAdapter satisfies reliable.Link (sync Send/Recv) from a *codec.Link.
type codecAdapter struct {
	link *codec.Link
}

func (a codecAdapter) Send(m codec.Message) error   { return a.link.Send(m) }
func (a codecAdapter) Recv() (codec.Message, error) { return a.link.Recv() }
func (a codecAdapter) Close() error                 { return a.link.Close() }

// reliableAdapter satisfies request.Link (ctx-aware) from a
// *reliable.Channel.
type reliableAdapter struct {
	ch *reliable.Channel
}

func (a reliableAdapter) Send(ctx context.Context, m codec.Message) error {
	return a.ch.Send(ctx, m)
}
func (a reliableAdapter) Recv(ctx context.Context) (codec.Message, error) {
	return a.ch.Recv(ctx)
}
func (a reliableAdapter) Close() error { return a.ch.Close() }

// directAdapter satisfies request.Link directly on a *codec.Link, for
// loss-free transports that bypass the reliable layer. Recv blocks on the
// underlying link's synchronous read in a goroutine so it can still honour
// ctx cancellation.
type directAdapter struct {
	link *codec.Link
}

func (a directAdapter) Send(ctx context.Context, m codec.Message) error {
	return a.link.Send(m)
}

func (a directAdapter) Recv(ctx context.Context) (codec.Message, error) {
	type result struct {
		m   codec.Message
		err error
	}
	resC := make(chan result, 1)
	go func() {
		m, err := a.link.Recv()
		resC <- result{m, err}
	}()
	select {
	case r := <-resC:
		return r.m, r.err
	case <-ctx.Done():
		return codec.Message{}, ctx.Err()
	}
}

func (a directAdapter) Close() error { return a.link.Close() }
