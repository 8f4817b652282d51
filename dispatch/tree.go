// Package dispatch implements the request/response dispatch tree: handlers
// addressed by hierarchical command paths, with subtree mounting, a default
// handler, introspection, and live reconfiguration.
//
// Routing is grounded on moat/micro/cmd/_tree.py's BaseLayerCmd/BaseSubCmd
// forward-by-default-with-escape-prefix pattern, translated into an
// explicit name->callable / name->sub-handler registration model (replacing
// the source's cmd_*/dis_* attribute-prefix scanning).
package dispatch

import (
	"context"
	"errors"

	"github.com/M-o-a-T/moat-micro/codec"
)

// ErrNoSuchCommand is returned when an action path cannot be routed.
var ErrNoSuchCommand = errors.New("dispatch: no such command")

// ErrNoDefault is returned when an empty action path is dispatched to a
// handler with no default command.
var ErrNoDefault = errors.New("dispatch: no default command")

// Command is a leaf command: it receives the remaining path (normally
// empty for a fully-consumed action) and the decoded payload.
type Command func(ctx context.Context, rest []string, payload any) (any, error)

// Handler is a node in the dispatch tree.
type Handler interface {
	// Dispatch routes a into this handler's commands/subtree.
	Dispatch(ctx context.Context, a codec.Action, payload any) (any, error)
	// Dir returns introspection data: command names, subtree names, and
	// whether this handler has a default command.
	Dir() Dir
}

// Dir is the `_dir` introspection payload.
type Dir struct {
	Commands []string `cbor:"c"`
	Subs     []string `cbor:"d"`
	HasJoin  bool     `cbor:"j"`
	Local    []string `cbor:"e,omitempty"`
}

// Tree is the standard Handler implementation: a map of command names of
// any length (matched against a whole string action or against the first
// path element), a map of named sub-handlers, and an optional default
// command.
type Tree struct {
	name     string
	commands map[string]Command
	subs     map[string]Handler
	def      Command
	local    []string // command names considered "local-only" for Dir().Local
}

// NewTree creates an empty dispatch node named name (used for escape-prefix
// routing and Dir() introspection).
func NewTree(name string) *Tree {
	return &Tree{name: name, commands: map[string]Command{}, subs: map[string]Handler{}}
}

// Command registers a leaf command under name.
func (t *Tree) Command(name string, fn Command) *Tree {
	t.commands[name] = fn
	return t
}

// LocalCommand registers a leaf command that is additionally reported in
// Dir().Local (server-side-only commands).
func (t *Tree) LocalCommand(name string, fn Command) *Tree {
	t.Command(name, fn)
	t.local = append(t.local, name)
	return t
}

// Sub mounts a child Handler under name.
func (t *Tree) Sub(name string, h Handler) *Tree {
	t.subs[name] = h
	return t
}

// Default sets the handler invoked when the action path is exhausted.
func (t *Tree) Default(fn Command) *Tree {
	t.def = fn
	return t
}

// Dispatch implements Handler per the following routing rule:
//  1. Empty path -> default handler; absence is an error.
//  2. A whole string of length >= 2 matching a registered command -> call it.
//  3. Else take the first path element: a matching sub-handler recurses
//     with the rest; else a command named by that element is called with
//     the rest as its argument.
//  4. Otherwise, "no such command".
func (t *Tree) Dispatch(ctx context.Context, a codec.Action, payload any) (any, error) {
	if a.Empty() {
		if t.def == nil {
			return nil, ErrNoDefault
		}
		return t.def(ctx, nil, payload)
	}

	if a.IsString() && len(a.Str) >= 2 {
		if cmd, ok := t.commands[a.Str]; ok {
			return cmd(ctx, nil, payload)
		}
	}

	head, rest := a.Path[0], a.Path[1:]
	if head == "dir" && len(rest) == 0 {
		return t.dirResult(), nil
	}
	if sub, ok := t.subs[head]; ok {
		return sub.Dispatch(ctx, codec.NewPath(rest...), payload)
	}
	if cmd, ok := t.commands[head]; ok {
		return cmd(ctx, rest, payload)
	}
	return nil, ErrNoSuchCommand
}

func (t *Tree) dirResult() Dir {
	return t.Dir()
}

// Dir implements Handler.
func (t *Tree) Dir() Dir {
	d := Dir{HasJoin: t.def != nil, Local: t.local}
	for name := range t.commands {
		d.Commands = append(d.Commands, name)
	}
	for name := range t.subs {
		d.Subs = append(d.Subs, name)
	}
	return d
}
