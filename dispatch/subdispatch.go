package dispatch

import (
	"context"

	"github.com/M-o-a-T/moat-micro/codec"
)

// BoundCall is a fixed-address call pre-resolved as far as possible into
// the static tree, so repeated invocations skip the hops already walked at
// bind time.
type BoundCall struct {
	handler Handler
	suffix  []string
}

// Bind walks path into root as far as the static *Tree structure allows,
// stopping at the first sub-handler that isn't itself a *Tree (so its
// internal routing, which may change at runtime, is still honoured).
func Bind(root Handler, path []string) BoundCall {
	h := root
	i := 0
	for i < len(path) {
		t, ok := h.(*Tree)
		if !ok {
			break
		}
		sub, ok := t.subs[path[i]]
		if !ok {
			break
		}
		h = sub
		i++
	}
	return BoundCall{handler: h, suffix: append([]string(nil), path[i:]...)}
}

// Call invokes the bound handler with the pre-resolved suffix.
func (b BoundCall) Call(ctx context.Context, payload any) (any, error) {
	return b.handler.Dispatch(ctx, codec.NewPath(b.suffix...), payload)
}
