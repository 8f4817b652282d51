package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/M-o-a-T/moat-micro/codec"
	"github.com/M-o-a-T/moat-micro/internal/worker"
)

// ForwardHandler wraps a single child Handler, forwarding every action to
// it by default. The wrapper's own commands are reachable via an escape
// prefix "!name" (mirroring BaseLayerCmd's "!self.name" convention), and a
// bare action named "dir" additionally appends the wrapper's own name to
// the child's subtree listing.
type ForwardHandler struct {
	name  string
	own   *Tree
	child Handler
}

// NewForwardHandler creates a wrapper named name around child. own carries
// the wrapper's escape-prefix-only commands (may be an empty *Tree).
func NewForwardHandler(name string, own *Tree, child Handler) *ForwardHandler {
	return &ForwardHandler{name: name, own: own, child: child}
}

func (f *ForwardHandler) Dispatch(ctx context.Context, a codec.Action, payload any) (any, error) {
	if a.IsString() && a.Str == "dir" {
		res, err := f.child.Dispatch(ctx, a, payload)
		if err != nil {
			return nil, err
		}
		if d, ok := res.(Dir); ok {
			d.Subs = append(d.Subs, "!"+f.name)
			return d, nil
		}
		return res, nil
	}
	if len(a.Path) > 0 {
		switch a.Path[0] {
		case f.name:
			return f.child.Dispatch(ctx, codec.NewPath(a.Path[1:]...), payload)
		case "!" + f.name:
			return f.own.Dispatch(ctx, codec.NewPath(a.Path[1:]...), payload)
		}
	}
	return f.child.Dispatch(ctx, a, payload)
}

func (f *ForwardHandler) Dir() Dir {
	d := f.child.Dir()
	d.Subs = append(d.Subs, "!"+f.name)
	return d
}

// RetryConfig configures a RetryWrapper.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	// WaitBeforeReady is carried in the configuration but not consulted by
	// Run: Ready is always closed just before the first attempt starts,
	// whatever this field says.
	WaitBeforeReady bool
}

// RetryWrapper runs its child's background task, restarting it after an
// error, for at most MaxAttempts attempts in total with Delay between
// attempts before giving up, a first-class
// wrapping component in place of the source's per-handler ad-hoc retry
// logic.
type RetryWrapper struct {
	name   string
	cfg    RetryConfig
	start  func(ctx context.Context) error
	log    *log.Logger
	readyC chan struct{}
}

// NewRetryWrapper wraps start (typically a Handler's background run loop)
// with restart-on-error semantics.
func NewRetryWrapper(name string, cfg RetryConfig, start func(ctx context.Context) error) *RetryWrapper {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &RetryWrapper{
		name:   name,
		cfg:    cfg,
		start:  start,
		log:    log.WithPrefix("dispatch.retry." + name),
		readyC: make(chan struct{}),
	}
}

// Ready is closed once the wrapped task has started at least once.
func (r *RetryWrapper) Ready() <-chan struct{} { return r.readyC }

// ErrGiveUp is logged, together with the wrapper's name, once MaxAttempts
// is exhausted; Run itself returns nothing.
var ErrGiveUp = errors.New("dispatch: retry attempts exhausted")

// Run runs start under group, restarting it on error, for at most
// MaxAttempts attempts in total with Delay between attempts.
func (r *RetryWrapper) Run(group *worker.Group) {
	group.Go(func(ctx context.Context) {
		var once bool
		for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
			if !once {
				once = true
				close(r.readyC)
			}
			err := r.start(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			r.log.Warn("child halted, restarting", "attempt", attempt, "err", err)
			select {
			case <-time.After(r.cfg.Delay):
			case <-ctx.Done():
				return
			}
		}
		r.log.Error(fmt.Sprintf("%v: %s", ErrGiveUp, r.name))
	})
}
