package dispatch

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/M-o-a-T/moat-micro/internal/worker"
)

// Lifecycle is implemented by handlers that run a background task and can
// be torn down independently of their parent.
type Lifecycle interface {
	Handler
	// Start runs the handler's background task under group and returns
	// once it has signalled ready (or the group is cancelled).
	Start(group *worker.Group) error
	// Stop tears the handler down.
	Stop()
}

// Configurable handlers receive a config_updated notification when they
// survive a live reconfiguration.
type Configurable interface {
	ConfigUpdated(ctx context.Context, subtree any) error
}

// Factory builds a named Lifecycle handler from its configuration subtree.
type Factory func(name string, cfg any) (Lifecycle, error)

// Supervisor owns a named set of Lifecycle handlers built from a
// configuration tree rooted at a fixed key (conventionally "apps"), and
// implements the reconcile-on-commit protocol: handlers removed from a new
// configuration are stopped, new ones are constructed and started, and
// survivors receive ConfigUpdated.
type Supervisor struct {
	group    *worker.Group
	factory  Factory
	log      *log.Logger
	children map[string]Lifecycle
	configs  map[string]any
}

// NewSupervisor creates a Supervisor whose children run under group.
func NewSupervisor(group *worker.Group, factory Factory) *Supervisor {
	return &Supervisor{
		group:    group,
		factory:  factory,
		log:      log.WithPrefix("dispatch.supervisor"),
		children: map[string]Lifecycle{},
		configs:  map[string]any{},
	}
}

// Reconcile applies a new configuration tree (name -> config subtree):
// removed names are stopped, new names are constructed and started,
// and every survivor is notified with its subtree, changed or not.
func (s *Supervisor) Reconcile(ctx context.Context, next map[string]any) error {
	for name, child := range s.children {
		if _, ok := next[name]; !ok {
			child.Stop()
			delete(s.children, name)
			delete(s.configs, name)
			s.log.Info("stopped handler removed from config", "name", name)
		}
	}

	for name, cfg := range next {
		if child, ok := s.children[name]; ok {
			s.configs[name] = cfg
			if cc, ok := child.(Configurable); ok {
				if err := cc.ConfigUpdated(ctx, cfg); err != nil {
					return err
				}
			}
			continue
		}
		child, err := s.factory(name, cfg)
		if err != nil {
			return err
		}
		if err := child.Start(s.group); err != nil {
			return err
		}
		s.children[name] = child
		s.configs[name] = cfg
		s.log.Info("started handler from config", "name", name)
	}
	return nil
}

// Get returns a mounted child by name.
func (s *Supervisor) Get(name string) (Lifecycle, bool) {
	c, ok := s.children[name]
	return c, ok
}

// Names returns the currently mounted child names.
func (s *Supervisor) Names() []string {
	names := make([]string, 0, len(s.children))
	for n := range s.children {
		names = append(names, n)
	}
	return names
}
