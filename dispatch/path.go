package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/M-o-a-T/moat-micro/codec"
)

// ErrNoConfigRoot is returned when attempting to replace the whole
// configuration tree in one write.
var ErrNoConfigRoot = errors.New("dispatch: cannot overwrite config root directly")

// Cfg is the incremental configuration tree addressed by the sys.cfg/
// sys.cfg_r commands: a path vector of string/int elements navigates into
// nested map[string]any/[]any structures, with a path element equal to a
// list's current length appending to it and codec.NotGiven deleting an
// entry, grounded on moat/micro/_embed/lib/moat/micro/base.py's
// SysCmd.cmd_cfg.
type Cfg struct {
	mu   sync.Mutex
	root any
}

// NewCfg wraps an initial configuration tree (typically decoded from a
// config file/blob by the caller; Cfg never touches storage itself).
func NewCfg(initial any) *Cfg {
	if initial == nil {
		initial = map[string]any{}
	}
	return &Cfg{root: initial}
}

// Snapshot returns the whole tree, e.g. for config_updated notifications.
func (c *Cfg) Snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Read navigates path and returns its value. If the destination is itself
// a container, the split result mirrors cmd_cfg's (simple, complex) pair:
// simple holds scalar entries directly, complex lists the keys/indices of
// nested containers so the caller can recurse into them lazily instead of
// serialising the whole subtree at once.
func (c *Cfg) Read(path []any) (simple any, complexKeys []any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := navigate(c.root, path)
	if err != nil {
		return nil, nil, err
	}
	switch v := cur.(type) {
	case map[string]any:
		s := map[string]any{}
		var keys []any
		for k, val := range v {
			if isComplexValue(val) {
				keys = append(keys, k)
			} else {
				s[k] = val
			}
		}
		return s, keys, nil
	case []any:
		s := make([]any, len(v))
		var keys []any
		for i, val := range v {
			if isComplexValue(val) {
				s[i] = nil
				keys = append(keys, i)
			} else {
				s[i] = val
			}
		}
		return s, keys, nil
	default:
		return cur, nil, nil
	}
}

// Write sets the value at path to d (codec.NotGiven deletes it), creating
// intermediate maps as needed. An empty path is rejected whatever d is:
// the root can only be replaced by the caller constructing a fresh Cfg
// (cmd_cfg's "p=d=nil means apply pending changes" special case is handled
// by the caller, not here).
//
// Writes thread the updated subtree back up through each level explicitly
// (rather than mutating in place) so an append to a nested list, which may
// reallocate its backing array, is visible to every ancestor container.
func (c *Cfg) Write(path []any, d any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(path) == 0 {
		return ErrNoConfigRoot
	}
	newRoot, err := writeAt(c.root, path, d)
	if err != nil {
		return err
	}
	c.root = newRoot
	return nil
}

func writeAt(cur any, path []any, d any) (any, error) {
	key := path[0]
	if len(path) == 1 {
		return setAtKey(cur, key, d)
	}
	child, err := childOrCreate(cur, key)
	if err != nil {
		return nil, err
	}
	newChild, err := writeAt(child, path[1:], d)
	if err != nil {
		return nil, err
	}
	return setAtKey(cur, key, newChild)
}

// childOrCreate returns the existing child at key, auto-vivifying a
// missing map key as an empty map.
func childOrCreate(cur any, key any) (any, error) {
	switch k := key.(type) {
	case string:
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("dispatch: path element %q: not a mapping", k)
		}
		if v, ok := m[k]; ok {
			return v, nil
		}
		child := map[string]any{}
		m[k] = child
		return child, nil
	case int:
		l, ok := cur.([]any)
		if !ok {
			return nil, fmt.Errorf("dispatch: path element %d: not a list", k)
		}
		if k < 0 || k >= len(l) {
			return nil, fmt.Errorf("dispatch: path element %d: out of range", k)
		}
		return l[k], nil
	default:
		return nil, fmt.Errorf("dispatch: path element of unsupported type %T", key)
	}
}

// setAtKey sets (or, for codec.NotGiven, deletes) key's value within cur
// and returns cur itself (maps mutate in place) or the replacement slice
// (lists may reallocate on append/delete).
func setAtKey(cur any, key any, d any) (any, error) {
	switch k := key.(type) {
	case string:
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("dispatch: path element %q: parent is not a mapping", k)
		}
		if d == codec.NotGiven {
			delete(m, k)
		} else {
			m[k] = d
		}
		return m, nil
	case int:
		l, ok := cur.([]any)
		if !ok {
			return nil, fmt.Errorf("dispatch: path element %d: parent is not a list", k)
		}
		return setListChild(l, k, d)
	default:
		return nil, fmt.Errorf("dispatch: path element of unsupported type %T", key)
	}
}

func isComplexValue(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func navigate(cur any, path []any) (any, error) {
	for _, elem := range path {
		switch key := elem.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("dispatch: path element %q: not a mapping", key)
			}
			v, ok := m[key]
			if !ok {
				return nil, fmt.Errorf("dispatch: path element %q: not found", key)
			}
			cur = v
		case int:
			l, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("dispatch: path element %d: not a list", key)
			}
			if key < 0 || key >= len(l) {
				return nil, fmt.Errorf("dispatch: path element %d: out of range", key)
			}
			cur = l[key]
		default:
			return nil, fmt.Errorf("dispatch: path element of type %T not supported", elem)
		}
	}
	return cur, nil
}

// setListChild implements list write-or-append: an index equal to the
// current length appends (the "-1 appends" convention cmd_cfg documents,
// realised via a one-past-the-end index rather than a literal -1 sentinel)
// and NotGiven at an in-range index deletes that element, shifting the
// rest down. It returns the (possibly reallocated) slice.
func setListChild(l []any, idx int, d any) ([]any, error) {
	if idx == len(l) {
		if d == codec.NotGiven {
			return nil, fmt.Errorf("dispatch: cannot delete past-end list index %d", idx)
		}
		return append(l, d), nil
	}
	if idx < 0 || idx > len(l) {
		return nil, fmt.Errorf("dispatch: list index %d out of range (len %d)", idx, len(l))
	}
	if d == codec.NotGiven {
		return append(l[:idx:idx], l[idx+1:]...), nil
	}
	l[idx] = d
	return l, nil
}
