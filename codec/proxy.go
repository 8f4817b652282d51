package codec

import (
	"container/list"
	"fmt"
	"reflect"
	"sync"
)

// NotGivenName is the reserved proxy name for the sentinel "no value"
// marker, registered once per Table at construction.
const NotGivenName = "-"

// notGiven is the concrete sentinel bound to NotGivenName.
type notGiven struct{}

// NotGiven is the distinguished sentinel value: "delete this key" in the
// configuration protocol, "omit this argument" elsewhere.
var NotGiven = notGiven{}

// ProxyRef is the wire representation of tag 4 (named proxy): a stable
// short string standing in for a process-local object.
type ProxyRef struct {
	Name string `cbor:"name"`
}

// ObjectRef is the wire representation of tag 5 (constructed object): a
// class name, positional constructor args, and a state mapping applied
// after construction.
type ObjectRef struct {
	_     struct{} `cbor:",toarray"`
	Class string
	Args  []any
	State map[string]any
}

// Placeholder stands in for a proxy name unknown to this side's table. Its
// only identity is the name; a later unproxy command may drop the table
// entry that would have resolved it, but the placeholder itself is inert.
type Placeholder struct {
	Name string
}

func (p Placeholder) String() string { return fmt.Sprintf("proxy(%s)", p.Name) }

// ClassFactory builds a value of a registered class from constructor args
// and/or a state mapping, mirroring tag 5's decode fallback: try
// class(args...), and if that fails, apply state as attribute updates
// after construction.
type ClassFactory struct {
	// New is called with the positional args first.
	New func(args []any) (any, error)
	// ApplyState is called after construction whenever State is non-empty;
	// it must mutate/return the updated value. When New(args) fails and
	// ApplyState is set, construction is retried as New(nil). May be nil if
	// the class has no settable state.
	ApplyState func(v any, state map[string]any) (any, error)
}

// Table is the per-session proxy registry: name->object and object->name,
// plus the class registry used for tag-5 decode. One Table is owned per
// stack and used by its request layer and sys.unproxy command; the codec
// Link itself encodes and decodes without a Table.
type Table struct {
	mu sync.Mutex

	byName map[string]any
	byObj  map[any]string

	classes    map[string]ClassFactory
	classNames map[reflect.Type]string

	autoSeq   uint64
	maxAuto   int
	autoOrder *list.List // front = most recently touched
	autoElem  map[string]*list.Element
}

// DefaultMaxAutoProxies bounds how many auto-allocated (unnamed) proxy
// entries a Table keeps before evicting the least-recently-resolved one.
// Explicitly registered names are never evicted.
const DefaultMaxAutoProxies = 4096

// NewTable creates an empty proxy table with NotGiven pre-registered under
// its reserved name.
func NewTable() *Table {
	t := &Table{
		byName:     make(map[string]any),
		byObj:      make(map[any]string),
		classes:    make(map[string]ClassFactory),
		classNames: make(map[reflect.Type]string),
		maxAuto:    DefaultMaxAutoProxies,
		autoOrder:  list.New(),
		autoElem:   make(map[string]*list.Element),
	}
	t.byName[NotGivenName] = NotGiven
	t.byObj[NotGiven] = NotGivenName
	return t
}

// Register binds name to obj. Re-registering the same name replaces the
// binding; registering a value under two names keeps only the most recent
// name in byObj, which is the name Encode then emits for that value.
func (t *Table) Register(name string, obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(name, obj, false)
}

func (t *Table) registerLocked(name string, obj any, auto bool) {
	t.byName[name] = obj
	if isComparable(obj) {
		t.byObj[obj] = name
	}
	if auto {
		if el, ok := t.autoElem[name]; ok {
			t.autoOrder.MoveToFront(el)
		} else {
			t.autoElem[name] = t.autoOrder.PushFront(name)
			t.evictIfNeeded()
		}
	}
}

func (t *Table) evictIfNeeded() {
	for t.autoOrder.Len() > t.maxAuto {
		back := t.autoOrder.Back()
		if back == nil {
			return
		}
		name := back.Value.(string)
		t.autoOrder.Remove(back)
		delete(t.autoElem, name)
		if obj, ok := t.byName[name]; ok {
			delete(t.byObj, obj)
		}
		delete(t.byName, name)
	}
}

// Drop removes a name from the table (the sys.unproxy command).
func (t *Table) Drop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obj, ok := t.byName[name]; ok && isComparable(obj) {
		delete(t.byObj, obj)
	}
	delete(t.byName, name)
	if el, ok := t.autoElem[name]; ok {
		t.autoOrder.Remove(el)
		delete(t.autoElem, name)
	}
}

// Resolve looks up a name, returning the bound object or a Placeholder if
// the name is unknown to this side.
func (t *Table) Resolve(name string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.byName[name]; ok {
		if _, auto := t.autoElem[name]; auto {
			t.autoOrder.MoveToFront(t.autoElem[name])
		}
		return v
	}
	return Placeholder{Name: name}
}

// RegisterClass binds a Go type to a class name used for tag-5 encode and
// decode.
func (t *Table) RegisterClass(name string, sample any, factory ClassFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.classes[name] = factory
	t.classNames[reflect.TypeOf(sample)] = name
}

// ClassOf reports the registered class name for v's concrete type, if any,
// without allocating a proxy entry as a side effect (used by callers that
// need to know whether Encode would produce an ObjectRef before committing
// to it, e.g. error-value encoding).
func (t *Table) ClassOf(v any) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.classNames[reflect.TypeOf(v)]
	return name, ok
}

// Encode converts v into its wire form per the encoding policy: a value
// with a registered name becomes ProxyRef; else a value whose type has a
// registered class becomes ObjectRef; else an auto-name is allocated and v
// becomes ProxyRef.
func (t *Table) Encode(v any) (any, error) {
	switch w := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64,
		[]byte:
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(w))
		for k, val := range w {
			ev, err := t.Encode(val)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(w))
		for i, val := range w {
			ev, err := t.Encode(val)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if isComparable(v) {
		if name, ok := t.byObj[v]; ok {
			return ProxyRef{Name: name}, nil
		}
	}
	if className, ok := t.classNames[reflect.TypeOf(v)]; ok {
		args, state, err := t.decompose(className, v)
		if err != nil {
			return nil, err
		}
		return ObjectRef{Class: className, Args: args, State: state}, nil
	}
	name := t.allocateAutoName()
	t.registerLocked(name, v, true)
	return ProxyRef{Name: name}, nil
}

// decompose is intentionally minimal: Go has no generic attribute
// enumeration, so class encoding relies on the value implementing
// Decomposer; values that don't are encoded with empty args/state and rely
// entirely on ApplyState during decode.
type Decomposer interface {
	Decompose() (args []any, state map[string]any)
}

func (t *Table) decompose(_ string, v any) ([]any, map[string]any, error) {
	if d, ok := v.(Decomposer); ok {
		a, s := d.Decompose()
		return a, s, nil
	}
	return nil, nil, nil
}

// Decode converts a wire value back into an application value, resolving
// ProxyRef/ObjectRef via the table.
func (t *Table) Decode(v any) (any, error) {
	switch w := v.(type) {
	case ProxyRef:
		return t.Resolve(w.Name), nil
	case ObjectRef:
		return t.construct(w)
	case map[string]any:
		out := make(map[string]any, len(w))
		for k, val := range w {
			dv, err := t.Decode(val)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	case []any:
		out := make([]any, len(w))
		for i, val := range w {
			dv, err := t.Decode(val)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (t *Table) construct(w ObjectRef) (any, error) {
	t.mu.Lock()
	factory, ok := t.classes[w.Class]
	t.mu.Unlock()
	if !ok {
		return Placeholder{Name: w.Class}, nil
	}
	v, err := factory.New(w.Args)
	if err != nil {
		if factory.ApplyState == nil {
			return nil, err
		}
		v, err = factory.New(nil)
		if err != nil {
			return nil, err
		}
	}
	if len(w.State) > 0 && factory.ApplyState != nil {
		return factory.ApplyState(v, w.State)
	}
	return v, nil
}

func (t *Table) allocateAutoName() string {
	for {
		t.autoSeq++
		name := fmt.Sprintf("_%x", t.autoSeq)
		if _, exists := t.byName[name]; !exists {
			return name
		}
	}
}

func isComparable(v any) bool {
	defer func() { recover() }()
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return false
	}
	return rv.Comparable()
}
