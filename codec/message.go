package codec

import "github.com/fxamacker/cbor/v2"

// Message is the canonical wire shape described by the data model: a
// mapping with short keys carrying the action/request-id/payload/error of
// the request layer plus the reliable layer's window-control fields. All
// fields are optional; a pure reliable-layer ack carries none of the
// request-layer fields and a pure request carries none of the
// reliable-layer fields, so Message encodes itself as a map and omits
// absent fields explicitly rather than relying on struct-tag omitempty.
type Message struct {
	A Action `cbor:"a"`
	I *int64 `cbor:"i"`
	D any    `cbor:"d"`
	E any    `cbor:"e"`

	// Reliable-layer fields, see reliable package.
	S *uint16         `cbor:"s"`
	R *uint16         `cbor:"r"`
	X []uint16        `cbor:"x"`
	N *uint8          `cbor:"n"`
	C *ReliableConfig `cbor:"c"`
}

// ReliableConfig is the {t,m} config exchanged during the reset handshake.
type ReliableConfig struct {
	T int `cbor:"t"`
	M int `cbor:"m"`
}

// MarshalCBOR implements cbor.Marshaler, emitting only the keys that are
// actually set.
func (m Message) MarshalCBOR() ([]byte, error) {
	out := make(map[string]any, 8)
	if !m.A.Empty() {
		out["a"] = m.A
	}
	if m.I != nil {
		out["i"] = *m.I
	}
	if m.D != nil {
		out["d"] = m.D
	}
	if m.E != nil {
		out["e"] = m.E
	}
	if m.S != nil {
		out["s"] = *m.S
	}
	if m.R != nil {
		out["r"] = *m.R
	}
	if len(m.X) > 0 {
		out["x"] = m.X
	}
	if m.N != nil {
		out["n"] = *m.N
	}
	if m.C != nil {
		out["c"] = *m.C
	}
	return cborMode().Marshal(out)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (m *Message) UnmarshalCBOR(data []byte) error {
	var raw map[string]cbor.RawMessage
	if err := cborMode().Unmarshal(data, &raw); err != nil {
		return err
	}
	dec := cborMode()
	if v, ok := raw["a"]; ok {
		if err := dec.Unmarshal(v, &m.A); err != nil {
			return err
		}
	}
	if v, ok := raw["i"]; ok {
		var i int64
		if err := dec.Unmarshal(v, &i); err != nil {
			return err
		}
		m.I = &i
	}
	if v, ok := raw["d"]; ok {
		var d any
		if err := dec.Unmarshal(v, &d); err != nil {
			return err
		}
		m.D = d
	}
	if v, ok := raw["e"]; ok {
		var e any
		if err := dec.Unmarshal(v, &e); err != nil {
			return err
		}
		m.E = e
	}
	if v, ok := raw["s"]; ok {
		var s uint16
		if err := dec.Unmarshal(v, &s); err != nil {
			return err
		}
		m.S = &s
	}
	if v, ok := raw["r"]; ok {
		var r uint16
		if err := dec.Unmarshal(v, &r); err != nil {
			return err
		}
		m.R = &r
	}
	if v, ok := raw["x"]; ok {
		var x []uint16
		if err := dec.Unmarshal(v, &x); err != nil {
			return err
		}
		m.X = x
	}
	if v, ok := raw["n"]; ok {
		var n uint8
		if err := dec.Unmarshal(v, &n); err != nil {
			return err
		}
		m.N = &n
	}
	if v, ok := raw["c"]; ok {
		var c ReliableConfig
		if err := dec.Unmarshal(v, &c); err != nil {
			return err
		}
		m.C = &c
	}
	return nil
}

// AsMessage reinterprets a generically-decoded value (typically a
// map[string]any produced when a Message's D field is decoded without
// knowing its static type) as a Message, by round-tripping it through the
// codec. Each layer boundary (reliable->request, request->dispatch) calls
// this to parse the raw map into a concrete variant before handing it to
// the next layer up.
func AsMessage(v any) (Message, error) {
	if m, ok := v.(Message); ok {
		return m, nil
	}
	var m Message
	if v == nil {
		return m, nil
	}
	b, err := cborMode().Marshal(v)
	if err != nil {
		return m, err
	}
	err = cborMode().Unmarshal(b, &m)
	return m, err
}

// Payload reinterprets m.D as a nested Message, used by the reliable layer
// to unwrap the request-layer message it carries.
func (m Message) Payload() (Message, error) {
	return AsMessage(m.D)
}

// Action is the addressing component of a Message. A string action of
// length >= 2 is tried whole before being treated as a path; a decoded
// sequence is always a path. Action keeps both representations because
// dispatch routing depends on knowing whether the action arrived as a
// single string or as an explicit sequence.
type Action struct {
	// Str is set when the action was encoded as a single string.
	Str string
	// Path is the path-element decomposition, always populated.
	Path []string
	// fromString records whether this Action originated from a bare
	// string on the wire (as opposed to an explicit sequence).
	fromString bool
}

// NewAction builds a string-form action.
func NewAction(s string) Action {
	return Action{Str: s, Path: []string{s}, fromString: true}
}

// NewPath builds a sequence-form action.
func NewPath(p ...string) Action {
	return Action{Path: append([]string(nil), p...)}
}

// IsString reports whether this action was encoded as a bare string.
func (a Action) IsString() bool { return a.fromString }

// Empty reports whether the action addresses nothing (default handler).
func (a Action) Empty() bool { return len(a.Path) == 0 && a.Str == "" }

// MarshalCBOR implements cbor.Marshaler: a fromString Action round-trips as
// the bare string; anything else as a sequence of strings.
func (a Action) MarshalCBOR() ([]byte, error) {
	if a.fromString {
		return cborMode().Marshal(a.Str)
	}
	return cborMode().Marshal(a.Path)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (a *Action) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cborMode().Unmarshal(data, &s); err == nil {
		*a = NewAction(s)
		return nil
	}
	var p []string
	if err := cborMode().Unmarshal(data, &p); err != nil {
		return err
	}
	*a = NewPath(p...)
	return nil
}
