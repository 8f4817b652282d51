package frame

import (
	"bufio"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// DefaultSentinel is the default prefix byte. 0xC1 is a never-used byte in
// MessagePack; in CBOR it is the head of tag 1 (major type 6), a lead byte
// no encoded Message starts with, since a Message always encodes as a map.
const DefaultSentinel = 0xC1

// PrefixFramer implements prefix framing: each message is one sentinel byte
// followed by exactly one codec-encoded value. Any byte read outside a
// message that isn't the sentinel is delivered to the console sink.
type PrefixFramer struct {
	sentinel byte
	br       *bufio.Reader
	dec      *cbor.Decoder
	wl       *writeLock
	console  ConsoleSink
	closer   io.Closer
}

// NewPrefixFramer wraps rw. If sentinel is 0, DefaultSentinel is used. A
// nil console discards out-of-band bytes.
func NewPrefixFramer(rw io.ReadWriter, sentinel byte, console ConsoleSink) *PrefixFramer {
	if sentinel == 0 {
		sentinel = DefaultSentinel
	}
	if console == nil {
		console = NopConsole
	}
	closer, _ := rw.(io.Closer)
	br := newBufReader(rw)
	return &PrefixFramer{
		sentinel: sentinel,
		br:       br,
		dec:      cbor.NewDecoder(br),
		wl:       &writeLock{w: rw},
		console:  console,
		closer:   closer,
	}
}

// Send writes msg (already codec-encoded) preceded by the sentinel byte.
func (f *PrefixFramer) Send(msg []byte) error {
	return f.wl.write([]byte{f.sentinel}, msg)
}

// Recv hunts for the sentinel, forwarding every other byte to the console
// sink, then reads exactly one CBOR data item and returns its raw encoding.
func (f *PrefixFramer) Recv() ([]byte, error) {
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != f.sentinel {
			f.console.ConsoleWrite([]byte{b})
			continue
		}
		var raw cbor.RawMessage
		if err := f.dec.Decode(&raw); err != nil {
			// A malformed value after a sentinel is spurious data;
			// frame-level corruption is swallowed, not surfaced. Resume
			// sentinel hunting rather than propagating the error.
			logFrame.Warn("prefix: dropping malformed frame", "err", err)
			continue
		}
		return []byte(raw), nil
	}
}

// Close closes the underlying transport if it supports io.Closer.
func (f *PrefixFramer) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}
