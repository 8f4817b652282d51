// Package frame recovers message boundaries inside a byte stream that may
// also carry a debug console. It implements two interchangeable framings:
// a sentinel-prefixed framing for reliable byte transports (TCP, USB-CDC)
// and a start/length/CRC packet framing for lossy links (UART).
//
// Both sit directly on an io.ReadWriter and hand console bytes (anything
// read outside a message) to a Console sink instead of discarding them,
// the way stream/stream.go multiplexes its frame stream with out-of-band
// bytes.
package frame

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrCorruptFrame is returned by PacketFramer.Send for a message too long
// for the 16-bit length field. A received packet that fails its CRC produces
// no error: PacketFramer.Recv drops it and keeps hunting.
var ErrCorruptFrame = errors.New("frame: corrupt packet")

// Framer converts a byte stream into discrete message bytestrings and back.
// Implementations are safe for concurrent Sends (writes are serialised
// internally by a single-holder lock) alongside one Recv at a time.
type Framer interface {
	// Send writes one message as a single frame.
	Send(msg []byte) error
	// Recv reads the next complete message, blocking until one arrives.
	Recv() ([]byte, error)
	// Close releases the underlying transport.
	Close() error
}

// ConsoleSink receives bytes observed outside of message boundaries.
type ConsoleSink interface {
	ConsoleWrite(p []byte)
}

// ConsoleSinkFunc adapts a function to ConsoleSink.
type ConsoleSinkFunc func(p []byte)

func (f ConsoleSinkFunc) ConsoleWrite(p []byte) { f(p) }

// NopConsole discards console bytes.
var NopConsole ConsoleSink = ConsoleSinkFunc(func([]byte) {})

type writeLock struct {
	mu sync.Mutex
	w  io.Writer
}

func (wl *writeLock) write(chunks ...[]byte) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	for _, c := range chunks {
		if _, err := wl.w.Write(c); err != nil {
			return err
		}
	}
	return nil
}

func newBufReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReaderSize(r, 4096)
}

var logFrame = log.WithPrefix("frame")
