package frame

import (
	"bufio"
	"encoding/binary"
	"io"
)

// DefaultPacketStart is the start byte for packet framing.
const DefaultPacketStart = 0x85

const maxPacketLen = 1 << 16

// PacketFramer implements the fixed start/length/payload/CRC framing used
// over lossy links (UART): start byte, 16-bit big-endian length, payload,
// 16-bit big-endian CRC-CCITT over len||payload. Bytes observed between
// frames (not matching the start byte at the point a frame should begin)
// are delivered to the console sink; corrupt frames are dropped silently,
// relying on the reliable layer above to retransmit.
type PacketFramer struct {
	start   byte
	br      *bufio.Reader
	wl      *writeLock
	console ConsoleSink
	closer  io.Closer
}

// NewPacketFramer wraps rw. If start is 0, DefaultPacketStart is used.
func NewPacketFramer(rw io.ReadWriter, start byte, console ConsoleSink) *PacketFramer {
	if start == 0 {
		start = DefaultPacketStart
	}
	if console == nil {
		console = NopConsole
	}
	closer, _ := rw.(io.Closer)
	return &PacketFramer{
		start:   start,
		br:      newBufReader(rw),
		wl:      &writeLock{w: rw},
		console: console,
		closer:  closer,
	}
}

// Send wraps msg in the start/len/payload/crc envelope and writes it as one
// locked sequence so frames never interleave on a shared transport.
func (f *PacketFramer) Send(msg []byte) error {
	if len(msg) >= maxPacketLen {
		return ErrCorruptFrame
	}
	header := make([]byte, 3)
	header[0] = f.start
	binary.BigEndian.PutUint16(header[1:], uint16(len(msg)))

	crcBuf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(crcBuf[:2], uint16(len(msg)))
	copy(crcBuf[2:], msg)
	crc := crcCCITT(crcBuf)
	trailer := make([]byte, 2)
	binary.BigEndian.PutUint16(trailer, crc)

	return f.wl.write(header, msg, trailer)
}

// Recv hunts for the start byte (delivering misses to the console sink),
// reads the length-prefixed payload and CRC, and returns the payload.
// Frames that fail their CRC are dropped and hunting resumes; the caller
// never sees the corruption.
func (f *PacketFramer) Recv() ([]byte, error) {
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != f.start {
			f.console.ConsoleWrite([]byte{b})
			continue
		}

		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(f.br, lenBuf); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint16(lenBuf)

		payload := make([]byte, length)
		if _, err := io.ReadFull(f.br, payload); err != nil {
			return nil, err
		}

		crcBuf := make([]byte, 2)
		if _, err := io.ReadFull(f.br, crcBuf); err != nil {
			return nil, err
		}
		wantCRC := binary.BigEndian.Uint16(crcBuf)

		check := make([]byte, 2+len(payload))
		copy(check, lenBuf)
		copy(check[2:], payload)
		if crcCCITT(check) != wantCRC {
			logFrame.Warn("packet: dropping corrupt frame", "len", length)
			continue
		}
		return payload, nil
	}
}

// Close closes the underlying transport if it supports io.Closer.
func (f *PacketFramer) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}
