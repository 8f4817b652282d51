package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback is an io.ReadWriter splicing writes into a buffer a reader can
// drain, standing in for a real transport in framer tests.
type loopback struct {
	buf bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.buf.Read(p) }

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPrefixFramerRoundTrip(t *testing.T) {
	rw := &loopback{}
	fr := NewPrefixFramer(rw, 0, nil)

	msg := mustEncode(t, []byte{0x01, 0x02, 0x03})
	require.NoError(t, fr.Send(msg))
	got, err := fr.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

// TestPrefixFramerByteTransparency verifies the literal sys.test probe
// round-trips through prefix framing unmangled once it is itself a valid
// CBOR-encoded byte string (as it would arrive from the codec layer above).
func TestPrefixFramerByteTransparency(t *testing.T) {
	probe := []byte("r\rn\n-\x00x\x0ce\x1b!")
	rw := &loopback{}
	fr := NewPrefixFramer(rw, 0, nil)

	msg := mustEncode(t, probe)
	require.NoError(t, fr.Send(msg))
	got, err := fr.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	var decoded []byte
	require.NoError(t, cbor.Unmarshal(got, &decoded))
	assert.Equal(t, probe, decoded)
}

func TestPrefixFramerDeliversConsoleBytes(t *testing.T) {
	var console bytes.Buffer
	rw := &loopback{}
	rw.buf.WriteString("hello")
	msg := mustEncode(t, uint64(0x42))
	rw.buf.Write([]byte{DefaultSentinel})
	rw.buf.Write(msg)

	fr := NewPrefixFramer(rw, 0, ConsoleSinkFunc(func(p []byte) { console.Write(p) }))

	got, err := fr.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Equal(t, "hello", console.String())
}

func TestPacketFramerRoundTrip(t *testing.T) {
	rw := &loopback{}
	fr := NewPacketFramer(rw, 0, nil)

	payload := []byte("reliable over uart")
	require.NoError(t, fr.Send(payload))
	got, err := fr.Recv()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPacketFramerDropsCorruptFrameAndResumesHunting(t *testing.T) {
	rw := &loopback{}
	fr := NewPacketFramer(rw, 0, nil)

	require.NoError(t, fr.Send([]byte("first")))
	// corrupt the trailing CRC byte of the first frame in the buffer.
	raw := rw.buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	require.NoError(t, fr.Send([]byte("second")))

	got, err := fr.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

var _ io.ReadWriter = (*loopback)(nil)
