package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTCPConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialTCP(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted the connection")
	}
}

func TestDialTCPFailsOnUnreachableAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialTCP(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestDialUnixConnectsToListener(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialUnix(ctx, sockPath)
	require.NoError(t, err)
	conn.Close()
}

func TestListenTCPReturnsFirstConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	probe, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	resultC := make(chan error, 1)
	connC := make(chan net.Conn, 1)
	go func() {
		rw, err := ListenTCP(ctx, addr)
		if err != nil {
			resultC <- err
			return
		}
		connC <- rw.(net.Conn)
		resultC <- nil
	}()

	// give ListenTCP a moment to bind before dialing.
	time.Sleep(50 * time.Millisecond)
	d := net.Dialer{}
	client, err := d.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, <-resultC)
	srv := <-connC
	defer srv.Close()
}

func TestListenTCPHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lc := net.ListenConfig{}
	probe, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	errC := make(chan error, 1)
	go func() {
		_, err := ListenTCP(ctx, addr)
		errC <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenTCP did not honour context cancellation")
	}
}

func TestStdioWrapsStdFiles(t *testing.T) {
	rw := Stdio()
	s, ok := rw.(stdio)
	require.True(t, ok)
	assert.Equal(t, os.Stdin, s.in)
	assert.Equal(t, os.Stdout, s.out)
}

func TestOpenSerialFailsForMissingPath(t *testing.T) {
	_, err := OpenSerial(filepath.Join(t.TempDir(), "no-such-device"))
	assert.Error(t, err)
}
