package reliable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M-o-a-T/moat-micro/codec"
	"github.com/M-o-a-T/moat-micro/internal/worker"
)

// memLink is an in-memory Link connecting two Channels directly, with an
// optional drop hook standing in for a lossy transport.
type memLink struct {
	out  chan codec.Message
	in   chan codec.Message
	drop func(codec.Message) bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *memLink) Send(msg codec.Message) error {
	if m.drop != nil && m.drop(msg) {
		return nil
	}
	select {
	case m.out <- msg:
		return nil
	case <-m.closed:
		return errors.New("memLink: closed")
	}
}

func (m *memLink) Recv() (codec.Message, error) {
	select {
	case msg := <-m.in:
		return msg, nil
	case <-m.closed:
		return codec.Message{}, errors.New("memLink: closed")
	}
}

func (m *memLink) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// linkedPair builds two memLinks wired to each other's channels.
func linkedPair() (a, b *memLink) {
	ab := make(chan codec.Message, 256)
	ba := make(chan codec.Message, 256)
	a = &memLink{out: ab, in: ba, closed: make(chan struct{})}
	b = &memLink{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

const testTimeout = 50 * time.Millisecond

func waitUp(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Up():
	case <-time.After(5 * time.Second):
		t.Fatal("channel never came up")
	}
}

func TestChannelResetHandshakeReachesUp(t *testing.T) {
	a, b := linkedPair()
	groupA := worker.NewGroup(context.Background())
	groupB := worker.NewGroup(context.Background())

	chA := Open(groupA, a, 8, testTimeout)
	chB := Open(groupB, b, 8, testTimeout)
	defer chA.Close()
	defer chB.Close()

	waitUp(t, chA)
	waitUp(t, chB)
}

func TestChannelInOrderDeliveryUnderLoss(t *testing.T) {
	a, b := linkedPair()

	// drop the first transmission of each sequence number crossing a->b,
	// forcing the retransmit path to fire. With window 8 the seqs wrap, so
	// the first eight messages are each dropped once and the last two get
	// through on their first transmission.
	var mu sync.Mutex
	seen := make(map[uint16]bool)
	a.drop = func(m codec.Message) bool {
		if m.S == nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[*m.S] {
			return false
		}
		seen[*m.S] = true
		return true
	}

	groupA := worker.NewGroup(context.Background())
	groupB := worker.NewGroup(context.Background())

	chA := Open(groupA, a, 8, testTimeout)
	chB := Open(groupB, b, 8, testTimeout)
	defer chA.Close()
	defer chB.Close()
	waitUp(t, chA)
	waitUp(t, chB)

	const n = 10
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// one sender goroutine, so the send order is payload-0..payload-9.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			err := chA.Send(ctx, codec.Message{D: fmt.Sprintf("payload-%d", i)})
			assert.NoError(t, err)
		}
	}()

	got := make([]string, 0, n)
	for i := 0; i < n; i++ {
		m, err := chB.Recv(ctx)
		require.NoError(t, err)
		got = append(got, m.D.(string))
	}
	wg.Wait()

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("payload-%d", i)
	}
	assert.Equal(t, want, got)
}

func TestChannelConcurrentBidirectionalDelivery(t *testing.T) {
	a, b := linkedPair()
	groupA := worker.NewGroup(context.Background())
	groupB := worker.NewGroup(context.Background())

	chA := Open(groupA, a, 8, testTimeout)
	chB := Open(groupB, b, 8, testTimeout)
	defer chA.Close()
	defer chB.Close()
	waitUp(t, chA)
	waitUp(t, chB)

	const n = 6
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	send := func(ch *Channel, prefix string) {
		for i := 0; i < n; i++ {
			require.NoError(t, ch.Send(ctx, codec.Message{D: fmt.Sprintf("%s-%d", prefix, i)}))
		}
	}
	go send(chA, "a2b")
	go send(chB, "b2a")

	recv := func(ch *Channel, prefix string) []string {
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			m, err := ch.Recv(ctx)
			require.NoError(t, err)
			out = append(out, m.D.(string))
		}
		return out
	}

	var atB, bAtA []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); atB = recv(chB, "a2b") }()
	go func() { defer wg.Done(); bAtA = recv(chA, "b2a") }()
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("a2b-%d", i), atB[i])
		assert.Equal(t, fmt.Sprintf("b2a-%d", i), bAtA[i])
	}
}

func TestChannelCloseUnblocksRecv(t *testing.T) {
	a, b := linkedPair()
	groupA := worker.NewGroup(context.Background())
	groupB := worker.NewGroup(context.Background())

	chA := Open(groupA, a, 8, testTimeout)
	chB := Open(groupB, b, 8, testTimeout)
	defer chB.Close()
	waitUp(t, chA)
	waitUp(t, chB)

	require.NoError(t, chA.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := chA.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
