package stack

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M-o-a-T/moat-micro/codec"
	"github.com/M-o-a-T/moat-micro/dispatch"
)

func newStackPair(t *testing.T, satCfg *dispatch.Cfg) (host, sat *Stack) {
	t.Helper()
	connA, connB := net.Pipe()

	ctx := context.Background()
	host, err := New(ctx, connA, Config{})
	require.NoError(t, err)
	sat, err = New(ctx, connB, Config{Cfg: satCfg})
	require.NoError(t, err)

	t.Cleanup(func() {
		host.Close()
		sat.Close()
	})
	return host, sat
}

func TestStackSysTestRoundTripsExactProbeBytes(t *testing.T) {
	host, _ := newStackPair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := host.Send(ctx, codec.NewPath("sys", "test"), nil)
	require.NoError(t, err)
	assert.Equal(t, testBytes, res)
}

func TestStackSysPingEchoesWithPrefix(t *testing.T) {
	host, _ := newStackPair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := host.Send(ctx, codec.NewPath("sys", "ping"), "hi")
	require.NoError(t, err)
	assert.Equal(t, "R:hi", res)
}

func TestStackSysCfgRReadsSatelliteConfig(t *testing.T) {
	satCfg := dispatch.NewCfg(map[string]any{
		"net": map[string]any{"host": "example"},
	})
	host, _ := newStackPair(t, satCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := host.Send(ctx, codec.NewPath("sys", "cfg_r"), map[string]any{
		"p": []any{"net", "host"},
	})
	require.NoError(t, err)
	pair := res.([]any)
	assert.Equal(t, "example", pair[0])
}

func TestStackSysCfgWritesSatelliteConfig(t *testing.T) {
	satCfg := dispatch.NewCfg(map[string]any{"net": map[string]any{"host": "old"}})
	host, sat := newStackPair(t, satCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := host.Send(ctx, codec.NewPath("sys", "cfg"), map[string]any{
		"p": []any{"net", "host"},
		"d": "new",
	})
	require.NoError(t, err)

	snap := sat.cfg.Snapshot().(map[string]any)
	netCfg := snap["net"].(map[string]any)
	assert.Equal(t, "new", netCfg["host"])
}

func TestStackSysUnproxyDropsTableEntry(t *testing.T) {
	host, sat := newStackPair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sat.table.Register("thing", map[string]any{"k": "v"})

	_, err := host.Send(ctx, codec.NewPath("sys", "unproxy"), "thing")
	require.NoError(t, err)

	resolved := sat.table.Resolve("thing")
	assert.Equal(t, codec.Placeholder{Name: "thing"}, resolved)
}
