package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTripActionString(t *testing.T) {
	id := int64(7)
	m := Message{A: NewAction("ping"), I: &id, D: "hello"}

	b, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	assert.True(t, got.A.IsString())
	assert.Equal(t, "ping", got.A.Str)
	require.NotNil(t, got.I)
	assert.Equal(t, id, *got.I)
	assert.Equal(t, "hello", got.D)
}

func TestMessageRoundTripActionPath(t *testing.T) {
	m := Message{A: NewPath("sys", "cfg"), D: map[string]any{"p": []any{"a"}}}

	b, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	assert.False(t, got.A.IsString())
	assert.Equal(t, []string{"sys", "cfg"}, got.A.Path)
}

func TestMessageOmitsAbsentFields(t *testing.T) {
	m := Message{}
	b, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	assert.True(t, got.A.Empty())
	assert.Nil(t, got.I)
	assert.Nil(t, got.S)
	assert.Nil(t, got.R)
	assert.Nil(t, got.N)
	assert.Nil(t, got.C)
}

func TestReliableConfigRoundTrip(t *testing.T) {
	n := uint8(2)
	m := Message{A: NewAction("r"), N: &n, C: &ReliableConfig{T: 1000, M: 8}}

	b, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	require.NotNil(t, got.N)
	assert.Equal(t, n, *got.N)
	require.NotNil(t, got.C)
	assert.Equal(t, 1000, got.C.T)
	assert.Equal(t, 8, got.C.M)
}

func TestTableProxyRoundTrip(t *testing.T) {
	tbl := NewTable()
	obj := &struct{ X int }{X: 1}
	tbl.Register("thing", obj)

	wire, err := tbl.Encode(obj)
	require.NoError(t, err)
	ref, ok := wire.(ProxyRef)
	require.True(t, ok)
	assert.Equal(t, "thing", ref.Name)

	back, err := tbl.Decode(ref)
	require.NoError(t, err)
	assert.Same(t, obj, back)
}

func TestTableAutoProxyAllocatesName(t *testing.T) {
	tbl := NewTable()
	obj := &struct{ X int }{X: 2}

	wire, err := tbl.Encode(obj)
	require.NoError(t, err)
	ref, ok := wire.(ProxyRef)
	require.True(t, ok)
	assert.NotEmpty(t, ref.Name)

	resolved := tbl.Resolve(ref.Name)
	assert.Same(t, obj, resolved)
}

func TestTableResolveUnknownNameYieldsPlaceholder(t *testing.T) {
	tbl := NewTable()
	v := tbl.Resolve("nonexistent")
	ph, ok := v.(Placeholder)
	require.True(t, ok)
	assert.Equal(t, "nonexistent", ph.Name)
}

func TestTableEvictsLeastRecentlyResolvedAutoEntry(t *testing.T) {
	tbl := NewTable()
	tbl.maxAuto = 2

	first, _ := tbl.Encode(&struct{ X int }{1})
	_, _ = tbl.Encode(&struct{ X int }{2})
	_, _ = tbl.Encode(&struct{ X int }{3})

	name := first.(ProxyRef).Name
	_, stillThere := tbl.byName[name]
	assert.False(t, stillThere)
}
