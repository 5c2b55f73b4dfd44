package store

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpanic/netpanic/internal/bus"
	"github.com/netpanic/netpanic/internal/core"
)

func exerciseStore(t *testing.T, s core.Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.List(ctx, CollectionFindings)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, ok, err := s.Get(ctx, CollectionFindings, "find-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, CollectionFindings, "find-b", []byte(`{"id":"b"}`)))
	require.NoError(t, s.Put(ctx, CollectionFindings, "find-a", []byte(`{"id":"a"}`)))
	require.NoError(t, s.Put(ctx, CollectionInsights, "ins-a", []byte(`{"id":"ins"}`)))

	v, ok, err := s.Get(ctx, CollectionFindings, "find-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"a"}`, string(v))

	// Upsert by id keeps one record.
	require.NoError(t, s.Put(ctx, CollectionFindings, "find-a", []byte(`{"id":"a2"}`)))
	list, err := s.List(ctx, CollectionFindings)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.JSONEq(t, `{"id":"a2"}`, string(list[0]))
	assert.JSONEq(t, `{"id":"b"}`, string(list[1]))

	insights, err := s.List(ctx, CollectionInsights)
	require.NoError(t, err)
	assert.Len(t, insights, 1)
}

// ─── Backends ───────────────────────────────────────────────────────────────

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_CopiesValues(t *testing.T) {
	s := NewMemory()
	buf := []byte(`{"x":1}`)
	require.NoError(t, s.Put(context.Background(), "c", "k", buf))
	buf[2] = 'y'
	v, _, _ := s.Get(context.Background(), "c", "k")
	assert.Equal(t, `{"x":1}`, string(v))
}

func TestJetStreamKV(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	b, err := bus.NewJetStream(core.BusConfig{
		Embedded: true,
		DataDir:  t.TempDir(),
		Port:     server.RANDOM_PORT,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s, err := Open(core.StoreConfig{Backend: "nats", Bucket: "netpanic-test"}, b)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	s, err := Open(core.StoreConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(core.StoreConfig{Backend: "nats"}, bus.NewMemory(zerolog.Nop(), 0))
	assert.ErrorContains(t, err, "requires the nats bus backend")

	_, err = Open(core.StoreConfig{Backend: "redis"}, nil)
	assert.ErrorContains(t, err, "unknown store backend")
}
