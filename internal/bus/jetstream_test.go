package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpanic/netpanic/internal/core"
)

func newEmbeddedBus(t *testing.T) *JetStream {
	t.Helper()
	b, err := NewJetStream(core.BusConfig{
		Embedded: true,
		DataDir:  t.TempDir(),
		Port:     server.RANDOM_PORT,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// ─── JetStream ──────────────────────────────────────────────────────────────

func TestJetStream_ConsumeAckNak(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	ctx := context.Background()
	b := newEmbeddedBus(t)
	require.True(t, b.IsConnected())

	empty, err := b.Consume(ctx, core.TopicDLQDetector)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, b.Publish(ctx, core.TopicDLQDetector, []byte(`{"n":1}`)))
	require.NoError(t, b.Publish(ctx, core.TopicDLQDetector, []byte(`{"n":2}`)))

	msgs, err := b.Consume(ctx, core.TopicDLQDetector)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Data()))

	require.NoError(t, msgs[0].Ack())
	require.NoError(t, msgs[1].Nak())

	require.Eventually(t, func() bool {
		again, err := b.Consume(ctx, core.TopicDLQDetector)
		if err != nil || len(again) != 1 {
			return false
		}
		ok := string(again[0].Data()) == `{"n":2}`
		_ = again[0].Nak()
		return ok
	}, 5*time.Second, 100*time.Millisecond)
}

func TestJetStream_Subscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	ctx := context.Background()
	b := newEmbeddedBus(t)

	var mu sync.Mutex
	var got []string
	require.NoError(t, b.Subscribe(ctx, core.TopicFindings, func(_ context.Context, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
		return nil
	}))

	require.NoError(t, b.Publish(ctx, core.TopicFindings, []byte("f1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "f1"
	}, 5*time.Second, 50*time.Millisecond)
}
