package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpanic/netpanic/internal/core"
)

// ─── Memory ─────────────────────────────────────────────────────────────────

func TestMemory_ConsumeEmptyTopic(t *testing.T) {
	b := NewMemory(zerolog.Nop(), 0)
	msgs, err := b.Consume(context.Background(), "dlq.detector.v1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemory_PublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop(), 0)

	require.NoError(t, b.Publish(ctx, "t", []byte("one")))
	require.NoError(t, b.Publish(ctx, "t", []byte("two")))

	msgs, err := b.Consume(ctx, "t")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", string(msgs[0].Data()))
	assert.Equal(t, "two", string(msgs[1].Data()))

	require.NoError(t, msgs[0].Ack())
	require.NoError(t, msgs[1].Nak())

	again, err := b.Consume(ctx, "t")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "two", string(again[0].Data()))
}

func TestMemory_PublishCopiesPayload(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop(), 0)
	data := []byte("abc")
	require.NoError(t, b.Publish(ctx, "t", data))
	data[0] = 'X'

	msgs, _ := b.Consume(ctx, "t")
	assert.Equal(t, "abc", string(msgs[0].Data()))
}

func TestMemory_SubscribeDispatch(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop(), 0)

	var got []string
	require.NoError(t, b.Subscribe(ctx, "t", func(_ context.Context, data []byte) error {
		got = append(got, string(data))
		return nil
	}))
	require.NoError(t, b.Subscribe(ctx, "t", func(context.Context, []byte) error {
		return errors.New("ignored")
	}))
	require.NoError(t, b.Subscribe(ctx, "t", func(context.Context, []byte) error {
		panic("boom")
	}))

	require.NoError(t, b.Publish(ctx, "t", []byte("hello")))
	require.NoError(t, b.Publish(ctx, "other", []byte("nope")))

	assert.Equal(t, []string{"hello"}, got)
	assert.Equal(t, 1, b.Pending("t"), "push delivery must not ack the pull backlog")
}

func TestMemory_NestedPublish(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop(), 0)

	require.NoError(t, b.Subscribe(ctx, "a", func(ctx context.Context, data []byte) error {
		return b.Publish(ctx, "b", append(data, '!'))
	}))
	var got string
	require.NoError(t, b.Subscribe(ctx, "b", func(_ context.Context, data []byte) error {
		got = string(data)
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "a", []byte("hi")))
	assert.Equal(t, "hi!", got)
}

func TestMemory_MaxPending(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop(), 2)
	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "t", []byte(s)))
	}
	msgs, _ := b.Consume(ctx, "t")
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", string(msgs[0].Data()))
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(zerolog.Nop(), 0)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, "t", nil), ErrClosed)
	_, err := b.Consume(ctx, "t")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamFor(t *testing.T) {
	assert.Equal(t, DLQStream, StreamFor("dlq.detector.v1"))
	assert.Equal(t, PipelineStream, StreamFor("events.normalized.v1"))
}

func TestMemory_RetainOnly(t *testing.T) {
	b := NewMemory(zerolog.Nop(), 0)
	b.RetainOnly(core.IsDeadLetterTopic)

	var delivered int
	require.NoError(t, b.Subscribe(context.Background(), core.TopicFindings, func(context.Context, []byte) error {
		delivered++
		return nil
	}))
	require.NoError(t, b.Publish(context.Background(), core.TopicFindings, []byte(`{"a":1}`)))
	require.NoError(t, b.Publish(context.Background(), core.TopicDLQAnalyzer, []byte(`{"b":2}`)))

	assert.Equal(t, 1, delivered, "subscribers still see unretained topics")
	assert.Zero(t, b.Pending(core.TopicFindings))
	msgs, err := b.Consume(context.Background(), core.TopicDLQAnalyzer)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"b":2}`, string(msgs[0].Data()))
}

func TestOpen(t *testing.T) {
	b, err := Open(core.BusConfig{Backend: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, core.TopicNormalized, []byte(`{}`)))
	require.NoError(t, b.Publish(ctx, core.TopicDLQDetector, []byte(`{}`)))
	mem := b.(*Memory)
	assert.Zero(t, mem.Pending(core.TopicNormalized), "stage topics are not retained")
	assert.Equal(t, 1, mem.Pending(core.TopicDLQDetector))

	_, err = Open(core.BusConfig{Backend: "kafka"}, zerolog.Nop())
	assert.ErrorContains(t, err, `unknown bus backend "kafka"`)
}
