package replay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpanic/netpanic/internal/bus"
	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
)

func envelope(t *testing.T, ids []string, original string) []byte {
	t.Helper()
	env := core.NewDeadLetter(core.TopicNormalized, "corr-001", errors.New("error in rule detect_brute_force: kaboom"),
		core.ErrorTypeRule, ids, json.RawMessage(original), time.Date(2026, 1, 15, 10, 0, 5, 0, time.UTC))
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func setup(t *testing.T) (*Replayer, *bus.Memory, *metrics.Pipeline) {
	t.Helper()
	b := bus.NewMemory(zerolog.Nop(), 0)
	m := metrics.New()
	r, err := NewReplayer(b, 0, m, zerolog.Nop())
	require.NoError(t, err)
	return r, b, m
}

func publish(t *testing.T, b *bus.Memory, topic string, data []byte) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), topic, data))
}

// ─── Replay ─────────────────────────────────────────────────────────────────

func TestReplay_PublishesOriginals(t *testing.T) {
	r, b, _ := setup(t)
	publish(t, b, core.TopicDLQDetector, envelope(t, []string{"evt-1"}, `{"events":[{"event_id":"evt-1"}]}`))

	replayed, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "corr-001", replayed[0].CorrelationID)

	target, _ := b.Consume(context.Background(), core.TopicNormalized)
	require.Len(t, target, 1)
	assert.JSONEq(t, `{"events":[{"event_id":"evt-1"}]}`, string(target[0].Data()))
	assert.Zero(t, b.Pending(core.TopicDLQDetector), "replayed envelopes are acked")
}

func TestReplay_EmptyTopic(t *testing.T) {
	r, _, _ := setup(t)
	replayed, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.NotNil(t, replayed)
	assert.Empty(t, replayed)
}

func TestReplay_SkipsEnvelopesWithoutOriginal(t *testing.T) {
	r, b, m := setup(t)
	publish(t, b, core.TopicDLQDetector, []byte(`{"schema_version":"1.0","dlq_id":"dlq-bad","error":"oops"}`))
	publish(t, b, core.TopicDLQDetector, []byte(`{"dlq_id":"dlq-null","original_event":null}`))
	publish(t, b, core.TopicDLQDetector, []byte(`not json`))

	replayed, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, replayed)
	assert.Zero(t, b.Pending(core.TopicNormalized))
	assert.Equal(t, 3, b.Pending(core.TopicDLQDetector), "malformed envelopes stay for inspection")

	want := `
# HELP netpanic_replayed_total Dead-letter envelopes handled by replay, by mode.
# TYPE netpanic_replayed_total counter
netpanic_replayed_total{mode="skipped"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(want), "netpanic_replayed_total"))
}

func TestReplay_MultipleMessages(t *testing.T) {
	r, b, _ := setup(t)
	publish(t, b, core.TopicDLQDetector, envelope(t, []string{"evt-1"}, `{"a":1}`))
	publish(t, b, core.TopicDLQDetector, envelope(t, []string{"evt-2"}, `{"b":2}`))
	publish(t, b, core.TopicDLQDetector, []byte(`{"dlq_id":"dlq-bad"}`))

	replayed, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, replayed, 2)

	target, _ := b.Consume(context.Background(), core.TopicNormalized)
	require.Len(t, target, 2)
	assert.JSONEq(t, `{"a":1}`, string(target[0].Data()))
	assert.JSONEq(t, `{"b":2}`, string(target[1].Data()))
}

func TestReplay_DryRun(t *testing.T) {
	r, b, m := setup(t)
	publish(t, b, core.TopicDLQDetector, envelope(t, []string{"evt-1"}, `{"a":1}`))
	publish(t, b, core.TopicDLQDetector, envelope(t, []string{"evt-2"}, `{"b":2}`))

	opts := DefaultOptions()
	opts.DryRun = true
	replayed, err := r.Replay(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, replayed, 2, "dry run still returns the envelopes")
	assert.Zero(t, b.Pending(core.TopicNormalized), "dry run publishes nothing")
	assert.Equal(t, 2, b.Pending(core.TopicDLQDetector), "dry run leaves the DLQ untouched")
	assert.Zero(t, r.Remembered())

	want := `
# HELP netpanic_replayed_total Dead-letter envelopes handled by replay, by mode.
# TYPE netpanic_replayed_total counter
netpanic_replayed_total{mode="dry_run"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(want), "netpanic_replayed_total"))

	// A real run afterwards still sees everything.
	replayed, err = r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, replayed, 2)
	assert.Equal(t, 2, b.Pending(core.TopicNormalized))
}

func TestReplay_SecondRunIsNoop(t *testing.T) {
	r, b, _ := setup(t)
	publish(t, b, core.TopicDLQDetector, envelope(t, []string{"evt-1"}, `{"a":1}`))

	first, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, b.Pending(core.TopicNormalized))
}

func TestReplay_DuplicateDLQIDSkipped(t *testing.T) {
	r, b, _ := setup(t)
	dup := envelope(t, []string{"evt-1", "evt-2"}, `{"a":1}`)
	publish(t, b, core.TopicDLQDetector, dup)
	publish(t, b, core.TopicDLQDetector, dup)

	replayed, err := r.Replay(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, replayed, 1)
	assert.Equal(t, 1, b.Pending(core.TopicNormalized))
	assert.Zero(t, b.Pending(core.TopicDLQDetector), "duplicate is acked")
	assert.Equal(t, 1, r.Remembered())
}

func TestReplay_CustomTopics(t *testing.T) {
	r, b, _ := setup(t)
	publish(t, b, core.TopicDLQNormalizer, envelope(t, []string{"evt-9"}, `{"event_id":"evt-9"}`))

	replayed, err := r.Replay(context.Background(), Options{DLQTopic: core.TopicDLQNormalizer, TargetTopic: core.TopicRawSyslog})
	require.NoError(t, err)
	assert.Len(t, replayed, 1)
	assert.Equal(t, 1, b.Pending(core.TopicRawSyslog))
}

func TestReplay_ClosedBus(t *testing.T) {
	r, b, _ := setup(t)
	b.Close()
	_, err := r.Replay(context.Background(), DefaultOptions())
	assert.ErrorIs(t, err, bus.ErrClosed)
}
