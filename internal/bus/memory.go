// Package bus provides the message bus backends the pipeline stages run on.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// DefaultMaxPending bounds the unacked backlog Memory keeps per topic.
const DefaultMaxPending = 100_000

// Memory is an in-process bus. Every published message is both pushed
// synchronously to subscribers and retained for Consume until acked;
// the two are independent consumers of the same topic. RetainOnly limits
// retention to selected topics.
type Memory struct {
	logger     zerolog.Logger
	maxPending int
	retain     func(topic string) bool

	mu      sync.Mutex
	seq     uint64
	pending map[string][]*memoryMessage
	subs    map[string][]core.Handler
	closed  bool
}

// NewMemory creates an in-memory bus. maxPending <= 0 uses DefaultMaxPending.
func NewMemory(logger zerolog.Logger, maxPending int) *Memory {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Memory{
		logger:     logger.With().Str("component", "memory_bus").Logger(),
		maxPending: maxPending,
		pending:    make(map[string][]*memoryMessage),
		subs:       make(map[string][]core.Handler),
	}
}

// Publish appends a copy of data to topic and dispatches it to subscribers.
func (b *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	msg := &memoryMessage{bus: b, topic: topic, seq: b.seq, data: slices.Clone(data)}
	if b.retain == nil || b.retain(topic) {
		queue := append(b.pending[topic], msg)
		if over := len(queue) - b.maxPending; over > 0 {
			b.logger.Debug().Str("topic", topic).Int("dropped", over).Msg("pending backlog full, dropping oldest")
			queue = slices.Clone(queue[over:])
		}
		b.pending[topic] = queue
	}
	handlers := slices.Clone(b.subs[topic])
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(ctx, topic, h, msg.data)
	}
	return nil
}

func (b *Memory) dispatch(ctx context.Context, topic string, h core.Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("topic", topic).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	if err := h(ctx, slices.Clone(data)); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("subscriber failed")
	}
}

// Consume returns a snapshot of the unacked messages on topic, oldest first.
func (b *Memory) Consume(ctx context.Context, topic string) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	queue := b.pending[topic]
	out := make([]core.Message, len(queue))
	for i, m := range queue {
		out[i] = m
	}
	return out, nil
}

// RetainOnly keeps messages for Consume only on topics keep selects.
// Other topics are delivered to subscribers and then forgotten. Messages
// already retained are unaffected.
func (b *Memory) RetainOnly(keep func(topic string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retain = keep
}

// Subscribe registers h for every subsequent message on topic.
func (b *Memory) Subscribe(_ context.Context, topic string, h core.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], h)
	b.logger.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

// Pending returns the number of unacked messages on topic.
func (b *Memory) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[topic])
}

// Close drops all subscriptions. Further calls fail with ErrClosed.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[string][]core.Handler{}
	return nil
}

func (b *Memory) ack(m *memoryMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.pending[m.topic]
	if i := slices.IndexFunc(queue, func(p *memoryMessage) bool { return p.seq == m.seq }); i >= 0 {
		b.pending[m.topic] = slices.Delete(queue, i, i+1)
	}
}

type memoryMessage struct {
	bus   *Memory
	topic string
	seq   uint64
	data  []byte
}

func (m *memoryMessage) Data() []byte { return slices.Clone(m.data) }

func (m *memoryMessage) Ack() error {
	m.bus.ack(m)
	return nil
}

// Nak leaves the message pending.
func (m *memoryMessage) Nak() error { return nil }

func (m *memoryMessage) String() string { return fmt.Sprintf("%s#%d", m.topic, m.seq) }
