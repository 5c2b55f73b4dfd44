package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
)

// Stream names and the subjects they capture.
const (
	PipelineStream = "NETPANIC_PIPELINE"
	DLQStream      = "NETPANIC_DLQ"
)

var (
	pipelineSubjects = []string{"raw.>", "events.>", "findings.>", "insights.>"}
	dlqSubjects      = []string{"dlq.>"}
)

// fetchBatch and fetchWait bound one Fetch round during Consume.
const (
	fetchBatch = 256
	fetchWait  = 250 * time.Millisecond
)

// JetStream is a Bus backed by NATS JetStream, optionally running an
// embedded server.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	prefix string

	mu    sync.Mutex
	subs  []*nats.Subscription
	pulls map[string]*nats.Subscription
}

// NewJetStream connects to NATS (starting an embedded server when
// cfg.Embedded is set) and ensures the pipeline and DLQ streams exist.
func NewJetStream(cfg core.BusConfig, logger zerolog.Logger) (*JetStream, error) {
	b := &JetStream{
		logger: logger.With().Str("component", "jetstream_bus").Logger(),
		prefix: "netpanic",
		pulls:  make(map[string]*nats.Subscription),
	}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := startEmbedded(cfg)
		if err != nil {
			return nil, err
		}
		b.ns = ns
		url = ns.ClientURL()
		b.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("netpanic"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	b.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	b.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      PipelineStream,
			Subjects:  pipelineSubjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7,
			MaxBytes:  1024 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      DLQStream,
			Subjects:  dlqSubjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if err := b.ensureStream(sc); err != nil {
			b.Close()
			return nil, err
		}
	}

	b.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return b, nil
}

func startEmbedded(cfg core.BusConfig) (*server.Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating NATS data dir: %w", err)
	}
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within timeout")
	}
	return ns, nil
}

// ensureStream adds sc, updating it when a stream of that name exists
// with a different config.
func (b *JetStream) ensureStream(sc *nats.StreamConfig) error {
	if _, err := b.js.AddStream(sc); err != nil {
		if _, updateErr := b.js.UpdateStream(sc); updateErr != nil {
			return fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
		}
	}
	return nil
}

// KeyValue opens or creates a JetStream KV bucket on this connection.
func (b *JetStream) KeyValue(bucket string) (nats.KeyValue, error) {
	kv, err := b.js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = b.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, Storage: nats.FileStorage})
	}
	if err != nil {
		return nil, fmt.Errorf("opening KV bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Publish stores data on the stream capturing topic.
func (b *JetStream) Publish(ctx context.Context, topic string, data []byte) error {
	var opts []nats.PubOpt
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	}
	if _, err := b.js.Publish(topic, data, opts...); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	b.logger.Debug().Str("subject", topic).Int("bytes", len(data)).Msg("published")
	return nil
}

// Subscribe creates a durable push consumer for topic. Handler errors nak
// the message for redelivery.
func (b *JetStream) Subscribe(ctx context.Context, topic string, h core.Handler) error {
	durable := b.durableName("push", topic)
	sub, err := b.js.Subscribe(topic, func(msg *nats.Msg) {
		if err := b.handle(ctx, topic, h, msg.Data); err != nil {
			b.logger.Warn().Err(err).Str("subject", topic).Msg("handler failed, nak")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.AckExplicit(), nats.Durable(durable))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", topic).Str("durable", durable).Msg("subscribed")
	return nil
}

func (b *JetStream) handle(ctx context.Context, topic string, h core.Handler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s: %w", topic, core.Recovered(r))
		}
	}()
	return h(ctx, data)
}

// Consume fetches every message currently pending for topic on a durable
// pull consumer that survives restarts. Acked messages never return;
// unacked ones are redelivered after a Nak or the ack wait.
func (b *JetStream) Consume(ctx context.Context, topic string) ([]core.Message, error) {
	sub, err := b.pullSubscription(topic)
	if err != nil {
		return nil, err
	}

	var out []core.Message
	for {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("fetching from %s: %w", topic, err)
		}
		for _, m := range msgs {
			out = append(out, jetStreamMessage{m})
		}
		if len(msgs) < fetchBatch {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
}

func (b *JetStream) pullSubscription(topic string) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.pulls[topic]; ok {
		return sub, nil
	}

	stream := StreamFor(topic)
	durable := b.durableName("pull", topic)
	cc := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: topic,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxAckPending: -1,
	}
	// The consumer is created here rather than by PullSubscribe so that
	// Unsubscribe on Close leaves its ack state in place.
	if _, err := b.js.AddConsumer(stream, cc); err != nil {
		if _, infoErr := b.js.ConsumerInfo(stream, durable); infoErr != nil {
			return nil, fmt.Errorf("creating consumer %s: %w", durable, err)
		}
	}
	sub, err := b.js.PullSubscribe(topic, durable, nats.Bind(stream, durable))
	if err != nil {
		return nil, fmt.Errorf("binding pull consumer %s: %w", durable, err)
	}
	b.pulls[topic] = sub
	return sub, nil
}

func (b *JetStream) durableName(kind, topic string) string {
	return b.prefix + "-" + kind + "-" + strings.NewReplacer(".", "_", "*", "all", ">", "rest").Replace(topic)
}

// StreamFor returns the stream that captures topic.
func StreamFor(topic string) string {
	if strings.HasPrefix(topic, "dlq.") {
		return DLQStream
	}
	return PipelineStream
}

// IsConnected returns true if the NATS connection is active.
func (b *JetStream) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close unsubscribes, closes the connection and stops the embedded server.
func (b *JetStream) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	for _, sub := range b.pulls {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.pulls = map[string]*nats.Subscription{}
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *JetStream) shutdownServer() {
	if b.ns == nil {
		return
	}
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
	b.ns = nil
	b.logger.Info().Msg("embedded NATS server stopped")
}

type jetStreamMessage struct {
	msg *nats.Msg
}

func (m jetStreamMessage) Data() []byte { return m.msg.Data }
func (m jetStreamMessage) Ack() error   { return m.msg.AckSync() }
func (m jetStreamMessage) Nak() error   { return m.msg.Nak() }
