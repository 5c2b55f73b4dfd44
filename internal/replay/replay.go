// Package replay drains a dead-letter topic and republishes each
// envelope's original payload for reprocessing.
package replay

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
)

// DefaultLedgerSize bounds how many replayed dlq_ids a Replayer remembers.
const DefaultLedgerSize = 10_000

// Options selects what to replay.
type Options struct {
	DLQTopic    string
	TargetTopic string
	DryRun      bool
}

// DefaultOptions replays detector failures back onto the normalized topic.
func DefaultOptions() Options {
	return Options{DLQTopic: core.TopicDLQDetector, TargetTopic: core.TopicNormalized}
}

// Replayer republishes dead-lettered payloads. It remembers the dlq_ids it
// has replayed, so an envelope redelivered to the same Replayer is acked
// and skipped instead of being published twice.
type Replayer struct {
	bus     core.Bus
	ledger  *lru.Cache[string, struct{}]
	logger  zerolog.Logger
	metrics *metrics.Pipeline
}

// NewReplayer creates a Replayer with a ledger of ledgerSize entries.
// ledgerSize <= 0 uses DefaultLedgerSize.
func NewReplayer(bus core.Bus, ledgerSize int, m *metrics.Pipeline, logger zerolog.Logger) (*Replayer, error) {
	if ledgerSize <= 0 {
		ledgerSize = DefaultLedgerSize
	}
	ledger, err := lru.New[string, struct{}](ledgerSize)
	if err != nil {
		return nil, fmt.Errorf("creating replay ledger: %w", err)
	}
	return &Replayer{
		bus:     bus,
		ledger:  ledger,
		logger:  logger.With().Str("component", "dlq_replay").Logger(),
		metrics: m,
	}, nil
}

// Replay drains every envelope currently on opts.DLQTopic. Envelopes with
// an original_event are republished to opts.TargetTopic and acked; in dry
// run nothing is published and every message is naked. Envelopes without
// an original_event are skipped and left unacked. The returned slice holds
// the replayed (or previewed) envelopes.
func (r *Replayer) Replay(ctx context.Context, opts Options) ([]core.DeadLetterEnvelope, error) {
	msgs, err := r.bus.Consume(ctx, opts.DLQTopic)
	if err != nil {
		return nil, fmt.Errorf("consuming %s: %w", opts.DLQTopic, err)
	}
	if len(msgs) == 0 {
		r.logger.Info().Str("topic", opts.DLQTopic).Msg("no messages, nothing to replay")
		return []core.DeadLetterEnvelope{}, nil
	}

	replayed := make([]core.DeadLetterEnvelope, 0, len(msgs))
	for _, msg := range msgs {
		var env core.DeadLetterEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil || !env.HasOriginal() {
			r.logger.Warn().Str("dlq_id", env.DLQID).Str("topic", opts.DLQTopic).Msg("dead letter has no original_event, skipping")
			r.metrics.Replayed(metrics.ReplaySkipped)
			_ = msg.Nak()
			continue
		}
		log := r.logger.With().Str("dlq_id", env.DLQID).Str("correlation_id", env.CorrelationID).Logger()

		if opts.DryRun {
			log.Info().Str("target", opts.TargetTopic).Msg("[dry-run] would replay")
			r.metrics.Replayed(metrics.ReplayDryRun)
			_ = msg.Nak()
			replayed = append(replayed, env)
			continue
		}

		if env.DLQID != "" && r.ledger.Contains(env.DLQID) {
			log.Info().Msg("already replayed, acking duplicate")
			if err := msg.Ack(); err != nil {
				return replayed, fmt.Errorf("acking duplicate %s: %w", env.DLQID, err)
			}
			continue
		}

		if err := r.bus.Publish(ctx, opts.TargetTopic, env.OriginalEvent); err != nil {
			return replayed, fmt.Errorf("republishing %s to %s: %w", env.DLQID, opts.TargetTopic, err)
		}
		if err := msg.Ack(); err != nil {
			return replayed, fmt.Errorf("acking %s: %w", env.DLQID, err)
		}
		if env.DLQID != "" {
			r.ledger.Add(env.DLQID, struct{}{})
		}
		r.metrics.Replayed(metrics.ReplayPublished)
		log.Info().Str("target", opts.TargetTopic).Msg("replayed")
		replayed = append(replayed, env)
	}

	mode := "replayed"
	if opts.DryRun {
		mode = "previewed (dry-run)"
	}
	r.logger.Info().
		Int("processed", len(replayed)).
		Int("total", len(msgs)).
		Str("topic", opts.DLQTopic).
		Msgf("replay complete: %s", mode)
	return replayed, nil
}

// Remembered reports how many dlq_ids are in the ledger.
func (r *Replayer) Remembered() int {
	return r.ledger.Len()
}
