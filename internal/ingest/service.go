package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
)

// Limiter admits or rejects one unit of work.
type Limiter interface {
	Allow() bool
}

// Options configures a Service. Nil Limiter and Spool disable rate
// limiting and spooling.
type Options struct {
	MaxLineLength int
	Limiter       Limiter
	Spool         core.Spool
	Metrics       *metrics.Pipeline
}

// Service turns accepted syslog lines into RawEvents on the raw topic.
type Service struct {
	bus     core.Bus
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	newIDs  func() (string, string)
	metrics *metrics.Pipeline
}

// NewService creates an ingest service publishing to bus.
func NewService(bus core.Bus, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = 8192
	}
	return &Service{
		bus:     bus,
		opts:    opts,
		logger:  logger.With().Str("component", "ingress").Logger(),
		now:     time.Now,
		newIDs:  core.NewEventIDs,
		metrics: opts.Metrics,
	}
}

// Health reports liveness.
func (s *Service) Health() core.Health {
	return core.HealthOK("ingress")
}

// ReceiveLine admits, decodes, spools and publishes one line. A
// rate-limited line returns (nil, nil). Decode failures are
// *core.ValidationError. Spool failures are returned and nothing is
// published for that line.
func (s *Service) ReceiveLine(ctx context.Context, line, peer string) (*core.RawEvent, error) {
	if s.opts.Limiter != nil && !s.opts.Limiter.Allow() {
		s.metrics.IngestLine(metrics.IngestRateLimited)
		s.logger.Debug().Str("peer", peer).Msg("rate limit exceeded, dropping line")
		return nil, nil
	}

	decoded, err := Decode(line, s.opts.MaxLineLength)
	if err != nil {
		s.metrics.IngestLine(metrics.IngestInvalid)
		return nil, err
	}

	eventID, correlationID := s.newIDs()
	event := &core.RawEvent{
		SchemaVersion: core.SchemaVersion,
		EventID:       eventID,
		CorrelationID: correlationID,
		Source:        resolveSource(decoded.Attributes.Hostname, peer),
		ReceivedAt:    s.now().UTC(),
		Message:       decoded.Message,
		Attributes:    decoded.Attributes,
	}

	data, err := core.Marshal(event)
	if err != nil {
		s.metrics.IngestLine(metrics.IngestFailed)
		return nil, fmt.Errorf("marshaling raw event: %w", err)
	}

	if s.opts.Spool != nil {
		if _, err := s.opts.Spool.Write(data); err != nil {
			s.metrics.IngestLine(metrics.IngestFailed)
			s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("spool write failed")
			return nil, fmt.Errorf("spooling event %s: %w", eventID, err)
		}
	}

	if err := s.bus.Publish(ctx, core.TopicRawSyslog, data); err != nil {
		s.metrics.IngestLine(metrics.IngestFailed)
		return nil, fmt.Errorf("publishing event %s: %w", eventID, err)
	}

	s.metrics.IngestLine(metrics.IngestAccepted)
	s.logger.Debug().
		Str("event_id", eventID).
		Str("correlation_id", correlationID).
		Str("source", event.Source).
		Msg("raw event published")
	return event, nil
}

func resolveSource(hostname, peer string) string {
	switch {
	case hostname != "":
		return hostname
	case peer != "":
		return peer
	default:
		return "unknown"
	}
}
