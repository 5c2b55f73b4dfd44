package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
)

// LabelUnclassified marks events no matcher recognized.
const LabelUnclassified = "unclassified"

var requiredKeys = []string{"correlation_id", "event_id", "message", "received_at", "source"}

// Engine consumes RawEvents and publishes NormalizedEvents, dead-lettering
// anything it cannot process.
type Engine struct {
	bus      core.Bus
	matchers []Matcher
	vendor   string
	budget   int
	logger   zerolog.Logger
	metrics  *metrics.Pipeline
	now      func() time.Time
}

// NewEngine creates a normalizer using the default matcher cascade.
func NewEngine(bus core.Bus, cfg core.NormalizerConfig, m *metrics.Pipeline, logger zerolog.Logger) *Engine {
	budget := cfg.SummaryBudget
	if budget <= 0 {
		budget = 80
	}
	return &Engine{
		bus:      bus,
		matchers: DefaultMatchers(),
		vendor:   cfg.VendorLabel,
		budget:   budget,
		logger:   logger.With().Str("component", "normalizer").Logger(),
		metrics:  m,
		now:      time.Now,
	}
}

// Health reports liveness.
func (e *Engine) Health() core.Health {
	return core.HealthOK("normalizer")
}

// Classify maps one RawEvent onto a NormalizedEvent. The first matching
// matcher wins; otherwise the event is unclassified.
func (e *Engine) Classify(raw core.RawEvent) core.NormalizedEvent {
	for _, m := range e.matchers {
		if c, ok := m.Match(raw.Message); ok {
			return core.NewNormalizedEvent(raw, e.now(), c.Severity, c.Summary, e.withVendor(c.Labels))
		}
	}
	sev, _ := core.ParseSeverity(raw.Attributes.Severity)
	return core.NewNormalizedEvent(raw, e.now(), sev, truncateRunes(raw.Message, e.budget), e.withVendor([]string{LabelUnclassified}))
}

func (e *Engine) withVendor(labels []string) []string {
	if e.vendor == "" {
		return slices.Clone(labels)
	}
	return append(slices.Clone(labels), e.vendor)
}

// Normalize validates and classifies one raw payload. Contract failures
// are *core.ValidationError; panics inside a matcher are returned as
// errors of any other kind.
func (e *Engine) Normalize(payload []byte) (evt core.NormalizedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifying raw event: %w", core.Recovered(r))
		}
	}()

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return evt, core.Validationf("raw event is not a JSON object: %v", err)
	}
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return evt, core.Validationf("missing required keys: %s", strings.Join(missing, ", "))
	}

	var raw core.RawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return evt, core.Validationf("malformed raw event: %v", err)
	}
	return e.Classify(raw), nil
}

// Process normalizes payload and publishes the result, or dead-letters it
// on failure. It returns an error only when the bus rejects a publish.
func (e *Engine) Process(ctx context.Context, payload []byte) error {
	ref := peekRef(payload)
	log := e.logger.With().Str("correlation_id", ref.CorrelationID).Logger()

	evt, err := e.Normalize(payload)
	if err != nil {
		errType := core.ErrorTypeUnexpected
		if core.IsValidation(err) {
			errType = core.ErrorTypeValidation
			log.Warn().Err(err).Msg("validation error during normalization")
		} else {
			log.Error().Err(err).Msg("unexpected error during normalization")
		}
		return e.deadLetter(ctx, ref, payload, err, errType)
	}

	data, err := core.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling normalized event: %w", err)
	}
	if err := e.bus.Publish(ctx, core.TopicNormalized, data); err != nil {
		return fmt.Errorf("publishing normalized event %s: %w", evt.EventID, err)
	}

	if evt.HasLabel(LabelUnclassified) {
		e.metrics.Normalized(metrics.NormalizedUnclassified)
	} else {
		e.metrics.Normalized(metrics.NormalizedClassified)
	}
	log.Debug().Str("event_id", evt.EventID).Str("summary", evt.Summary).Msg("normalized event")
	return nil
}

func (e *Engine) deadLetter(ctx context.Context, ref eventRef, payload []byte, cause error, errType core.ErrorType) error {
	var ids []string
	if ref.EventID != "" {
		ids = []string{ref.EventID}
	}
	env := core.NewDeadLetter(core.TopicRawSyslog, ref.CorrelationID, cause, errType, ids, originalJSON(payload), e.now())
	data, err := core.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	if err := e.bus.Publish(ctx, core.TopicDLQNormalizer, data); err != nil {
		return fmt.Errorf("publishing dead letter: %w", err)
	}
	e.metrics.Normalized(metrics.NormalizedDeadLettered)
	e.metrics.DeadLetter(core.TopicDLQNormalizer, string(errType))
	return nil
}

// eventRef carries the ids of a payload that may not otherwise decode.
type eventRef struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
}

func peekRef(payload []byte) eventRef {
	var ref eventRef
	_ = json.Unmarshal(payload, &ref)
	return ref
}

// originalJSON keeps valid JSON as-is and wraps anything else as a JSON
// string so the envelope stays valid.
func originalJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(slices.Clone(payload))
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
