package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
)

// Engine runs every rule over a batch concurrently. A rule that errors or
// panics only costs its own output: the batch is dead-lettered with the
// rule's name and the remaining rules still publish their findings.
type Engine struct {
	bus     core.Bus
	rules   []Rule
	batcher *Batcher
	logger  zerolog.Logger
	metrics *metrics.Pipeline
	now     func() time.Time
}

// NewEngine creates a detection engine over rules.
func NewEngine(bus core.Bus, rules []Rule, m *metrics.Pipeline, logger zerolog.Logger) *Engine {
	return &Engine{
		bus:     bus,
		rules:   rules,
		logger:  logger.With().Str("component", "detector").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Health reports liveness.
func (e *Engine) Health() core.Health {
	return core.HealthOK("detector")
}

// Rules returns the configured rules in evaluation order.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// UseBatcher makes Handle buffer single events in b instead of evaluating
// each one on arrival.
func (e *Engine) UseBatcher(b *Batcher) {
	e.batcher = b
}

// Process evaluates events against every rule and publishes each rule's
// findings as soon as that rule completes. It returns the findings that
// were published; an error means the bus rejected a publish.
func (e *Engine) Process(ctx context.Context, events []core.NormalizedEvent) ([]core.Finding, error) {
	if len(events) == 0 {
		return nil, nil
	}

	// A plain Group: one rule's failed publish must not cancel its siblings.
	results := make([][]core.Finding, len(e.rules))
	var g errgroup.Group
	for i, rule := range e.rules {
		i, rule := i, rule
		g.Go(func() error {
			findings, err := e.evaluate(rule, events)
			if err != nil {
				return e.deadLetter(ctx, rule, events, err)
			}
			for _, f := range findings {
				if err := e.publish(ctx, f); err != nil {
					return err
				}
			}
			results[i] = findings
			return nil
		})
	}
	err := g.Wait()

	var out []core.Finding
	for _, r := range results {
		out = append(out, r...)
	}
	return out, err
}

func (e *Engine) evaluate(rule Rule, events []core.NormalizedEvent) (findings []core.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings, err = nil, core.Recovered(r)
		}
	}()
	return rule.Evaluate(events, e.now())
}

func (e *Engine) publish(ctx context.Context, f core.Finding) error {
	data, err := core.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling finding %s: %w", f.FindingID, err)
	}
	if err := e.bus.Publish(ctx, core.TopicFindings, data); err != nil {
		return fmt.Errorf("publishing finding %s: %w", f.FindingID, err)
	}
	e.metrics.Finding(f.Category)
	e.logger.Info().
		Str("correlation_id", f.CorrelationID).
		Str("finding_id", f.FindingID).
		Str("category", f.Category).
		Float64("confidence", f.Confidence).
		Msg("finding published")
	return nil
}

func (e *Engine) deadLetter(ctx context.Context, rule Rule, events []core.NormalizedEvent, cause error) error {
	errType := core.ErrorTypeRule
	if core.IsValidation(cause) {
		errType = core.ErrorTypeValidation
	}
	ruleErr := fmt.Errorf("error in rule %s: %w", rule.Name(), cause)

	ids := make([]string, len(events))
	for i, evt := range events {
		ids[i] = evt.EventID
	}
	original, err := core.Marshal(core.BatchPayload{Events: events})
	if err != nil {
		return fmt.Errorf("marshaling dead-lettered batch: %w", err)
	}
	env := core.NewDeadLetter(core.TopicNormalized, events[0].CorrelationID, ruleErr, errType, ids, original, e.now())

	e.logger.Error().
		Err(cause).
		Str("rule", rule.Name()).
		Str("correlation_id", env.CorrelationID).
		Str("dlq_id", env.DLQID).
		Msg("detection rule failed, batch dead-lettered")

	data, err := core.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	if err := e.bus.Publish(ctx, core.TopicDLQDetector, data); err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", env.DLQID, err)
	}
	e.metrics.DeadLetter(core.TopicDLQDetector, string(errType))
	return nil
}

// Handle accepts one payload from the normalized topic. A batch payload
// ({"events":[...]}, as replayed from the detector DLQ) is evaluated at
// once; a single event is buffered when a batcher is attached and
// evaluated alone otherwise. Undecodable payloads are dead-lettered.
func (e *Engine) Handle(ctx context.Context, data []byte) error {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return e.rejectPayload(ctx, data, core.Validationf("normalized payload is not a JSON object: %v", err))
	}

	if _, ok := shape["events"]; ok {
		var batch core.BatchPayload
		if err := json.Unmarshal(data, &batch); err != nil {
			return e.rejectPayload(ctx, data, core.Validationf("malformed event batch: %v", err))
		}
		_, err := e.Process(ctx, batch.Events)
		return err
	}

	var evt core.NormalizedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return e.rejectPayload(ctx, data, core.Validationf("malformed normalized event: %v", err))
	}
	if evt.EventID == "" {
		return e.rejectPayload(ctx, data, core.Validationf("missing required keys: event_id"))
	}
	if e.batcher != nil {
		e.batcher.Add(evt)
		return nil
	}
	_, err := e.Process(ctx, []core.NormalizedEvent{evt})
	return err
}

func (e *Engine) rejectPayload(ctx context.Context, data []byte, cause error) error {
	var ref struct {
		EventID       string `json:"event_id"`
		CorrelationID string `json:"correlation_id"`
	}
	_ = json.Unmarshal(data, &ref)
	var ids []string
	if ref.EventID != "" {
		ids = []string{ref.EventID}
	}

	original := json.RawMessage(data)
	if !json.Valid(data) {
		original, _ = json.Marshal(string(data))
	}
	env := core.NewDeadLetter(core.TopicNormalized, ref.CorrelationID, cause, core.ErrorTypeValidation, ids, original, e.now())
	e.logger.Warn().Err(cause).Str("correlation_id", ref.CorrelationID).Msg("rejected normalized payload")

	out, err := core.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	if err := e.bus.Publish(ctx, core.TopicDLQDetector, out); err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", env.DLQID, err)
	}
	e.metrics.DeadLetter(core.TopicDLQDetector, string(core.ErrorTypeValidation))
	return nil
}
