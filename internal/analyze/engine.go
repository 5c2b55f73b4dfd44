package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
)

// Engine produces one InsightRecommendation per Finding. It never fails
// because of the model: any LLM error or contract violation falls back
// to the rule table.
type Engine struct {
	bus      core.Bus
	contract *Contract
	llm      LLM
	topic    string
	logger   zerolog.Logger
	metrics  *metrics.Pipeline
	now      func() time.Time
}

// NewEngine creates an analysis engine. llm may be nil, in which case
// every insight comes from the rule table.
func NewEngine(bus core.Bus, contract *Contract, llm LLM, cfg core.AnalyzerConfig, m *metrics.Pipeline, logger zerolog.Logger) *Engine {
	topic := cfg.InsightTopic
	if topic == "" {
		topic = core.TopicInsights
	}
	return &Engine{
		bus:      bus,
		contract: contract,
		llm:      llm,
		topic:    topic,
		logger:   logger.With().Str("component", "analyzer").Logger(),
		metrics:  m,
		now:      time.Now,
	}
}

// Health reports liveness.
func (e *Engine) Health() core.Health {
	return core.HealthOK("analyzer")
}

// InsightTopic is where Process publishes insights.
func (e *Engine) InsightTopic() string {
	return e.topic
}

// GenerateInsight analyzes f. The insight id depends only on the prompt
// contract version and the finding id, whichever path produced it.
func (e *Engine) GenerateInsight(ctx context.Context, f core.Finding) core.InsightRecommendation {
	log := e.logger.With().Str("correlation_id", f.CorrelationID).Str("finding_id", f.FindingID).Logger()

	if e.llm != nil {
		out, err := e.complete(ctx, f)
		if err == nil {
			e.metrics.Insight(metrics.SourceLLM)
			return e.fromLLM(f, out)
		}
		var contractErr *OutputContractError
		switch {
		case errors.As(err, &contractErr):
			log.Warn().Err(err).Msg("llm output rejected, using rule fallback")
		case errors.Is(err, ErrLLMUnavailable):
			log.Warn().Err(err).Msg("llm unavailable, using rule fallback")
		default:
			log.Error().Err(err).Msg("llm analysis failed, using rule fallback")
		}
	}
	e.metrics.Insight(metrics.SourceFallback)
	return e.fromRules(f)
}

func (e *Engine) complete(ctx context.Context, f core.Finding) (*Output, error) {
	prompt, err := e.contract.Render(f.Category, f.Confidence, f.Details)
	if err != nil {
		return nil, err
	}
	raw, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return e.contract.Parse(raw)
}

func (e *Engine) fromLLM(f core.Finding, out *Output) core.InsightRecommendation {
	confidence := f.Confidence
	if out.Confidence != nil {
		confidence = *out.Confidence
	}
	confidence = core.ClampConfidence(confidence)

	details := e.details(f)
	if len(out.Evidence) > 0 {
		details["evidence"] = out.Evidence
	}
	if out.RiskLevel != "" {
		details["risk_level"] = out.RiskLevel
	}

	rationale := out.Rationale
	if rationale == "" {
		rationale = fallbackRationale(f.Category, confidence, f.Details)
	}
	return e.insight(f, out.Summary, strings.Join(out.RecommendedActions, "; "), rationale, confidence, details, metrics.SourceLLM)
}

func (e *Engine) fromRules(f core.Finding) core.InsightRecommendation {
	confidence := core.ClampConfidence(f.Confidence)
	return e.insight(f,
		fallbackSummary(f),
		FallbackRecommendation(f.Category),
		fallbackRationale(f.Category, confidence, f.Details),
		confidence,
		e.details(f),
		metrics.SourceFallback,
	)
}

func (e *Engine) details(f core.Finding) map[string]any {
	details := maps.Clone(f.Details)
	if details == nil {
		details = map[string]any{}
	}
	details["category"] = f.Category
	return details
}

func (e *Engine) insight(f core.Finding, summary, recommendation, rationale string, confidence float64, details map[string]any, generatedBy string) core.InsightRecommendation {
	return core.InsightRecommendation{
		SchemaVersion:  core.SchemaVersion,
		InsightID:      core.InsightID(e.contract.Version, f.FindingID),
		FindingID:      f.FindingID,
		CorrelationID:  f.CorrelationID,
		AnalyzedAt:     e.now().UTC(),
		Summary:        summary,
		Recommendation: recommendation,
		Rationale:      rationale,
		Priority:       core.RiskFromConfidence(confidence),
		Confidence:     confidence,
		Details:        details,
		GeneratedBy:    generatedBy,
	}
}

// Process decodes a Finding payload, analyzes it and publishes the insight.
// Payloads that are not a usable Finding are dead-lettered. It returns an
// error only when the bus rejects a publish.
func (e *Engine) Process(ctx context.Context, payload []byte) (*core.InsightRecommendation, error) {
	f, err := decodeFinding(payload)
	if err != nil {
		return nil, e.deadLetter(ctx, payload, f, err)
	}

	insight := e.GenerateInsight(ctx, f)
	data, err := core.Marshal(insight)
	if err != nil {
		return nil, fmt.Errorf("marshaling insight %s: %w", insight.InsightID, err)
	}
	if err := e.bus.Publish(ctx, e.topic, data); err != nil {
		return nil, fmt.Errorf("publishing insight %s: %w", insight.InsightID, err)
	}
	e.logger.Info().
		Str("correlation_id", insight.CorrelationID).
		Str("insight_id", insight.InsightID).
		Str("priority", string(insight.Priority)).
		Str("generated_by", insight.GeneratedBy).
		Msg("insight published")
	return &insight, nil
}

func decodeFinding(payload []byte) (core.Finding, error) {
	var f core.Finding
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return f, core.Validationf("finding is not a JSON object: %v", err)
	}
	var missing []string
	for _, k := range []string{"category", "confidence", "correlation_id", "finding_id"} {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return f, core.Validationf("malformed finding: %v", err)
	}
	if len(missing) > 0 {
		return f, core.Validationf("missing required keys: %s", strings.Join(missing, ", "))
	}
	return f, nil
}

func (e *Engine) deadLetter(ctx context.Context, payload []byte, f core.Finding, cause error) error {
	original := json.RawMessage(payload)
	if !json.Valid(payload) {
		original, _ = json.Marshal(string(payload))
	}
	var ids []string
	if f.FindingID != "" {
		ids = []string{f.FindingID}
	}
	env := core.NewDeadLetter(core.TopicFindings, f.CorrelationID, cause, core.ErrorTypeValidation, ids, original, e.now())
	e.logger.Warn().Err(cause).Str("correlation_id", f.CorrelationID).Str("dlq_id", env.DLQID).Msg("finding rejected")

	data, err := core.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	if err := e.bus.Publish(ctx, core.TopicDLQAnalyzer, data); err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", env.DLQID, err)
	}
	e.metrics.DeadLetter(core.TopicDLQAnalyzer, string(core.ErrorTypeValidation))
	return nil
}
