package core

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// SchemaVersion is stamped on every record the pipeline emits.
const SchemaVersion = "1.0"

// Severity is the normalized severity of a single event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity reports whether s is one of the recognized severities.
func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(s); sev {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return sev, true
	default:
		return SeverityInfo, false
	}
}

// RiskLevel ranks findings and insights. It is always derived from a
// confidence score via RiskFromConfidence.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFromConfidence maps a confidence score onto the fixed bands
// (>=0.9 critical, >=0.7 high, >=0.5 medium, else low).
func RiskFromConfidence(confidence float64) RiskLevel {
	switch {
	case confidence >= 0.9:
		return RiskCritical
	case confidence >= 0.7:
		return RiskHigh
	case confidence >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// SyslogAttributes holds the decoded syslog header. All fields are empty
// for lines without a <PRI> prefix.
type SyslogAttributes struct {
	Priority *int   `json:"priority,omitempty"`
	Facility string `json:"facility,omitempty"`
	Severity string `json:"severity,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Program  string `json:"program,omitempty"`
	PID      *int   `json:"pid,omitempty"`
}

// RawEvent is published once per accepted syslog line.
type RawEvent struct {
	SchemaVersion string           `json:"schema_version"`
	EventID       string           `json:"event_id"`
	CorrelationID string           `json:"correlation_id"`
	Source        string           `json:"source"`
	ReceivedAt    time.Time        `json:"received_at"`
	Message       string           `json:"message"`
	Attributes    SyslogAttributes `json:"attributes"`
}

// NormalizedEvent is the classified form of exactly one RawEvent.
type NormalizedEvent struct {
	SchemaVersion string    `json:"schema_version"`
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	NormalizedAt  time.Time `json:"normalized_at"`
	SourceDevice  string    `json:"source_device"`
	Severity      Severity  `json:"severity"`
	Summary       string    `json:"summary"`
	Labels        []string  `json:"labels"`
}

// NewNormalizedEvent copies ids from raw and owns its own label slice.
func NewNormalizedEvent(raw RawEvent, at time.Time, severity Severity, summary string, labels []string) NormalizedEvent {
	return NormalizedEvent{
		SchemaVersion: SchemaVersion,
		EventID:       raw.EventID,
		CorrelationID: raw.CorrelationID,
		NormalizedAt:  at.UTC(),
		SourceDevice:  raw.Source,
		Severity:      severity,
		Summary:       summary,
		Labels:        slices.Clone(labels),
	}
}

// HasLabel reports whether the event carries label.
func (e NormalizedEvent) HasLabel(label string) bool {
	return slices.Contains(e.Labels, label)
}

// EvidenceRef is a back-reference to a contributing event. It never owns
// the event itself.
type EvidenceRef struct {
	EventID      string `json:"event_id"`
	SourceDevice string `json:"source_device"`
	Summary      string `json:"summary"`
}

// Finding is produced by one rule evaluator from a same-device group.
type Finding struct {
	SchemaVersion string         `json:"schema_version"`
	FindingID     string         `json:"finding_id"`
	CorrelationID string         `json:"correlation_id"`
	DetectedAt    time.Time      `json:"detected_at"`
	Category      string         `json:"category"`
	Confidence    float64        `json:"confidence"`
	Severity      RiskLevel      `json:"severity"`
	Evidence      []EvidenceRef  `json:"evidence"`
	Details       map[string]any `json:"details"`
}

// NewFinding builds a Finding from a non-empty group of events sharing
// groupKey. The id depends only on category, groupKey and the set of
// contributing event ids.
func NewFinding(category, groupKey string, group []NormalizedEvent, confidence float64, at time.Time, details map[string]any) Finding {
	ids := make([]string, len(group))
	evidence := make([]EvidenceRef, len(group))
	for i, evt := range group {
		ids[i] = evt.EventID
		evidence[i] = EvidenceRef{EventID: evt.EventID, SourceDevice: evt.SourceDevice, Summary: evt.Summary}
	}
	correlationID := ""
	if len(group) > 0 {
		correlationID = group[0].CorrelationID
	}
	return Finding{
		SchemaVersion: SchemaVersion,
		FindingID:     FindingID(category, groupKey, ids),
		CorrelationID: correlationID,
		DetectedAt:    at.UTC(),
		Category:      category,
		Confidence:    confidence,
		Severity:      RiskFromConfidence(confidence),
		Evidence:      evidence,
		Details:       maps.Clone(details),
	}
}

// InsightRecommendation is the operator-facing output of the analysis stage.
type InsightRecommendation struct {
	SchemaVersion  string         `json:"schema_version"`
	InsightID      string         `json:"insight_id"`
	FindingID      string         `json:"finding_id"`
	CorrelationID  string         `json:"correlation_id"`
	AnalyzedAt     time.Time      `json:"analyzed_at"`
	Summary        string         `json:"summary"`
	Recommendation string         `json:"recommendation"`
	Rationale      string         `json:"rationale"`
	Priority       RiskLevel      `json:"priority"`
	Confidence     float64        `json:"confidence"`
	Details        map[string]any `json:"details"`
	GeneratedBy    string         `json:"generated_by"`
}

// ErrorType classifies a dead-lettered failure.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeRule       ErrorType = "rule_error"
	ErrorTypeUnexpected ErrorType = "unexpected"
)

// DeadLetterEnvelope describes a payload a stage could not process.
// OriginalEvent is opaque to the DLQ machinery.
type DeadLetterEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	DLQID         string          `json:"dlq_id"`
	CorrelationID string          `json:"correlation_id"`
	FailedAt      time.Time       `json:"failed_at"`
	SourceTopic   string          `json:"source_topic"`
	Error         string          `json:"error"`
	ErrorType     ErrorType       `json:"error_type"`
	OriginalEvent json.RawMessage `json:"original_event,omitempty"`
}

// NewDeadLetter builds an envelope whose id is derived from the error text
// and the contributing event ids.
func NewDeadLetter(sourceTopic, correlationID string, cause error, errType ErrorType, eventIDs []string, original json.RawMessage, at time.Time) DeadLetterEnvelope {
	msg := cause.Error()
	return DeadLetterEnvelope{
		SchemaVersion: SchemaVersion,
		DLQID:         DeadLetterID(msg, eventIDs),
		CorrelationID: correlationID,
		FailedAt:      at.UTC(),
		SourceTopic:   sourceTopic,
		Error:         msg,
		ErrorType:     errType,
		OriginalEvent: original,
	}
}

// HasOriginal reports whether the envelope carries a replayable payload.
func (d DeadLetterEnvelope) HasOriginal() bool {
	return len(d.OriginalEvent) > 0 && string(d.OriginalEvent) != "null"
}

// BatchPayload is the original_event shape for a dead-lettered detection batch.
type BatchPayload struct {
	Events []NormalizedEvent `json:"events"`
}

// Marshal serializes v to JSON. Records in this package have no
// unmarshalable fields, so callers treat an error here as a bug.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
