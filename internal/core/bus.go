package core

import (
	"context"
	"strings"
	"time"
)

// Pipeline topics.
const (
	TopicRawSyslog     = "raw.syslog.v1"
	TopicNormalized    = "events.normalized.v1"
	TopicFindings      = "findings.realtime.v1"
	TopicInsights      = "insights.v1"
	TopicDLQNormalizer = "dlq.normalizer.v1"
	TopicDLQDetector   = "dlq.detector.v1"
	TopicDLQAnalyzer   = "dlq.analyzer.v1"
)

// IsDeadLetterTopic reports whether topic is one of the stage DLQs.
func IsDeadLetterTopic(topic string) bool {
	return strings.HasPrefix(topic, "dlq.")
}

// Detection categories.
const (
	CategoryBruteForce   = "brute-force-suspected"
	CategoryWANFlap      = "wan-instability"
	CategoryFirewallDeny = "firewall-deny-flood"
	CategoryDHCPChurn    = "dhcp-churn"

	// CategoryDNSAnomaly has no built-in rule. Other producers on the
	// findings topic may emit it and the analyzer has an action for it.
	CategoryDNSAnomaly = "dns-anomaly"
)

// Message is one delivery pulled from a topic. Ack removes it from the
// topic; Nak returns it for a later Consume.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Handler processes one pushed payload. A non-nil error asks the bus to
// redeliver where the backend supports it.
type Handler func(ctx context.Context, data []byte) error

// Bus is the publish/consume contract every stage depends on. Delivery
// is at-least-once.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Consume returns the messages currently pending on topic without
	// waiting for new ones. Unacked messages remain pending.
	Consume(ctx context.Context, topic string) ([]Message, error)
	// Subscribe pushes every subsequent message on topic to h.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

// Spool durably persists accepted payloads.
type Spool interface {
	Write(payload []byte) (string, error)
	ReadAll() ([][]byte, error)
	PurgeExpired(ttl time.Duration) (int, error)
}

// Store is a key/value store grouped by collection.
type Store interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, bool, error)
	List(ctx context.Context, collection string) ([][]byte, error)
}

// Health is the liveness payload each stage reports.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthOK returns an ok Health for service.
func HealthOK(service string) Health {
	return Health{Status: "ok", Service: service}
}
