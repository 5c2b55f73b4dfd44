// Package metrics defines the Prometheus counters every pipeline stage
// reports to.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Label values.
const (
	IngestAccepted    = "accepted"
	IngestRateLimited = "rate_limited"
	IngestInvalid     = "invalid"
	IngestFailed      = "failed"

	NormalizedClassified   = "classified"
	NormalizedUnclassified = "unclassified"
	NormalizedDeadLettered = "dead_lettered"

	SourceLLM      = "llm"
	SourceFallback = "rule_fallback"

	ReplayPublished = "published"
	ReplayDryRun    = "dry_run"
	ReplaySkipped   = "skipped"
)

// Pipeline holds the counters. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	Registry *prometheus.Registry

	ingest     *prometheus.CounterVec
	normalized *prometheus.CounterVec
	findings   *prometheus.CounterVec
	dlq        *prometheus.CounterVec
	insights   *prometheus.CounterVec
	replayed   *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	p := &Pipeline{
		Registry: reg,
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpanic",
			Name:      "ingest_lines_total",
			Help:      "Syslog lines seen by ingress, by result.",
		}, []string{"result"}),
		normalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpanic",
			Name:      "normalized_total",
			Help:      "Raw events processed by the normalizer, by outcome.",
		}, []string{"outcome"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpanic",
			Name:      "findings_total",
			Help:      "Findings emitted by the detector, by category.",
		}, []string{"category"}),
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpanic",
			Name:      "dlq_total",
			Help:      "Dead-letter envelopes published, by topic and error type.",
		}, []string{"topic", "error_type"}),
		insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpanic",
			Name:      "insights_total",
			Help:      "Insights generated, by source.",
		}, []string{"source"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpanic",
			Name:      "replayed_total",
			Help:      "Dead-letter envelopes handled by replay, by mode.",
		}, []string{"mode"}),
	}
	reg.MustRegister(p.ingest, p.normalized, p.findings, p.dlq, p.insights, p.replayed)
	return p
}

func (p *Pipeline) IngestLine(result string) {
	if p != nil {
		p.ingest.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) Normalized(outcome string) {
	if p != nil {
		p.normalized.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) Finding(category string) {
	if p != nil {
		p.findings.WithLabelValues(category).Inc()
	}
}

func (p *Pipeline) DeadLetter(topic, errorType string) {
	if p != nil {
		p.dlq.WithLabelValues(topic, errorType).Inc()
	}
}

func (p *Pipeline) Insight(source string) {
	if p != nil {
		p.insights.WithLabelValues(source).Inc()
	}
}

func (p *Pipeline) Replayed(mode string) {
	if p != nil {
		p.replayed.WithLabelValues(mode).Inc()
	}
}

// Server serves /metrics.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer binds nothing until Start.
func NewServer(addr string, p *Pipeline, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("metrics endpoint started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
