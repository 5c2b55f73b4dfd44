package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilPipelineIsNoop(t *testing.T) {
	var p *Pipeline
	p.IngestLine(IngestAccepted)
	p.Normalized(NormalizedClassified)
	p.Finding("x")
	p.DeadLetter("t", "validation")
	p.Insight(SourceLLM)
	p.Replayed(ReplayDryRun)
}

func TestCounters(t *testing.T) {
	p := New()
	p.IngestLine(IngestAccepted)
	p.IngestLine(IngestAccepted)
	p.IngestLine(IngestRateLimited)
	p.DeadLetter("dlq.detector.v1", "rule_error")

	if got := testutil.ToFloat64(p.ingest.WithLabelValues(IngestAccepted)); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.dlq.WithLabelValues("dlq.detector.v1", "rule_error")); got != 1 {
		t.Errorf("dlq = %v, want 1", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	p := New()
	p.Finding("dhcp-churn")

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `netpanic_findings_total{category="dhcp-churn"} 1`) {
		t.Errorf("exposition missing findings counter:\n%s", body)
	}
}
