package detect

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/netpanic/netpanic/internal/core"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(id, device string, sev core.Severity, summary string, labels ...string) core.NormalizedEvent {
	return core.NormalizedEvent{
		SchemaVersion: core.SchemaVersion,
		EventID:       id,
		CorrelationID: "corr-" + id,
		NormalizedAt:  testNow,
		SourceDevice:  device,
		Severity:      sev,
		Summary:       summary,
		Labels:        labels,
	}
}

func repeat(n int, device string, sev core.Severity, summary string, labels ...string) []core.NormalizedEvent {
	out := make([]core.NormalizedEvent, n)
	for i := range out {
		out[i] = ev(fmt.Sprintf("evt-%s-%02d", device, i), device, sev, summary, labels...)
	}
	return out
}

func ruleFor(t *testing.T, category string) Rule {
	t.Helper()
	for _, r := range DefaultRules(core.DefaultRules()) {
		if r.Category() == category {
			return r
		}
	}
	t.Fatalf("no rule for %s", category)
	return nil
}

// ─── Thresholds ─────────────────────────────────────────────────────────────

func TestRules_Thresholds(t *testing.T) {
	tests := []struct {
		name       string
		category   string
		events     []core.NormalizedEvent
		wantCount  int
		confidence float64
		severity   core.RiskLevel
		countKey   string
	}{
		{"brute force below", core.CategoryBruteForce, repeat(4, "nas", core.SeverityWarn, "SSH Failed", "auth", "ssh"), 0, 0, "", ""},
		{"brute force at", core.CategoryBruteForce, repeat(5, "nas", core.SeverityWarn, "SSH Failed", "auth", "ssh"), 1, 0.5, core.RiskMedium, "attempts"},
		{"brute force saturates", core.CategoryBruteForce, repeat(12, "nas", core.SeverityError, "x", "auth"), 1, 1.0, core.RiskCritical, "attempts"},
		{"brute force ignores info", core.CategoryBruteForce, repeat(8, "nas", core.SeverityInfo, "SSH Accepted", "auth"), 0, 0, "", ""},
		{"wan at", core.CategoryWANFlap, repeat(3, "gw", core.SeverityError, "WAN link down on eth0", "wan"), 1, 0.5, core.RiskMedium, "flap_count"},
		{"wan link label", core.CategoryWANFlap, repeat(6, "gw", core.SeverityInfo, "Link UP", "link"), 1, 1.0, core.RiskCritical, "flap_count"},
		{"wan needs up or down", core.CategoryWANFlap, repeat(5, "gw", core.SeverityInfo, "WAN renegotiated", "wan"), 0, 0, "", ""},
		{"firewall below", core.CategoryFirewallDeny, repeat(9, "fw", core.SeverityWarn, "Firewall DROP", "firewall"), 0, 0, "", ""},
		{"firewall at", core.CategoryFirewallDeny, repeat(10, "fw", core.SeverityWarn, "Firewall DROP", "firewall"), 1, 0.5, core.RiskMedium, "deny_count"},
		{"firewall ignores accept", core.CategoryFirewallDeny, repeat(20, "fw", core.SeverityInfo, "Firewall ACCEPT", "firewall"), 0, 0, "", ""},
		{"dhcp at", core.CategoryDHCPChurn, repeat(5, "nas", core.SeverityInfo, "DHCP lease", "dhcp"), 1, 0.5, core.RiskMedium, "churn_count"},
		{"dhcp high", core.CategoryDHCPChurn, repeat(7, "nas", core.SeverityInfo, "DHCP lease", "dhcp"), 1, 0.7, core.RiskHigh, "churn_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, err := ruleFor(t, tt.category).Evaluate(tt.events, testNow)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if len(findings) != tt.wantCount {
				t.Fatalf("findings = %d, want %d", len(findings), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			f := findings[0]
			if f.Category != tt.category {
				t.Errorf("Category = %q", f.Category)
			}
			if f.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, want %v", f.Confidence, tt.confidence)
			}
			if f.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", f.Severity, tt.severity)
			}
			if f.Details[tt.countKey] != len(tt.events) {
				t.Errorf("Details[%s] = %v, want %d", tt.countKey, f.Details[tt.countKey], len(tt.events))
			}
			if f.Details["source_device"] != tt.events[0].SourceDevice {
				t.Errorf("Details[source_device] = %v", f.Details["source_device"])
			}
			if len(f.Evidence) != len(tt.events) {
				t.Errorf("Evidence = %d entries, want %d", len(f.Evidence), len(tt.events))
			}
			if f.CorrelationID != tt.events[0].CorrelationID {
				t.Errorf("CorrelationID = %q, want first event's", f.CorrelationID)
			}
		})
	}
}

func TestRules_GroupByDevice(t *testing.T) {
	events := append(repeat(5, "nas-a", core.SeverityWarn, "x", "auth"), repeat(4, "nas-b", core.SeverityWarn, "x", "auth")...)
	events = append(events, repeat(6, "", core.SeverityWarn, "x", "auth")...)

	findings, _ := ruleFor(t, core.CategoryBruteForce).Evaluate(events, testNow)
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}
	if findings[0].Details["source_device"] != "nas-a" {
		t.Errorf("first finding device = %v, want nas-a", findings[0].Details["source_device"])
	}
	if findings[1].Details["source_device"] != "unknown" {
		t.Errorf("second finding device = %v, want unknown", findings[1].Details["source_device"])
	}
}

func TestRules_FindingIDOrderIndependent(t *testing.T) {
	rule := ruleFor(t, core.CategoryBruteForce)
	events := repeat(6, "nas", core.SeverityWarn, "x", "auth")
	reversed := slices.Clone(events)
	slices.Reverse(reversed)

	a, _ := rule.Evaluate(events, testNow)
	b, _ := rule.Evaluate(reversed, testNow.Add(time.Hour))
	if a[0].FindingID != b[0].FindingID {
		t.Errorf("ids differ: %s vs %s", a[0].FindingID, b[0].FindingID)
	}

	c, _ := rule.Evaluate(events[:5], testNow)
	if c[0].FindingID == a[0].FindingID {
		t.Error("different event sets must give different ids")
	}
}

// ─── Configuration ──────────────────────────────────────────────────────────

func TestDefaultRules_Config(t *testing.T) {
	rules := DefaultRules(core.DefaultRules())
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name()
	}
	want := []string{"detect_brute_force", "detect_wan_flaps", "detect_firewall_denies", "detect_dhcp_churn"}
	if !slices.Equal(names, want) {
		t.Errorf("rules = %v, want %v", names, want)
	}

	off := false
	cfg := core.DefaultRules()
	cfg[core.CategoryDHCPChurn] = core.RuleConfig{Enabled: &off}
	cfg[core.CategoryBruteForce] = core.RuleConfig{MinEvents: 2, Divisor: 4}
	rules = DefaultRules(cfg)
	if len(rules) != 3 {
		t.Fatalf("rules = %d, want 3 with dhcp disabled", len(rules))
	}
	findings, _ := rules[0].Evaluate(repeat(2, "nas", core.SeverityWarn, "x", "auth"), testNow)
	if len(findings) != 1 || findings[0].Confidence != 0.5 {
		t.Errorf("tuned brute force = %+v", findings)
	}
}

func TestDefaultRules_ZeroValuesUseDefaults(t *testing.T) {
	rules := DefaultRules(map[string]core.RuleConfig{
		core.CategoryWANFlap: {},
	})
	var wan *ThresholdRule
	for _, r := range rules {
		if r.Category() == core.CategoryWANFlap {
			wan = r.(*ThresholdRule)
		}
	}
	if wan == nil || wan.MinEvents != 3 || wan.Divisor != 6 {
		t.Errorf("wan rule = %+v, want defaults 3/6", wan)
	}
	if len(rules) != 4 {
		t.Errorf("rules = %d, missing categories should use defaults", len(rules))
	}
}

func TestDefaultRules_ThresholdOnlyEntryStaysActive(t *testing.T) {
	rules := DefaultRules(map[string]core.RuleConfig{
		core.CategoryBruteForce: {MinEvents: 3},
	})
	if len(rules) != 4 {
		t.Fatalf("rules = %d, want 4", len(rules))
	}
	brute := rules[0].(*ThresholdRule)
	if brute.Category() != core.CategoryBruteForce || brute.MinEvents != 3 || brute.Divisor != 10 {
		t.Errorf("brute force rule = %+v, want min 3 divisor 10", brute)
	}
	findings, _ := brute.Evaluate(repeat(3, "nas", core.SeverityWarn, "x", "auth"), testNow)
	if len(findings) != 1 {
		t.Errorf("findings = %d, want 1 at the lowered threshold", len(findings))
	}
}
