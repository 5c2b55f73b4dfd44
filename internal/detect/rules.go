// Package detect evaluates threshold rules over batches of normalized
// events and emits findings, dead-lettering batches a rule fails on.
package detect

import (
	"slices"
	"strings"
	"time"

	"github.com/netpanic/netpanic/internal/core"
)

// Rule is one independent detection evaluator. Evaluate must only read
// events; it may run concurrently with other rules over the same batch.
type Rule interface {
	Name() string
	Category() string
	Evaluate(events []core.NormalizedEvent, now time.Time) ([]core.Finding, error)
}

// ThresholdRule selects events with Match, groups them by source device
// and emits one finding per group of at least MinEvents. Confidence is
// min(len(group)/Divisor, 1).
type ThresholdRule struct {
	RuleName  string
	Cat       string
	MinEvents int
	Divisor   float64
	Match     func(core.NormalizedEvent) bool
	// CountKey names the details entry holding the group size.
	CountKey string
}

func (r *ThresholdRule) Name() string     { return r.RuleName }
func (r *ThresholdRule) Category() string { return r.Cat }

// Evaluate implements Rule. Findings are ordered by the first appearance
// of their device in events.
func (r *ThresholdRule) Evaluate(events []core.NormalizedEvent, now time.Time) ([]core.Finding, error) {
	var order []string
	groups := make(map[string][]core.NormalizedEvent)
	for _, evt := range events {
		if !r.Match(evt) {
			continue
		}
		device := evt.SourceDevice
		if device == "" {
			device = "unknown"
		}
		if _, ok := groups[device]; !ok {
			order = append(order, device)
		}
		groups[device] = append(groups[device], evt)
	}

	var findings []core.Finding
	for _, device := range order {
		group := groups[device]
		if len(group) < r.MinEvents {
			continue
		}
		confidence := min(float64(len(group))/r.Divisor, 1.0)
		details := map[string]any{
			"source_device": device,
			r.CountKey:      len(group),
		}
		findings = append(findings, core.NewFinding(r.Cat, device, group, confidence, now, details))
	}
	return findings, nil
}

func severityIn(sevs ...core.Severity) func(core.NormalizedEvent) bool {
	return func(evt core.NormalizedEvent) bool {
		return slices.Contains(sevs, evt.Severity)
	}
}

func matchBruteForce(evt core.NormalizedEvent) bool {
	return evt.HasLabel("auth") && severityIn(core.SeverityWarn, core.SeverityError)(evt)
}

func matchWANFlap(evt core.NormalizedEvent) bool {
	if !evt.HasLabel("wan") && !evt.HasLabel("link") {
		return false
	}
	s := strings.ToLower(evt.Summary)
	return strings.Contains(s, "up") || strings.Contains(s, "down")
}

func matchFirewallDeny(evt core.NormalizedEvent) bool {
	return evt.HasLabel("firewall") && severityIn(core.SeverityWarn, core.SeverityError)(evt)
}

func matchDHCP(evt core.NormalizedEvent) bool {
	return evt.HasLabel("dhcp")
}

// builtin lists the shipped rules in evaluation order.
var builtin = []struct {
	name     string
	category string
	match    func(core.NormalizedEvent) bool
	countKey string
}{
	{"detect_brute_force", core.CategoryBruteForce, matchBruteForce, "attempts"},
	{"detect_wan_flaps", core.CategoryWANFlap, matchWANFlap, "flap_count"},
	{"detect_firewall_denies", core.CategoryFirewallDeny, matchFirewallDeny, "deny_count"},
	{"detect_dhcp_churn", core.CategoryDHCPChurn, matchDHCP, "churn_count"},
}

// DefaultRules builds the shipped rules from per-category settings.
// Rules are enabled unless their flag is explicitly false; missing or zero
// settings fall back to the built-in thresholds.
func DefaultRules(cfg map[string]core.RuleConfig) []Rule {
	defaults := core.DefaultRules()
	rules := make([]Rule, 0, len(builtin))
	for _, b := range builtin {
		rc, ok := cfg[b.category]
		if !ok {
			rc = defaults[b.category]
		}
		if !rc.IsEnabled() {
			continue
		}
		if rc.MinEvents <= 0 {
			rc.MinEvents = defaults[b.category].MinEvents
		}
		if rc.Divisor <= 0 {
			rc.Divisor = defaults[b.category].Divisor
		}
		rules = append(rules, &ThresholdRule{
			RuleName:  b.name,
			Cat:       b.category,
			MinEvents: rc.MinEvents,
			Divisor:   rc.Divisor,
			Match:     b.match,
			CountKey:  b.countKey,
		})
	}
	return rules
}
