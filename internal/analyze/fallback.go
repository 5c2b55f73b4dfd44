package analyze

import (
	"fmt"
	"math"

	"github.com/netpanic/netpanic/internal/core"
)

// genericAction is recommended for categories without a table entry.
const genericAction = "Review evidence and correlate with adjacent device logs before acting."

var fallbackActions = map[string]string{
	core.CategoryBruteForce:   "Block the offending source address at the firewall and require key-based or MFA login on the targeted service.",
	core.CategoryWANFlap:      "Check WAN link health, cabling and ISP status, and consider a failover uplink.",
	core.CategoryFirewallDeny: "Review firewall deny logs for the top sources and rate-limit or block persistent scanners.",
	core.CategoryDHCPChurn:    "Audit DHCP leases for unknown or flapping clients and check for a rogue DHCP server.",
	core.CategoryDNSAnomaly:   "Inspect DNS query logs for the affected clients and check resolver settings for tampering.",
}

// FallbackRecommendation returns the table action for category.
func FallbackRecommendation(category string) string {
	if action, ok := fallbackActions[category]; ok {
		return action
	}
	return genericAction
}

func fallbackSummary(f core.Finding) string {
	if device, ok := f.Details["source_device"].(string); ok && device != "" {
		return fmt.Sprintf("%s detected on %s", f.Category, device)
	}
	return fmt.Sprintf("%s detected", f.Category)
}

func fallbackRationale(category string, confidence float64, details map[string]any) string {
	s := fmt.Sprintf("Rule-based assessment of %s with confidence %.2f.", category, confidence)
	if n, ok := count(details["attempts"]); ok {
		s += fmt.Sprintf(" Observed %d attempts.", n)
	}
	return s
}

// count reads an integral detail value that may have been through JSON.
func count(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}
