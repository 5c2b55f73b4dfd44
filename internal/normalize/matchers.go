// Package normalize classifies raw syslog messages into normalized events.
package normalize

import (
	"fmt"
	"regexp"

	"github.com/netpanic/netpanic/internal/core"
)

// Classification is what a matcher extracts from a message. Labels do
// not include the vendor label.
type Classification struct {
	Severity core.Severity
	Summary  string
	Labels   []string
}

// Matcher is one entry of the classification cascade.
type Matcher struct {
	Name    string
	Pattern *regexp.Regexp
	Build   func(groups map[string]string) Classification
}

// Match returns the classification if the pattern matches message.
func (m Matcher) Match(message string) (Classification, bool) {
	sub := m.Pattern.FindStringSubmatch(message)
	if sub == nil {
		return Classification{}, false
	}
	groups := make(map[string]string, len(sub))
	for i, name := range m.Pattern.SubexpNames() {
		if name != "" {
			groups[name] = sub[i]
		}
	}
	return m.Build(groups), true
}

// DefaultMatchers returns the built-in cascade, most specific first.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{
			Name:    "ssh_auth",
			Pattern: regexp.MustCompile(`(?P<action>Accepted|Failed) (?P<method>password|publickey) for (?P<user>\S+) from (?P<ip>\S+)`),
			Build: func(g map[string]string) Classification {
				sev := core.SeverityWarn
				if g["action"] == "Accepted" {
					sev = core.SeverityInfo
				}
				return Classification{
					Severity: sev,
					Summary:  fmt.Sprintf("SSH %s for user '%s' via %s from %s", g["action"], g["user"], g["method"], g["ip"]),
					Labels:   []string{"auth", "ssh"},
				}
			},
		},
		{
			Name:    "firewall",
			Pattern: regexp.MustCompile(`(?P<action>DROP|ACCEPT)\s+(?:IN=(?P<iface>\S*))?\s*.*?SRC=(?P<src>\S+)\s+DST=(?P<dst>\S+)(?:.*?PROTO=(?P<proto>\S+))?`),
			Build: func(g map[string]string) Classification {
				sev := core.SeverityInfo
				if g["action"] == "DROP" {
					sev = core.SeverityWarn
				}
				return Classification{
					Severity: sev,
					Summary:  fmt.Sprintf("Firewall %s %s %s -> %s", g["action"], g["proto"], g["src"], g["dst"]),
					Labels:   []string{"firewall"},
				}
			},
		},
		{
			Name:    "dhcp_lease",
			Pattern: regexp.MustCompile(`DHCPACK\s+on\s+(?P<ip>\S+)\s+to\s+(?P<mac>[0-9a-fA-F:]+)(?:\s+\((?P<hostname>[^)]+)\))?(?:\s+via\s+\S+)?`),
			Build: func(g map[string]string) Classification {
				summary := fmt.Sprintf("DHCP lease %s to %s", g["ip"], g["mac"])
				if g["hostname"] != "" {
					summary += " (" + g["hostname"] + ")"
				}
				return Classification{Severity: core.SeverityInfo, Summary: summary, Labels: []string{"dhcp"}}
			},
		},
		{
			Name:    "wan_link",
			Pattern: regexp.MustCompile(`(?P<iface>(?:eth|ppp)\S*)\s+link\s+(?P<state>up|down)`),
			Build: func(g map[string]string) Classification {
				sev := core.SeverityInfo
				if g["state"] == "down" {
					sev = core.SeverityError
				}
				return Classification{
					Severity: sev,
					Summary:  fmt.Sprintf("WAN link %s on %s", g["state"], g["iface"]),
					Labels:   []string{"wan"},
				}
			},
		},
		{
			Name:    "login_failure",
			Pattern: regexp.MustCompile(`(?i)login\s+failure.*?from\s+(?P<ip>\S+)`),
			Build: func(g map[string]string) Classification {
				return Classification{
					Severity: core.SeverityWarn,
					Summary:  "Login failure from " + g["ip"],
					Labels:   []string{"auth"},
				}
			},
		},
	}
}
