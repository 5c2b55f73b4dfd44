package ingest

import (
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/netpanic/netpanic/internal/core"
)

// MaxPriority is the largest representable PRI value (facility 23, severity 7).
const MaxPriority = 191

var facilityNames = [24]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var severityNames = [8]string{
	"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
}

var (
	priRe = regexp.MustCompile(`(?s)^<(\d{1,3})>(.*)$`)
	// RFC 3164: Mon DD HH:MM:SS hostname program[pid]: message
	headerRe = regexp.MustCompile(`(?s)^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}:\d{2}:\d{2})\s+(\S+)\s+([^\[:\s]+)(?:\[(\d+)\])?:\s*(.*)$`)
)

// Decoded is the result of Decode. Message is always the original line.
type Decoded struct {
	Message    string
	Attributes core.SyslogAttributes
}

// Decode parses an RFC 3164 style line. Lines without a <PRI> prefix are
// returned with empty attributes. maxLength counts characters.
func Decode(line string, maxLength int) (Decoded, error) {
	if line == "" {
		return Decoded{}, core.Validationf("syslog line must not be empty")
	}
	if utf8.RuneCountInString(line) > maxLength {
		return Decoded{}, core.Validationf("syslog line exceeds max length of %d", maxLength)
	}

	out := Decoded{Message: line}
	m := priRe.FindStringSubmatch(line)
	if m == nil {
		return out, nil
	}

	pri, _ := strconv.Atoi(m[1])
	if pri > MaxPriority {
		return Decoded{}, core.Validationf("PRI value %d exceeds maximum of %d", pri, MaxPriority)
	}
	out.Attributes = core.SyslogAttributes{
		Priority: &pri,
		Facility: facilityNames[pri>>3],
		Severity: severityNames[pri&0x07],
	}

	if h := headerRe.FindStringSubmatch(m[2]); h != nil {
		out.Attributes.Hostname = h[4]
		out.Attributes.Program = h[5]
		if h[6] != "" {
			if pid, err := strconv.Atoi(h[6]); err == nil {
				out.Attributes.PID = &pid
			}
		}
	}
	return out, nil
}
