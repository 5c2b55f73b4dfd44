package core

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// NewEventIDs returns an event id and a correlation id derived from one
// fresh random token.
func NewEventIDs() (eventID, correlationID string) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "evt-" + token, "corr-" + token
}

// FindingID is sha256("category:key:sorted ids") truncated to 16 hex chars.
func FindingID(category, groupKey string, eventIDs []string) string {
	return "find-" + digest(category+":"+groupKey+":"+strings.Join(sorted(eventIDs), ":"))
}

// InsightID is derived from the prompt contract version and finding id.
func InsightID(promptVersion, findingID string) string {
	return "ins-" + digest(promptVersion+":"+findingID)
}

// DeadLetterID is derived from the error text and the contributing event ids.
func DeadLetterID(errMsg string, eventIDs []string) string {
	return "dlq-" + digest(errMsg+":"+strings.Join(sorted(eventIDs), ":"))
}

func sorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
