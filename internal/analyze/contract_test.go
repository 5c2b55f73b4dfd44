package analyze

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadV1(t *testing.T) *Contract {
	t.Helper()
	c, err := LoadContract(DefaultPromptVersion)
	require.NoError(t, err)
	return c
}

// ─── Loading ────────────────────────────────────────────────────────────────

func TestLoadContract(t *testing.T) {
	c := loadV1(t)
	assert.Equal(t, "analyzer.v1", c.Version)
	assert.NotEmpty(t, c.System)
	assert.Contains(t, c.UserTemplate, "{{details_json}}")

	short, err := LoadContract("v1")
	require.NoError(t, err)
	assert.Equal(t, c.Version, short.Version)

	_, err = LoadContract("analyzer.v99")
	assert.ErrorContains(t, err, "unknown prompt contract")

	assert.Contains(t, Versions(), "analyzer.v1")
}

func TestContract_Fixtures(t *testing.T) {
	c := loadV1(t)
	fixtures, err := c.Fixtures()
	require.NoError(t, err)
	require.NotEmpty(t, fixtures)
	for name, data := range fixtures {
		assert.NoError(t, c.ValidateDocument(data), name)
	}
	assert.Error(t, c.ValidateDocument([]byte(`{"summary":"missing fields"}`)))
	assert.Error(t, c.ValidateDocument([]byte(`nope`)))
}

// ─── Render ─────────────────────────────────────────────────────────────────

func TestContract_Render(t *testing.T) {
	c := loadV1(t)
	p, err := c.Render("brute-force-suspected", 0.82, map[string]any{"source_ip": "192.0.2.10", "attempts": 14})
	require.NoError(t, err)

	assert.Contains(t, p.User, "brute-force-suspected")
	assert.Contains(t, p.User, "0.82")
	assert.Contains(t, p.User, `{"attempts":14,"source_ip":"192.0.2.10"}`)
	assert.NotContains(t, p.User, "{{")
	assert.True(t, strings.HasPrefix(p.String(), c.System+"\n\n"))

	p, err = c.Render("x", 1, nil)
	require.NoError(t, err)
	assert.Contains(t, p.User, "Detector confidence: 1\n")
	assert.Contains(t, p.User, "{}")
}

// ─── Parse ──────────────────────────────────────────────────────────────────

func TestContract_Parse(t *testing.T) {
	c := loadV1(t)
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"valid", `{"summary":"s","recommended_actions":["a"]}`, ""},
		{"fenced", "```json\n{\"summary\":\"s\",\"recommended_actions\":[\"a\"],\"confidence\":0.4}\n```", ""},
		{"bare fence", "```\n{\"summary\":\"s\",\"recommended_actions\":[\"a\"]}\n```", ""},
		{"not json", "not json at all", "LLM output is not valid JSON"},
		{"empty", "", "LLM output is not valid JSON"},
		{"array", `["a"]`, "must be a JSON object, got array"},
		{"missing actions", `{"summary":"partial"}`, "schema validation failed"},
		{"empty actions", `{"summary":"s","recommended_actions":[]}`, "schema validation failed"},
		{"blank action", `{"summary":"s","recommended_actions":[""]}`, "schema validation failed"},
		{"bad risk", `{"summary":"s","recommended_actions":["a"],"risk_level":"severe"}`, "schema validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Parse(tt.raw)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "s", out.Summary)
				assert.Equal(t, []string{"a"}, out.RecommendedActions)
				return
			}
			require.Error(t, err)
			var contractErr *OutputContractError
			assert.True(t, errors.As(err, &contractErr))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("  ```json\n{\"a\":1}\n```  "))
	assert.Equal(t, `{"a":1}`, cleanJSON(`{"a":1}`))
}
