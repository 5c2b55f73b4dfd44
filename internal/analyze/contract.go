// Package analyze turns findings into operator-facing insights, using an
// LLM when one is configured and a deterministic rule table otherwise.
package analyze

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed contracts
var contractsFS embed.FS

// DefaultPromptVersion is the contract shipped with the binary.
const DefaultPromptVersion = "analyzer.v1"

// Contract is one versioned prompt: system text, user template and the
// JSON schema the model's answer must satisfy.
type Contract struct {
	Version      string
	System       string
	UserTemplate string
	SchemaJSON   []byte

	schema *gojsonschema.Schema
}

// Prompt is a rendered contract.
type Prompt struct {
	System string
	User   string
}

// String joins both sections the way single-message backends expect.
func (p Prompt) String() string {
	return p.System + "\n\n" + p.User
}

// Output is a contract-conforming model answer.
type Output struct {
	Summary            string   `json:"summary"`
	RiskLevel          string   `json:"risk_level,omitempty"`
	RecommendedActions []string `json:"recommended_actions"`
	Confidence         *float64 `json:"confidence,omitempty"`
	Evidence           []string `json:"evidence,omitempty"`
	Rationale          string   `json:"rationale,omitempty"`
}

// OutputContractError reports model output that is not JSON or does not
// conform to the contract schema.
type OutputContractError struct {
	Msg string
}

func (e *OutputContractError) Error() string { return e.Msg }

// Versions lists the embedded contract versions.
func Versions() []string {
	entries, _ := contractsFS.ReadDir("contracts")
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// LoadContract reads and compiles an embedded contract. version may be
// given as "analyzer.v1" or just "v1".
func LoadContract(version string) (*Contract, error) {
	if !strings.HasPrefix(version, "analyzer.") {
		version = "analyzer." + version
	}
	dir := path.Join("contracts", version)
	if _, err := fs.Stat(contractsFS, dir); err != nil {
		return nil, fmt.Errorf("unknown prompt contract %q", version)
	}

	read := func(name string) ([]byte, error) {
		data, err := contractsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("prompt contract %s: reading %s: %w", version, name, err)
		}
		return data, nil
	}
	system, err := read("system.md")
	if err != nil {
		return nil, err
	}
	user, err := read("user_template.md")
	if err != nil {
		return nil, err
	}
	schemaJSON, err := read("output_schema.json")
	if err != nil {
		return nil, err
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("prompt contract %s: compiling output schema: %w", version, err)
	}
	return &Contract{
		Version:      version,
		System:       strings.TrimRight(string(system), "\n"),
		UserTemplate: strings.TrimRight(string(user), "\n"),
		SchemaJSON:   schemaJSON,
		schema:       schema,
	}, nil
}

// Render substitutes a finding's category, confidence and details into
// the user template.
func (c *Contract) Render(category string, confidence float64, details map[string]any) (Prompt, error) {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return Prompt{}, fmt.Errorf("marshaling finding details: %w", err)
	}
	user := strings.NewReplacer(
		"{{category}}", category,
		"{{confidence}}", strconv.FormatFloat(confidence, 'f', -1, 64),
		"{{details_json}}", string(detailsJSON),
	).Replace(c.UserTemplate)
	return Prompt{System: c.System, User: user}, nil
}

// Parse validates raw model text against the contract. Markdown code
// fences around the JSON are tolerated.
func (c *Contract) Parse(raw string) (*Output, error) {
	var doc any
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &doc); err != nil {
		return nil, &OutputContractError{Msg: fmt.Sprintf("LLM output is not valid JSON: %v", err)}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, &OutputContractError{Msg: fmt.Sprintf("LLM output must be a JSON object, got %s", jsonKind(doc))}
	}
	if err := c.validate(gojsonschema.NewGoLoader(doc)); err != nil {
		return nil, &OutputContractError{Msg: "LLM output schema validation failed: " + err.Error()}
	}

	var out Output
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &out); err != nil {
		return nil, &OutputContractError{Msg: fmt.Sprintf("LLM output is not valid JSON: %v", err)}
	}
	return &out, nil
}

// ValidateDocument checks a JSON document against the output schema.
func (c *Contract) ValidateDocument(data []byte) error {
	if !json.Valid(data) {
		return errors.New("document is not valid JSON")
	}
	return c.validate(gojsonschema.NewBytesLoader(data))
}

func (c *Contract) validate(doc gojsonschema.JSONLoader) error {
	result, err := c.schema.Validate(doc)
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Fixtures returns the embedded eval fixtures for the contract, keyed by
// file name. Every fixture is expected to validate.
func (c *Contract) Fixtures() (map[string][]byte, error) {
	dir := path.Join("contracts", c.Version, "eval")
	entries, err := contractsFS.ReadDir(dir)
	if err != nil {
		return map[string][]byte{}, nil
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := contractsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading fixture %s: %w", e.Name(), err)
		}
		out[e.Name()] = data
	}
	return out, nil
}

// cleanJSON extracts JSON from a response that might have markdown fencing.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
