package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire netpanic configuration.
type Config struct {
	Ingress    IngressConfig    `yaml:"ingress"`
	Bus        BusConfig        `yaml:"bus"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Detector   DetectorConfig   `yaml:"detector"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// IngressConfig holds syslog receiver settings.
type IngressConfig struct {
	ListenHost       string  `yaml:"listen_host"`
	ListenPortUDP    int     `yaml:"listen_port_udp"`
	ListenPortTCP    int     `yaml:"listen_port_tcp"`
	MaxLineLength    int     `yaml:"max_line_length"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst   int     `yaml:"rate_limit_burst"`
	SpoolEnabled     bool    `yaml:"spool_enabled"`
	SpoolDir         string  `yaml:"spool_dir"`
	SpoolTTLSeconds  int     `yaml:"spool_ttl_seconds"`
	SpoolPurgeEvery  string  `yaml:"spool_purge_every"`
	DisableRateLimit bool    `yaml:"disable_rate_limit"`
}

// SpoolTTL returns the spool retention as a duration.
func (c IngressConfig) SpoolTTL() time.Duration {
	return time.Duration(c.SpoolTTLSeconds) * time.Second
}

// PurgeInterval returns how often `up` purges the spool. Invalid values
// fall back to ten minutes.
func (c IngressConfig) PurgeInterval() time.Duration {
	d, err := time.ParseDuration(c.SpoolPurgeEvery)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// BusConfig holds message bus settings. Backend is "memory" or "nats".
type BusConfig struct {
	Backend  string `yaml:"backend"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// NormalizerConfig holds normalization settings.
type NormalizerConfig struct {
	VendorLabel   string `yaml:"vendor_label"`
	SummaryBudget int    `yaml:"summary_budget"`
}

// RuleConfig tunes one detection rule. Zero or unset fields take the
// built-in value for the rule's category.
type RuleConfig struct {
	Enabled   *bool   `yaml:"enabled,omitempty"`
	MinEvents int     `yaml:"min_events"`
	Divisor   float64 `yaml:"divisor"`
}

// IsEnabled reports whether the rule runs. An unset flag means enabled.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func enabled(v bool) *bool { return &v }

// DetectorConfig holds detection settings. Rules are keyed by category.
type DetectorConfig struct {
	BatchWindow  string                `yaml:"batch_window"`
	MaxBatchSize int                   `yaml:"max_batch_size"`
	Rules        map[string]RuleConfig `yaml:"rules"`
}

// Window returns the batch window, defaulting to five seconds.
func (c DetectorConfig) Window() time.Duration {
	d, err := time.ParseDuration(c.BatchWindow)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// LLMConfig configures the OpenAI-compatible model endpoint. An empty
// BaseURL disables the LLM path.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Enabled reports whether an LLM endpoint is configured.
func (c LLMConfig) Enabled() bool {
	return c.BaseURL != ""
}

// RequestTimeout returns the bounded per-request timeout.
func (c LLMConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// AnalyzerConfig holds analysis settings.
type AnalyzerConfig struct {
	InsightTopic  string    `yaml:"insight_topic"`
	PromptVersion string    `yaml:"prompt_version"`
	LLM           LLMConfig `yaml:"llm"`
}

// StoreConfig selects the key/value backend: "memory" or "nats".
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
}

// MetricsConfig holds the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRules returns the built-in rule thresholds.
func DefaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		CategoryBruteForce:   {Enabled: enabled(true), MinEvents: 5, Divisor: 10},
		CategoryWANFlap:      {Enabled: enabled(true), MinEvents: 3, Divisor: 6},
		CategoryFirewallDeny: {Enabled: enabled(true), MinEvents: 10, Divisor: 20},
		CategoryDHCPChurn:    {Enabled: enabled(true), MinEvents: 5, Divisor: 10},
	}
}

// DefaultConfig returns a Config that works with zero configuration.
func DefaultConfig() *Config {
	return &Config{
		Ingress: IngressConfig{
			ListenHost:      "0.0.0.0",
			ListenPortUDP:   514,
			ListenPortTCP:   514,
			MaxLineLength:   8192,
			RateLimitPerSec: 5000,
			RateLimitBurst:  10000,
			SpoolEnabled:    false,
			SpoolDir:        "/var/spool/netpanic-ingress",
			SpoolTTLSeconds: 86400,
			SpoolPurgeEvery: "10m",
		},
		Bus: BusConfig{
			Backend:  "nats",
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Normalizer: NormalizerConfig{
			VendorLabel:   "synology",
			SummaryBudget: 80,
		},
		Detector: DetectorConfig{
			BatchWindow:  "5s",
			MaxBatchSize: 500,
			Rules:        DefaultRules(),
		},
		Analyzer: AnalyzerConfig{
			InsightTopic:  TopicInsights,
			PromptVersion: "analyzer.v1",
			LLM: LLMConfig{
				Model:       "gpt-4o-mini",
				Timeout:     "15s",
				Temperature: 0.1,
				MaxTokens:   800,
			},
		},
		Store: StoreConfig{
			Backend: "memory",
			Bucket:  "netpanic",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillRuleDefaults()
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays INGRESS_* and NETPANIC_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("INGRESS_LISTEN_HOST", &c.Ingress.ListenHost)
	str("INGRESS_SPOOL_DIR", &c.Ingress.SpoolDir)
	str("NETPANIC_LOG_LEVEL", &c.Logging.Level)
	str("NETPANIC_LLM_API_KEY", &c.Analyzer.LLM.APIKey)
	str("NETPANIC_NATS_URL", &c.Bus.URL)

	for key, dst := range map[string]*int{
		"INGRESS_LISTEN_PORT_UDP":   &c.Ingress.ListenPortUDP,
		"INGRESS_LISTEN_PORT_TCP":   &c.Ingress.ListenPortTCP,
		"INGRESS_MAX_LINE_LENGTH":   &c.Ingress.MaxLineLength,
		"INGRESS_RATE_LIMIT_BURST":  &c.Ingress.RateLimitBurst,
		"INGRESS_SPOOL_TTL_SECONDS": &c.Ingress.SpoolTTLSeconds,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("INGRESS_RATE_LIMIT_PER_SEC"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("env INGRESS_RATE_LIMIT_PER_SEC: %w", err)
		}
		c.Ingress.RateLimitPerSec = f
	}
	if v, ok := lookup("INGRESS_SPOOL_ENABLED"); ok && v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.Ingress.SpoolEnabled = true
		default:
			c.Ingress.SpoolEnabled = false
		}
	}
	return nil
}

// fillRuleDefaults keeps built-in rules present when a YAML file only
// overrides some of them, and fills the fields a partial override leaves
// unset. yaml.v3 decodes each map entry into a fresh zero value, so an
// entry that only sets min_events arrives with no enabled flag or divisor.
func (c *Config) fillRuleDefaults() {
	if c.Detector.Rules == nil {
		c.Detector.Rules = map[string]RuleConfig{}
	}
	for name, def := range DefaultRules() {
		rc, ok := c.Detector.Rules[name]
		if !ok {
			c.Detector.Rules[name] = def
			continue
		}
		if rc.Enabled == nil {
			rc.Enabled = def.Enabled
		}
		if rc.MinEvents == 0 {
			rc.MinEvents = def.MinEvents
		}
		if rc.Divisor == 0 {
			rc.Divisor = def.Divisor
		}
		c.Detector.Rules[name] = rc
	}
}

// Validate returns human-readable warnings and hard errors.
func (c *Config) Validate() (warnings, errs []string) {
	in := c.Ingress
	if in.ListenPortUDP < 0 || in.ListenPortUDP > 65535 {
		errs = append(errs, fmt.Sprintf("ingress.listen_port_udp %d out of range", in.ListenPortUDP))
	}
	if in.ListenPortTCP < 0 || in.ListenPortTCP > 65535 {
		errs = append(errs, fmt.Sprintf("ingress.listen_port_tcp %d out of range", in.ListenPortTCP))
	}
	if in.MaxLineLength <= 0 {
		errs = append(errs, "ingress.max_line_length must be positive")
	}
	if in.RateLimitPerSec < 0 {
		errs = append(errs, "ingress.rate_limit_per_sec must not be negative")
	}
	if in.RateLimitBurst <= 0 && !in.DisableRateLimit {
		errs = append(errs, "ingress.rate_limit_burst must be positive")
	}
	if in.SpoolEnabled && in.SpoolDir == "" {
		errs = append(errs, "ingress.spool_dir is required when spooling is enabled")
	}
	if in.SpoolEnabled && in.SpoolTTLSeconds <= 0 {
		warnings = append(warnings, "ingress.spool_ttl_seconds <= 0: spooled lines are purged on every pass")
	}
	if (in.ListenPortUDP > 0 && in.ListenPortUDP < 1024) || (in.ListenPortTCP > 0 && in.ListenPortTCP < 1024) {
		warnings = append(warnings, "privileged syslog ports require root or CAP_NET_BIND_SERVICE")
	}

	switch c.Bus.Backend {
	case "memory", "nats":
	default:
		errs = append(errs, fmt.Sprintf("bus.backend %q must be memory or nats", c.Bus.Backend))
	}
	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.Bus.Backend != "nats" {
			errs = append(errs, "store.backend nats requires bus.backend nats")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be memory or nats", c.Store.Backend))
	}

	for name, rc := range c.Detector.Rules {
		if !rc.IsEnabled() {
			continue
		}
		if rc.MinEvents <= 0 {
			errs = append(errs, fmt.Sprintf("detector.rules.%s.min_events must be positive", name))
		}
		if rc.Divisor <= 0 {
			errs = append(errs, fmt.Sprintf("detector.rules.%s.divisor must be positive", name))
		}
	}
	if c.Detector.MaxBatchSize <= 0 {
		errs = append(errs, "detector.max_batch_size must be positive")
	}

	if c.Analyzer.LLM.Enabled() && c.Analyzer.LLM.APIKey == "" {
		warnings = append(warnings, "analyzer.llm.base_url set without api_key")
	}
	if !c.Analyzer.LLM.Enabled() {
		warnings = append(warnings, "analyzer.llm disabled: insights use rule fallback only")
	}
	return warnings, errs
}

// LogLevel returns the lowercased log level.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
