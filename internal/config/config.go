// Package config loads the JSON server configuration and credentials files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level server configuration, loaded once at startup from
// a JSON file (see external interfaces: config files are JSON, not YAML).
type Config struct {
	APIKey  string `json:"apiKey"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Region  string `json:"region,omitempty"`

	// TLSBackend selects the outbound TLS stack identifier; this proxy
	// always uses the standard library's TLS client regardless of value,
	// the field exists only for config-file compatibility.
	TLSBackend string `json:"tlsBackend,omitempty"`

	KiroVersion   string `json:"kiroVersion,omitempty"`
	MachineID     string `json:"machineId,omitempty"`
	SystemVersion string `json:"systemVersion,omitempty"`
	NodeVersion   string `json:"nodeVersion,omitempty"`

	CountTokensAPI *CountTokensAPIConfig `json:"countTokensApi,omitempty"`
	Proxy          *ProxyConfig          `json:"proxy,omitempty"`

	AdminAPIKey string `json:"adminApiKey,omitempty"`

	// CredentialRPM is the per-credential requests-per-minute pace, applied
	// to every loaded credential at startup; there is no per-credential
	// override.
	CredentialRPM int `json:"credentialRpm,omitempty"`

	Compression CompressionConfig `json:"compression,omitempty"`

	LogFile       string `json:"logFile,omitempty"`
	SensitiveLogs bool   `json:"sensitiveLogs,omitempty"`
}

type CountTokensAPIConfig struct {
	URL      string `json:"url,omitempty"`
	Key      string `json:"key,omitempty"`
	AuthType string `json:"authType,omitempty"`
}

type ProxyConfig struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CompressionConfig uses getters with defaults so every knob has a safe
// zero value and callers never branch on nil.
type CompressionConfig struct {
	Enabled                     *bool    `json:"enabled,omitempty"`
	ThresholdPercent            *float64 `json:"thresholdPercent,omitempty"`
	MaxSummaryTokens            *int     `json:"maxSummaryTokens,omitempty"`
	SummarizationTimeoutSeconds *int     `json:"summarizationTimeoutSeconds,omitempty"`
	FallbackToRegex             *bool    `json:"fallbackToRegex,omitempty"`
	ThinkingBlockStrategy       string   `json:"thinkingBlockStrategy,omitempty"` // discard|truncate|keep
	ThinkingMaxChars            *int     `json:"thinkingMaxChars,omitempty"`
}

func (c *CompressionConfig) IsEnabled() bool {
	if c == nil || c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *CompressionConfig) GetThresholdPercent() float64 {
	if c == nil || c.ThresholdPercent == nil {
		return 0.75
	}
	return *c.ThresholdPercent
}

func (c *CompressionConfig) GetMaxSummaryTokens() int {
	if c == nil || c.MaxSummaryTokens == nil {
		return 2000
	}
	return *c.MaxSummaryTokens
}

func (c *CompressionConfig) GetSummarizationTimeout() int {
	if c == nil || c.SummarizationTimeoutSeconds == nil {
		return 30
	}
	return *c.SummarizationTimeoutSeconds
}

func (c *CompressionConfig) ShouldFallbackToRegex() bool {
	if c == nil || c.FallbackToRegex == nil {
		return true
	}
	return *c.FallbackToRegex
}

func (c *CompressionConfig) ThinkingStrategy() string {
	if c == nil || c.ThinkingBlockStrategy == "" {
		return "truncate"
	}
	return c.ThinkingBlockStrategy
}

func (c *CompressionConfig) GetThinkingMaxChars() int {
	if c == nil || c.ThinkingMaxChars == nil {
		return 4000
	}
	return *c.ThinkingMaxChars
}

// Defaults fills in the documented defaults for optional fields.
func (c *Config) Defaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.TLSBackend == "" {
		c.TLSBackend = "rustls"
	}
}

// Validate checks the invariants the external-interfaces section requires.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("config: apiKey is required")
	}
	if c.MachineID != "" && !isHex64(c.MachineID) {
		return fmt.Errorf("config: machineId must be 64 hex characters")
	}
	return nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// Load reads and parses the config file at path, applying defaults and
// validating it. Parse/validation failure corresponds to exit code 2.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
