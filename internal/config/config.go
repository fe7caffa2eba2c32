// Package config loads fetcher settings from config.yaml and POLY_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// DefaultFile is read when Load is called without a path.
const DefaultFile = "config.yaml"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Server     ServerConfig     `koanf:"server"`
	Fetch      FetchConfig      `koanf:"fetch"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Credential CredentialConfig `koanf:"credential"`
	WebSearch  WebSearchConfig  `koanf:"web_search"`
	Endpoints  []EndpointConfig `koanf:"endpoints"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// ServerConfig configures the mock upstream.
type ServerConfig struct {
	Port    int      `koanf:"port"`
	APIKeys []string `koanf:"api_keys"` // Empty disables key checks
}

type FetchConfig struct {
	Timeout             string `koanf:"timeout"`        // Duration string like "30s"
	HeaderTimeout       string `koanf:"header_timeout"` // Time allowed until response headers arrive
	RetryOnFilter       bool   `koanf:"retry_on_filter"`
	RetryOnError        bool   `koanf:"retry_on_error"`
	DenyPrivateNetworks bool   `koanf:"deny_private_networks"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// CredentialConfig names where the shared bearer token comes from.
type CredentialConfig struct {
	TokenEnv string `koanf:"token_env"`
	Username string `koanf:"username"`
}

type WebSearchConfig struct {
	Enabled        bool               `koanf:"enabled"`
	MaxUses        int                `koanf:"max_uses"`
	AllowedDomains []string           `koanf:"allowed_domains"`
	BlockedDomains []string           `koanf:"blocked_domains"`
	UserLocation   UserLocationConfig `koanf:"user_location"`
}

type UserLocationConfig struct {
	City     string `koanf:"city"`
	Region   string `koanf:"region"`
	Country  string `koanf:"country"`
	Timezone string `koanf:"timezone"`
}

type EndpointConfig struct {
	Name             string             `koanf:"name"`
	Type             string             `koanf:"type"` // openai, anthropic
	API              string             `koanf:"api"`  // chat_completions, responses, messages
	BaseURL          string             `koanf:"base_url"`
	Model            string             `koanf:"model"`
	Family           string             `koanf:"family"`
	APIKey           string             `koanf:"api_key"`
	BYOK             bool               `koanf:"byok"`
	AnthropicVersion string             `koanf:"anthropic_version"`
	CustomHeaders    map[string]string  `koanf:"custom_headers"`
	Capabilities     CapabilitiesConfig `koanf:"capabilities"`
}

type CapabilitiesConfig struct {
	Thinking               bool `koanf:"thinking"`
	ThinkingBudget         int  `koanf:"thinking_budget"`
	Vision                 bool `koanf:"vision"`
	MaxOutputTokens        int  `koanf:"max_output_tokens"`
	MaxPromptTokens        int  `koanf:"max_prompt_tokens"`
	UseMaxCompletionTokens bool `koanf:"use_max_completion_tokens"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path, or DefaultFile when path is empty, then applies POLY_
// environment overrides. A missing DefaultFile is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	name := path
	if name == "" {
		name = DefaultFile
	}
	if err := k.Load(file.Provider(name), yaml.Parser()); err != nil {
		// File not found is OK unless it was asked for explicitly
		if path != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in endpoint API keys and headers
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		ep.APIKey = substituteEnvVars(ep.APIKey)
		for name, v := range ep.CustomHeaders {
			ep.CustomHeaders[name] = substituteEnvVars(v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"log.level":              "info",
		"log.format":             "json",
		"server.port":            8080,
		"fetch.timeout":          "5m",
		"fetch.header_timeout":   "30s",
		"fetch.retry_on_filter":  true,
		"fetch.retry_on_error":   true,
		"telemetry.service_name": "polyglot-llm-fetch",
		"credential.token_env":   "LLM_FETCH_TOKEN",
	}
	for key, v := range defaults {
		k.Set(key, v)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	if _, err := parseDuration("fetch.timeout", c.Fetch.Timeout); err != nil {
		return err
	}
	if _, err := parseDuration("fetch.header_timeout", c.Fetch.HeaderTimeout); err != nil {
		return err
	}
	if len(c.WebSearch.AllowedDomains) > 0 && len(c.WebSearch.BlockedDomains) > 0 {
		return errors.New("web_search: allowed_domains and blocked_domains are mutually exclusive")
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d]: name is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("endpoints[%d]: duplicate name %q", i, ep.Name)
		}
		seen[ep.Name] = true
		if _, err := ep.ToEndpoint(c.WebSearch); err != nil {
			return err
		}
	}
	return nil
}

// FetchTimeout is the per-attempt deadline.
func (c *Config) FetchTimeout() time.Duration {
	d, _ := parseDuration("fetch.timeout", c.Fetch.Timeout)
	return d
}

// HeaderTimeout bounds the wait for response headers.
func (c *Config) HeaderTimeout() time.Duration {
	d, _ := parseDuration("fetch.header_timeout", c.Fetch.HeaderTimeout)
	return d
}

// Endpoint returns the named endpoint, or the first one when name is empty.
func (c *Config) Endpoint(name string) (*domain.Endpoint, error) {
	if len(c.Endpoints) == 0 {
		return nil, errors.New("no endpoints configured")
	}
	for _, ep := range c.Endpoints {
		if name == "" || ep.Name == name {
			return ep.ToEndpoint(c.WebSearch)
		}
	}
	return nil, fmt.Errorf("endpoint %q not found", name)
}

// ToEndpoint converts the configured endpoint, applying web search settings to
// Anthropic endpoints.
func (e EndpointConfig) ToEndpoint(ws WebSearchConfig) (*domain.Endpoint, error) {
	kind, err := domain.ParseProviderKind(e.Type)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", e.Name, err)
	}
	if e.Model == "" {
		return nil, fmt.Errorf("endpoint %s: model is required", e.Name)
	}

	api := domain.APIType(e.API)
	switch kind {
	case domain.ProviderAnthropic:
		if api == "" {
			api = domain.APIMessages
		}
		if api != domain.APIMessages {
			return nil, fmt.Errorf("endpoint %s: api %q is not supported by anthropic", e.Name, e.API)
		}
	case domain.ProviderOpenAI:
		if api == "" {
			api = domain.APIChatCompletions
		}
		if api != domain.APIChatCompletions && api != domain.APIResponses {
			return nil, fmt.Errorf("endpoint %s: api %q is not supported by openai", e.Name, e.API)
		}
	}

	ep := &domain.Endpoint{
		Name:    e.Name,
		Kind:    kind,
		API:     api,
		BaseURL: e.BaseURL,
		Model:   e.Model,
		Family:  e.Family,
		APIKey:  e.APIKey,
		BYOK:    e.BYOK,
		Capabilities: domain.ModelCapabilities{
			Thinking:               e.Capabilities.Thinking,
			ThinkingBudget:         e.Capabilities.ThinkingBudget,
			Vision:                 e.Capabilities.Vision,
			MaxOutputTokens:        e.Capabilities.MaxOutputTokens,
			MaxPromptTokens:        e.Capabilities.MaxPromptTokens,
			UseMaxCompletionTokens: e.Capabilities.UseMaxCompletionTokens,
		},
		CustomHeaders:    e.CustomHeaders,
		AnthropicVersion: e.AnthropicVersion,
	}
	if ep.Family == "" {
		ep.Family = e.Model
	}
	if kind == domain.ProviderAnthropic {
		ep.WebSearch = domain.WebSearchConfig{
			Enabled:        ws.Enabled,
			MaxUses:        ws.MaxUses,
			AllowedDomains: ws.AllowedDomains,
			BlockedDomains: ws.BlockedDomains,
			UserLocation: domain.UserLocation{
				City:     ws.UserLocation.City,
				Region:   ws.UserLocation.Region,
				Country:  ws.UserLocation.Country,
				Timezone: ws.UserLocation.Timezone,
			},
		}
	}
	return ep, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}
