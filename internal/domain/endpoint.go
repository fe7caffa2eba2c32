package domain

import "fmt"

// ProviderKind is the closed set of wire protocols the fetcher can speak.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
)

// ParseProviderKind validates a configured provider type.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(s) {
	case ProviderOpenAI, ProviderAnthropic:
		return ProviderKind(s), nil
	default:
		return "", fmt.Errorf("unknown provider type %q", s)
	}
}

// APIType selects the request/response shape for OpenAI-compatible endpoints.
type APIType string

const (
	APIChatCompletions APIType = "chat_completions"
	APIResponses       APIType = "responses"
	APIMessages        APIType = "messages"
)

// ModelCapabilities is the static capability descriptor of a model.
type ModelCapabilities struct {
	// Thinking models use max_completion_tokens, reject temperature and
	// accept reasoning configuration.
	Thinking bool
	// ThinkingBudget is the Anthropic extended-thinking budget in tokens.
	ThinkingBudget  int
	Vision          bool
	MaxOutputTokens int
	MaxPromptTokens int
	// UseMaxCompletionTokens forces the max_completion_tokens field even for
	// non-thinking models.
	UseMaxCompletionTokens bool
}

// UserLocation is an approximate location hint for web search.
type UserLocation struct {
	City     string
	Region   string
	Country  string
	Timezone string
}

// IsZero reports whether no location field is set.
func (l UserLocation) IsZero() bool {
	return l == UserLocation{}
}

// WebSearchConfig controls automatic injection of the web_search tool.
type WebSearchConfig struct {
	Enabled        bool
	MaxUses        int
	AllowedDomains []string
	BlockedDomains []string
	UserLocation   UserLocation
}

// Endpoint describes where and how a request is sent.
type Endpoint struct {
	Name    string
	Kind    ProviderKind
	API     APIType
	BaseURL string
	Model   string
	Family  string

	// APIKey is used as the credential for BYOK endpoints.
	APIKey string
	// BYOK endpoints accept an empty credential and never consult the
	// shared credential source.
	BYOK bool

	Capabilities  ModelCapabilities
	CustomHeaders map[string]string
	WebSearch     WebSearchConfig

	// AnthropicVersion overrides the anthropic-version header.
	AnthropicVersion string
}

// MaxOutputTokens returns the endpoint default output budget.
func (e *Endpoint) MaxOutputTokens() int {
	return e.Capabilities.MaxOutputTokens
}
