package domain

// HardToolLimit is the maximum number of tools a single request may carry.
const HardToolLimit = 128

// Well-known tool names that providers may map to native capabilities.
const (
	ToolNameMemory    = "memory"
	ToolNameWebSearch = "web_search"
)

// ToolDefinition represents a tool that the model can call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema
}

// SamplingParams holds the optional sampling knobs of a request.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	// N is the number of choices requested. Zero means the provider default (1).
	N    int      `json:"n,omitempty"`
	Stop []string `json:"stop,omitempty"`
}

// Prediction is a predicted-output hint for speculative decoding.
type Prediction struct {
	Content string `json:"content"`
}

// RequestOptions is the provider-agnostic description of one chat request.
type RequestOptions struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// ToolChoice is passed through to the provider when set ("auto", "none", "required" or a tool name).
	ToolChoice string         `json:"tool_choice,omitempty"`
	Sampling   SamplingParams `json:"sampling"`

	// MaxOutputTokens caps the response length. Zero means the endpoint default.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
	// MaximizeOutput asks for the largest output the provider allows.
	MaximizeOutput bool `json:"maximize_output,omitempty"`

	// Stream is always forced to true; non-streamed responses are not supported.
	Stream bool `json:"stream"`

	PreviousResponseID string      `json:"previous_response_id,omitempty"`
	Prediction         *Prediction `json:"prediction,omitempty"`
}

// HasImages reports whether any message carries an image part.
func (o *RequestOptions) HasImages() bool {
	for _, m := range o.Messages {
		if m.HasImages() {
			return true
		}
	}
	return false
}

// HasTool reports whether a tool with the given name is present.
func (o *RequestOptions) HasTool(name string) bool {
	for _, t := range o.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Usage represents token usage.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	ReasoningTokens     int `json:"reasoning_tokens,omitempty"`
}
