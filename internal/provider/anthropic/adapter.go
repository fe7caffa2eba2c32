// Package anthropic adapts provider-agnostic requests to the Anthropic
// Messages API and decodes its typed SSE stream into deltas.
package anthropic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	anthropicapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

const (
	// defaultMaxTokens is used when neither the caller nor the endpoint
	// provides an output budget. The Messages API requires max_tokens.
	defaultMaxTokens = 4096
	// minThinkingBudget is the smallest budget the API accepts.
	minThinkingBudget = 1024
)

// emptySchema is the schema sent for tools that declare no parameters.
var emptySchema = map[string]any{"type": "object", "properties": map[string]any{}}

// NewRequest builds the outbound streaming request for ep.
func NewRequest(ep *domain.Endpoint, opts *domain.RequestOptions, token string) (*transport.Request, error) {
	apiReq, betas := BuildRequest(ep, opts)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	header := make(http.Header)
	anthropicapi.SetHeaders(header, token, ep.AnthropicVersion, betas)

	return &transport.Request{
		Method: http.MethodPost,
		URL:    anthropicapi.MessagesURL(ep.BaseURL),
		Header: header,
		Body:   body,
	}, nil
}

// BuildRequest converts opts into a Messages API body and returns the beta
// features the body depends on.
func BuildRequest(ep *domain.Endpoint, opts *domain.RequestOptions) (*anthropicapi.MessagesRequest, []string) {
	model := opts.Model
	if model == "" {
		model = ep.Model
	}

	system, messages := toAPIMessages(opts.Messages)
	apiReq := &anthropicapi.MessagesRequest{
		Model:         model,
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens(ep, opts),
		Temperature:   opts.Sampling.Temperature,
		TopP:          opts.Sampling.TopP,
		Stream:        true,
		StopSequences: opts.Sampling.Stop,
		ToolChoice:    toToolChoice(opts.ToolChoice),
	}

	var betas []string
	tools, usesMemory := toAPITools(opts.Tools, ep.WebSearch)
	if len(tools) > 0 {
		apiReq.Tools = tools
	} else {
		apiReq.ToolChoice = nil
	}
	if usesMemory {
		betas = append(betas, anthropicapi.BetaContextManagement)
	}

	if budget := thinkingBudget(ep, apiReq.MaxTokens); budget > 0 {
		apiReq.Thinking = &anthropicapi.ThinkingConfig{Type: "enabled", BudgetTokens: budget}
		// Extended thinking rejects sampling overrides.
		apiReq.Temperature = nil
		apiReq.TopP = nil
		if len(apiReq.Tools) > 0 {
			betas = append(betas, anthropicapi.BetaInterleavedThinking)
		}
	}

	return apiReq, betas
}

func maxTokens(ep *domain.Endpoint, opts *domain.RequestOptions) int {
	limit := ep.MaxOutputTokens()
	if opts.MaximizeOutput || opts.MaxOutputTokens <= 0 {
		if limit > 0 {
			return limit
		}
		return defaultMaxTokens
	}
	if limit > 0 && opts.MaxOutputTokens > limit {
		return limit
	}
	return opts.MaxOutputTokens
}

// thinkingBudget returns the budget to request, or zero when thinking is
// off. The budget must stay below max_tokens.
func thinkingBudget(ep *domain.Endpoint, maxTokens int) int {
	if !ep.Capabilities.Thinking || ep.Capabilities.ThinkingBudget <= 0 {
		return 0
	}
	budget := ep.Capabilities.ThinkingBudget
	if budget >= maxTokens {
		budget = maxTokens - 1
	}
	if budget < minThinkingBudget {
		return 0
	}
	return budget
}

func toAPIMessages(msgs []domain.ChatMessage) ([]anthropicapi.SystemBlock, []anthropicapi.Message) {
	var system []anthropicapi.SystemBlock
	var messages []anthropicapi.Message

	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, anthropicapi.SystemBlock{Type: anthropicapi.BlockText, Text: text})
			}
			continue
		}

		role := string(m.Role)
		parts := toContentParts(m)
		if len(parts) == 0 {
			continue
		}

		// The API requires alternating roles; merge consecutive turns.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, parts...)
			continue
		}
		messages = append(messages, anthropicapi.Message{Role: role, Content: parts})
	}

	return system, messages
}

func toContentParts(m domain.ChatMessage) []anthropicapi.ContentPart {
	var parts []anthropicapi.ContentPart
	for _, p := range m.Content {
		switch p.Type {
		case domain.ContentTypeText:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			parts = append(parts, anthropicapi.ContentPart{Type: anthropicapi.BlockText, Text: p.Text})
		case domain.ContentTypeImage:
			parts = append(parts, anthropicapi.ContentPart{
				Type: anthropicapi.BlockImage,
				Source: &anthropicapi.ImageSource{
					Type:      "base64",
					MediaType: p.MimeType,
					Data:      base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		case domain.ContentTypeToolCall:
			parts = append(parts, toolUsePart(p.ID, p.Name, p.Arguments))
		case domain.ContentTypeToolResult:
			parts = append(parts, anthropicapi.ContentPart{
				Type:      anthropicapi.BlockToolResult,
				ToolUseID: p.CallID,
				Content:   p.Content,
			})
		}
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, toolUsePart(tc.ID, tc.Name, tc.Arguments))
	}
	return parts
}

func toolUsePart(id, name string, args json.RawMessage) anthropicapi.ContentPart {
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	return anthropicapi.ContentPart{Type: anthropicapi.BlockToolUse, ID: id, Name: name, Input: args}
}

// toAPITools maps tool definitions, replacing well-known names with native
// tools. It reports whether the memory tool is in use.
func toAPITools(defs []domain.ToolDefinition, ws domain.WebSearchConfig) ([]anthropicapi.Tool, bool) {
	var tools []anthropicapi.Tool
	usesMemory := false
	hasWebSearch := false

	for _, def := range defs {
		switch {
		case def.Name == domain.ToolNameMemory:
			usesMemory = true
			tools = append(tools, anthropicapi.Tool{Type: anthropicapi.ToolTypeMemory, Name: domain.ToolNameMemory})
		case def.Name == domain.ToolNameWebSearch && ws.Enabled:
			hasWebSearch = true
			tools = append(tools, webSearchTool(ws))
		default:
			schema := def.Parameters
			if schema == nil {
				schema = emptySchema
			}
			tools = append(tools, anthropicapi.Tool{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: schema,
			})
		}
	}

	if ws.Enabled && !hasWebSearch {
		tools = append(tools, webSearchTool(ws))
	}
	return tools, usesMemory
}

func webSearchTool(ws domain.WebSearchConfig) anthropicapi.Tool {
	tool := anthropicapi.Tool{
		Type:    anthropicapi.ToolTypeWebSearch,
		Name:    domain.ToolNameWebSearch,
		MaxUses: ws.MaxUses,
	}
	// The API rejects requests that set both lists.
	if len(ws.AllowedDomains) > 0 {
		tool.AllowedDomains = ws.AllowedDomains
	} else if len(ws.BlockedDomains) > 0 {
		tool.BlockedDomains = ws.BlockedDomains
	}
	if !ws.UserLocation.IsZero() {
		tool.UserLocation = &anthropicapi.UserLocation{
			Type:     "approximate",
			City:     ws.UserLocation.City,
			Region:   ws.UserLocation.Region,
			Country:  ws.UserLocation.Country,
			Timezone: ws.UserLocation.Timezone,
		}
	}
	return tool
}

func toToolChoice(choice string) *anthropicapi.ToolChoice {
	switch choice {
	case "":
		return nil
	case "auto", "none":
		return &anthropicapi.ToolChoice{Type: choice}
	case "required", "any":
		return &anthropicapi.ToolChoice{Type: "any"}
	default:
		return &anthropicapi.ToolChoice{Type: "tool", Name: choice}
	}
}
