// Package openai adapts provider-agnostic requests to the OpenAI-compatible
// Chat Completions and Responses APIs and decodes both stream formats.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openaiapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

// responseIDPrefix marks ids issued by the Responses API. Anything else is a
// foreign marker and must not be sent as previous_response_id.
const responseIDPrefix = "resp_"

// emptySchema is the schema sent for tools that declare no parameters.
var emptySchema = map[string]any{"type": "object", "properties": map[string]any{}}

// NewChatRequest builds the outbound streaming Chat Completions request.
func NewChatRequest(ep *domain.Endpoint, opts *domain.RequestOptions, token string) (*transport.Request, error) {
	return newRequest(openaiapi.ChatCompletionsURL(ep.BaseURL), BuildChatRequest(ep, opts), token)
}

// NewResponsesRequest builds the outbound streaming Responses request.
func NewResponsesRequest(ep *domain.Endpoint, opts *domain.RequestOptions, token string) (*transport.Request, error) {
	return newRequest(openaiapi.ResponsesURL(ep.BaseURL), BuildResponsesRequest(ep, opts), token)
}

func newRequest(url string, apiReq any, token string) (*transport.Request, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	header := make(http.Header)
	openaiapi.SetHeaders(header, token)

	return &transport.Request{
		Method: http.MethodPost,
		URL:    url,
		Header: header,
		Body:   body,
	}, nil
}

// BuildChatRequest converts opts into a Chat Completions body.
func BuildChatRequest(ep *domain.Endpoint, opts *domain.RequestOptions) *openaiapi.ChatCompletionRequest {
	apiReq := &openaiapi.ChatCompletionRequest{
		Model:         modelFor(ep, opts),
		Messages:      toChatMessages(opts.Messages),
		Temperature:   opts.Sampling.Temperature,
		TopP:          opts.Sampling.TopP,
		N:             opts.Sampling.N,
		Stream:        true,
		StreamOptions: &openaiapi.StreamOptions{IncludeUsage: true},
		Stop:          opts.Sampling.Stop,
	}

	if tools := toChatTools(opts.Tools); len(tools) > 0 {
		apiReq.Tools = tools
		apiReq.ToolChoice = toChatToolChoice(opts.ToolChoice)
	}

	// MaximizeOutput lets the server pick its own (largest) limit.
	if !opts.MaximizeOutput && opts.MaxOutputTokens > 0 {
		if ep.Capabilities.Thinking || ep.Capabilities.UseMaxCompletionTokens {
			apiReq.MaxCompletionTokens = opts.MaxOutputTokens
		} else {
			apiReq.MaxTokens = opts.MaxOutputTokens
		}
	}

	if ep.Capabilities.Thinking {
		apiReq.Temperature = nil
	}

	if opts.Prediction != nil && opts.Prediction.Content != "" {
		apiReq.Prediction = &openaiapi.Prediction{Type: "content", Content: opts.Prediction.Content}
	}

	return apiReq
}

// BuildResponsesRequest converts opts into a Responses body.
func BuildResponsesRequest(ep *domain.Endpoint, opts *domain.RequestOptions) *openaiapi.ResponsesRequest {
	apiReq := &openaiapi.ResponsesRequest{
		Model:       modelFor(ep, opts),
		Store:       true,
		Stream:      true,
		Temperature: opts.Sampling.Temperature,
		TopP:        opts.Sampling.TopP,
	}

	messages := opts.Messages
	if strings.HasPrefix(opts.PreviousResponseID, responseIDPrefix) {
		apiReq.PreviousResponseID = opts.PreviousResponseID
		messages = afterLastAssistant(messages)
	}
	apiReq.Instructions, apiReq.Input = toResponsesInput(messages)

	if tools := toResponsesTools(opts.Tools); len(tools) > 0 {
		apiReq.Tools = tools
		apiReq.ToolChoice = toResponsesToolChoice(opts.ToolChoice)
	}

	if !opts.MaximizeOutput && opts.MaxOutputTokens > 0 {
		apiReq.MaxOutputTokens = opts.MaxOutputTokens
	}

	if ep.Capabilities.Thinking {
		apiReq.Temperature = nil
		apiReq.Reasoning = &openaiapi.ResponsesReasoning{Effort: "medium", Summary: "auto"}
		apiReq.Include = []string{openaiapi.IncludeEncryptedReasoning}
	}

	return apiReq
}

func modelFor(ep *domain.Endpoint, opts *domain.RequestOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return ep.Model
}

// afterLastAssistant returns the messages the server has not seen yet when
// it already holds the conversation up to the previous response.
func afterLastAssistant(msgs []domain.ChatMessage) []domain.ChatMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i+1:]
		}
	}
	return msgs
}

func toChatMessages(msgs []domain.ChatMessage) []openaiapi.ChatCompletionMessage {
	messages := make([]openaiapi.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		var parts []openaiapi.MessagePart
		var toolCalls []openaiapi.ToolCall
		hasImage := false

		for _, p := range m.Content {
			switch p.Type {
			case domain.ContentTypeText:
				parts = append(parts, openaiapi.MessagePart{Type: "text", Text: p.Text})
			case domain.ContentTypeImage:
				hasImage = true
				parts = append(parts, openaiapi.MessagePart{
					Type:     "image_url",
					ImageURL: &openaiapi.ImageURL{URL: dataURL(p.MimeType, p.Data)},
				})
			case domain.ContentTypeToolCall:
				toolCalls = append(toolCalls, chatToolCall(p.ID, p.Name, p.Arguments))
			case domain.ContentTypeToolResult:
				// Each tool result is its own message in this API.
				messages = append(messages, openaiapi.ChatCompletionMessage{
					Role:       "tool",
					Content:    p.Content,
					ToolCallID: p.CallID,
				})
			}
		}
		for _, tc := range m.ToolCalls {
			toolCalls = append(toolCalls, chatToolCall(tc.ID, tc.Name, tc.Arguments))
		}

		if len(parts) == 0 && len(toolCalls) == 0 {
			continue
		}

		msg := openaiapi.ChatCompletionMessage{
			Role:      string(m.Role),
			Name:      m.Name,
			ToolCalls: toolCalls,
		}
		if hasImage {
			msg.Content = parts
		} else {
			msg.Content = m.Text()
		}
		messages = append(messages, msg)
	}
	return messages
}

func chatToolCall(id, name string, args json.RawMessage) openaiapi.ToolCall {
	return openaiapi.ToolCall{
		ID:       id,
		Type:     "function",
		Function: openaiapi.FunctionCall{Name: name, Arguments: argumentsString(args)},
	}
}

func argumentsString(args json.RawMessage) string {
	if len(args) == 0 || !json.Valid(args) {
		return "{}"
	}
	return string(args)
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func toChatTools(defs []domain.ToolDefinition) []openaiapi.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openaiapi.Tool, len(defs))
	for i, def := range defs {
		tools[i] = openaiapi.Tool{
			Type: "function",
			Function: openaiapi.FunctionTool{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaOrEmpty(def.Parameters),
			},
		}
	}
	return tools
}

func toChatToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case "auto", "none", "required":
		return choice
	case "any":
		return "required"
	default:
		return map[string]any{"type": "function", "function": map[string]string{"name": choice}}
	}
}

func toResponsesInput(msgs []domain.ChatMessage) (string, []openaiapi.ResponsesItem) {
	var instructions []string
	items := make([]openaiapi.ResponsesItem, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			if text := m.Text(); text != "" {
				instructions = append(instructions, text)
			}
			continue
		}

		textType := openaiapi.PartInputText
		if m.Role == domain.RoleAssistant {
			textType = openaiapi.PartOutputText
		}

		var content []openaiapi.ResponsesContentPart
		var trailing []openaiapi.ResponsesItem
		for _, p := range m.Content {
			switch p.Type {
			case domain.ContentTypeText:
				content = append(content, openaiapi.ResponsesContentPart{Type: textType, Text: p.Text})
			case domain.ContentTypeImage:
				content = append(content, openaiapi.ResponsesContentPart{
					Type:     openaiapi.PartInputImage,
					ImageURL: dataURL(p.MimeType, p.Data),
				})
			case domain.ContentTypeToolCall:
				trailing = append(trailing, responsesFunctionCall(p.ID, p.Name, p.Arguments))
			case domain.ContentTypeToolResult:
				trailing = append(trailing, openaiapi.ResponsesItem{
					Type:   openaiapi.ItemFunctionCallOutput,
					CallID: p.CallID,
					Output: p.Content,
				})
			}
		}
		for _, tc := range m.ToolCalls {
			trailing = append(trailing, responsesFunctionCall(tc.ID, tc.Name, tc.Arguments))
		}

		if len(content) > 0 {
			items = append(items, openaiapi.ResponsesItem{
				Type:    openaiapi.ItemMessage,
				Role:    string(m.Role),
				Content: content,
			})
		}
		items = append(items, trailing...)
	}

	return strings.Join(instructions, "\n\n"), items
}

func responsesFunctionCall(id, name string, args json.RawMessage) openaiapi.ResponsesItem {
	return openaiapi.ResponsesItem{
		Type:      openaiapi.ItemFunctionCall,
		CallID:    id,
		Name:      name,
		Arguments: argumentsString(args),
	}
}

func toResponsesTools(defs []domain.ToolDefinition) []openaiapi.ResponsesTool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openaiapi.ResponsesTool, len(defs))
	for i, def := range defs {
		tools[i] = openaiapi.ResponsesTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schemaOrEmpty(def.Parameters),
		}
	}
	return tools
}

func toResponsesToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case "auto", "none", "required":
		return choice
	case "any":
		return "required"
	default:
		return map[string]string{"type": "function", "name": choice}
	}
}

func schemaOrEmpty(schema any) any {
	if schema == nil {
		return emptySchema
	}
	return schema
}
