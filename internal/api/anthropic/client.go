package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	// DefaultBaseURL is the public Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultVersion is sent as anthropic-version unless overridden.
	DefaultVersion = "2023-06-01"
)

// MessagesURL returns the messages endpoint below baseURL. A baseURL that
// already names the endpoint is returned unchanged.
func MessagesURL(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/messages") {
		return baseURL
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/messages"
	}
	return baseURL + "/v1/messages"
}

// SetHeaders sets the authentication, version and beta headers.
func SetHeaders(h http.Header, apiKey, version string, betas []string) {
	if version == "" {
		version = DefaultVersion
	}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	if apiKey != "" {
		h.Set("x-api-key", apiKey)
	}
	h.Set("anthropic-version", version)
	if len(betas) > 0 {
		h.Set("anthropic-beta", strings.Join(betas, ","))
	}
}

// StreamEvent is a raw typed event from the messages stream.
type StreamEvent struct {
	EventType string
	Data      json.RawMessage
}

// Type returns the event name, falling back to the "type" field of the
// payload when the event: line was absent.
func (r *StreamEvent) Type() string {
	if r.EventType != "" {
		return r.EventType
	}
	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(r.Data, &envelope)
	return envelope.Type
}

// ParseMessageStart parses a message_start event.
func (r *StreamEvent) ParseMessageStart() (*MessageStartEvent, error) {
	var event MessageStartEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseContentBlockStart parses a content_block_start event.
func (r *StreamEvent) ParseContentBlockStart() (*ContentBlockStartEvent, error) {
	var event ContentBlockStartEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseContentBlockDelta parses a content_block_delta event.
func (r *StreamEvent) ParseContentBlockDelta() (*ContentBlockDeltaEvent, error) {
	var event ContentBlockDeltaEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseContentBlockStop parses a content_block_stop event.
func (r *StreamEvent) ParseContentBlockStop() (*ContentBlockStopEvent, error) {
	var event ContentBlockStopEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseMessageDelta parses a message_delta event.
func (r *StreamEvent) ParseMessageDelta() (*MessageDeltaEvent, error) {
	var event MessageDeltaEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseError parses an in-stream error event.
func (r *StreamEvent) ParseError() (*ErrorEvent, error) {
	var event ErrorEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
