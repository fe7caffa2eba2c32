package domain

import (
	"encoding/json"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in a message.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolCall   ContentType = "tool_call"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentPart represents a single part of message content.
// Exactly the fields that belong to Type are meaningful.
type ContentPart struct {
	Type ContentType `json:"type"`

	// For text content
	Text string `json:"text,omitempty"`

	// For image content
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`

	// For tool_call parts (assistant calling a tool)
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// For tool_result parts (user providing tool output)
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// ToolCall is a tool invocation attached to an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatMessage is one turn of the conversation. It is treated as read-only
// once handed to the fetcher.
type ChatMessage struct {
	Role      Role          `json:"role"`
	Content   []ContentPart `json:"content"`
	Name      string        `json:"name,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m ChatMessage) Text() string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Type == ContentTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// HasImages reports whether any part of the message is an image.
func (m ChatMessage) HasImages() bool {
	for _, part := range m.Content {
		if part.Type == ContentTypeImage {
			return true
		}
	}
	return false
}

// NewTextMessage creates a message holding a single text part.
func NewTextMessage(role Role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: []ContentPart{TextPart(text)}}
}

// TextPart creates a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// ImagePart creates an image content part from raw bytes.
func ImagePart(mimeType string, data []byte) ContentPart {
	return ContentPart{
		Type:     ContentTypeImage,
		MimeType: mimeType,
		Data:     data,
	}
}

// ToolCallPart creates a tool call content part.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{
		Type:      ContentTypeToolCall,
		ID:        id,
		Name:      name,
		Arguments: args,
	}
}

// ToolResultPart creates a tool result content part.
func ToolResultPart(callID, content string) ContentPart {
	return ContentPart{
		Type:    ContentTypeToolResult,
		CallID:  callID,
		Content: content,
	}
}
