package domain

import "encoding/json"

// DeltaType discriminates the Delta union.
type DeltaType string

const (
	DeltaText             DeltaType = "text"
	DeltaToolCall         DeltaType = "tool_call"
	DeltaThinking         DeltaType = "thinking"
	DeltaCitation         DeltaType = "citation"
	DeltaUsage            DeltaType = "usage"
	DeltaStatefulMarker   DeltaType = "stateful_marker"
	DeltaServerToolResult DeltaType = "server_tool_result"
	// DeltaRetry is emitted by the fetcher right before a retry is issued so
	// consumers can discard what they rendered for the abandoned attempt.
	DeltaRetry DeltaType = "retry"
)

// Delta is one incremental unit of streamed model output.
//
// Deltas are delivered strictly in arrival order. Folding them reconstructs
// the final message: text and thinking fragments concatenate, and a complete
// ToolCall delta replaces any partial fragments seen for the same call ID.
type Delta struct {
	Type DeltaType `json:"type"`
	// Choice is the completion index the delta belongs to.
	Choice int `json:"choice"`

	Text             string                 `json:"text,omitempty"`
	ToolCall         *ToolCallDelta         `json:"tool_call,omitempty"`
	Thinking         *ThinkingDelta         `json:"thinking,omitempty"`
	Citation         *CitationDelta         `json:"citation,omitempty"`
	Usage            *Usage                 `json:"usage,omitempty"`
	StatefulMarker   string                 `json:"stateful_marker,omitempty"`
	ServerToolResult *ServerToolResultDelta `json:"server_tool_result,omitempty"`
	RetryReason      string                 `json:"retry_reason,omitempty"`
}

// ToolCallDelta is a tool invocation fragment. When Complete is false,
// Arguments is a raw fragment to append; when true it is the full, valid
// JSON argument object.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
	Complete  bool   `json:"complete"`
}

// ThinkingDelta carries model reasoning text.
type ThinkingDelta struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Encrypted bool   `json:"encrypted,omitempty"`
	// Signature is set on the final, empty delta of a signed thinking block.
	Signature string `json:"signature,omitempty"`
	// Data holds opaque redacted or encrypted reasoning content.
	Data string `json:"data,omitempty"`
}

// CitationDelta records a source used by the model.
type CitationDelta struct {
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	CitedText string `json:"cited_text,omitempty"`
}

// ServerToolResultDelta is the output of a tool executed by the provider
// (for example web search results).
type ServerToolResultDelta struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextDelta builds a text fragment delta.
func TextDelta(choice int, text string) Delta {
	return Delta{Type: DeltaText, Choice: choice, Text: text}
}

// ToolCallFragment builds a tool call delta.
func ToolCallFragment(choice int, tc ToolCallDelta) Delta {
	return Delta{Type: DeltaToolCall, Choice: choice, ToolCall: &tc}
}

// Thinking builds a thinking delta.
func Thinking(choice int, th ThinkingDelta) Delta {
	return Delta{Type: DeltaThinking, Choice: choice, Thinking: &th}
}

// Citation builds a citation delta.
func Citation(choice int, c CitationDelta) Delta {
	return Delta{Type: DeltaCitation, Choice: choice, Citation: &c}
}

// UsageSnapshot builds a usage delta.
func UsageSnapshot(choice int, u Usage) Delta {
	return Delta{Type: DeltaUsage, Choice: choice, Usage: &u}
}

// StatefulMarker builds a stateful marker delta.
func StatefulMarker(choice int, marker string) Delta {
	return Delta{Type: DeltaStatefulMarker, Choice: choice, StatefulMarker: marker}
}

// ServerToolResult builds a server tool result delta.
func ServerToolResult(choice int, r ServerToolResultDelta) Delta {
	return Delta{Type: DeltaServerToolResult, Choice: choice, ServerToolResult: &r}
}

// Retry builds the delta announcing that the current attempt is abandoned.
func Retry(reason string) Delta {
	return Delta{Type: DeltaRetry, RetryReason: reason}
}
