package openai

import "encoding/json"

// ResponsesRequest is the wire format for POST /responses.
type ResponsesRequest struct {
	Model              string              `json:"model"`
	Input              []ResponsesItem     `json:"input"`
	Instructions       string              `json:"instructions,omitempty"`
	Tools              []ResponsesTool     `json:"tools,omitempty"`
	ToolChoice         any                 `json:"tool_choice,omitempty"`
	Store              bool                `json:"store"`
	Stream             bool                `json:"stream"`
	Temperature        *float64            `json:"temperature,omitempty"`
	TopP               *float64            `json:"top_p,omitempty"`
	MaxOutputTokens    int                 `json:"max_output_tokens,omitempty"`
	PreviousResponseID string              `json:"previous_response_id,omitempty"`
	Reasoning          *ResponsesReasoning `json:"reasoning,omitempty"`
	Include            []string            `json:"include,omitempty"`
}

// ResponsesReasoning configures reasoning for thinking models.
type ResponsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// IncludeEncryptedReasoning asks the server to return reasoning items that
// can be replayed without server-side storage.
const IncludeEncryptedReasoning = "reasoning.encrypted_content"

// ResponsesTool is a tool definition in the Responses API format.
type ResponsesTool struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ResponsesItem is an input or output item (message, function_call,
// function_call_output, reasoning).
type ResponsesItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// message
	Role    string                 `json:"role,omitempty"`
	Content []ResponsesContentPart `json:"content,omitempty"`

	// function_call and function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`

	// reasoning
	Summary          []ResponsesContentPart `json:"summary,omitempty"`
	EncryptedContent string                 `json:"encrypted_content,omitempty"`
}

// ResponsesContentPart is a content part within a message or reasoning item.
type ResponsesContentPart struct {
	Type     string `json:"type"` // "input_text", "output_text", "input_image", "summary_text"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Responses item and part types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemReasoning          = "reasoning"

	PartInputText  = "input_text"
	PartOutputText = "output_text"
	PartInputImage = "input_image"
)

// ResponsesResponse is the response object carried by lifecycle events.
type ResponsesResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Status            string             `json:"status"`
	Model             string             `json:"model"`
	Output            []ResponsesItem    `json:"output,omitempty"`
	Usage             *ResponsesUsage    `json:"usage,omitempty"`
	Error             *ResponsesError    `json:"error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

// IncompleteDetails explains a response.incomplete event.
type IncompleteDetails struct {
	Reason string `json:"reason"` // "max_output_tokens", "content_filter"
}

// ResponsesUsage holds token usage for a response.
type ResponsesUsage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

// InputTokensDetails breaks down input usage.
type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// OutputTokensDetails breaks down output usage.
type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// ResponsesError is the error format in Responses API payloads.
type ResponsesError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Responses stream event names.
const (
	EventResponseCreated         = "response.created"
	EventResponseInProgress      = "response.in_progress"
	EventResponseCompleted       = "response.completed"
	EventResponseIncomplete      = "response.incomplete"
	EventResponseFailed          = "response.failed"
	EventOutputItemAdded         = "response.output_item.added"
	EventOutputItemDone          = "response.output_item.done"
	EventOutputTextDelta         = "response.output_text.delta"
	EventOutputTextAnnotation    = "response.output_text.annotation.added"
	EventFunctionCallArgsDelta   = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone    = "response.function_call_arguments.done"
	EventReasoningSummaryDelta   = "response.reasoning_summary_text.delta"
	EventReasoningSummaryPartAdd = "response.reasoning_summary_part.added"
	EventError                   = "error"
)

// ResponsesStreamEvent is the union of every Responses stream payload. Only
// the fields that belong to Type are set.
type ResponsesStreamEvent struct {
	Type           string `json:"type"`
	SequenceNumber int    `json:"sequence_number,omitempty"`

	Response *ResponsesResponse `json:"response,omitempty"`

	OutputIndex  int            `json:"output_index"`
	SummaryIndex int            `json:"summary_index,omitempty"`
	ItemID       string         `json:"item_id,omitempty"`
	Item         *ResponsesItem `json:"item,omitempty"`

	Delta      string      `json:"delta,omitempty"`
	Arguments  string      `json:"arguments,omitempty"`
	Annotation *Annotation `json:"annotation,omitempty"`

	// top-level error events
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Annotation is a citation attached to output text.
type Annotation struct {
	Type       string `json:"type"` // "url_citation"
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
}

// ParseResponsesEvent decodes one Responses stream event. The SSE event name
// wins over the payload's type field when both are present.
func ParseResponsesEvent(eventType string, data []byte) (*ResponsesStreamEvent, error) {
	var ev ResponsesStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if eventType != "" {
		ev.Type = eventType
	}
	return &ev, nil
}
