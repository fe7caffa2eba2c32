package domain

// FinishReason is the normalized reason a choice stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishFunctionCall  FinishReason = "function_call"
	FinishContentFilter FinishReason = "content_filter"
	FinishClientTrimmed FinishReason = "client_trimmed"
	FinishServerError   FinishReason = "server_error"
	FinishUnknown       FinishReason = "unknown"
)

// IsSuccess reports whether the finish reason ends a choice normally.
func (r FinishReason) IsSuccess() bool {
	switch r {
	case FinishStop, FinishClientTrimmed, FinishFunctionCall, FinishToolCalls:
		return true
	default:
		return false
	}
}

// Completion is the decoder's terminal summary of a single choice.
type Completion struct {
	Choice       int
	FinishReason FinishReason
	// FilterReason is set when FinishReason is content_filter and the
	// provider reported a category.
	FilterReason FilterReason
	Model        string
	// Error carries the upstream message for server_error finishes.
	Error string
}
