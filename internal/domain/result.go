package domain

import (
	"encoding/json"
	"time"
)

// ResultType discriminates the FetchResult union.
type ResultType string

const (
	ResultSuccess       ResultType = "success"
	ResultFilteredRetry ResultType = "filtered_retry"
	ResultFiltered      ResultType = "filtered"
	ResultLength        ResultType = "length"
	ResultRateLimited   ResultType = "rate_limited"
	ResultQuotaExceeded ResultType = "quota_exceeded"
	ResultCanceled      ResultType = "canceled"
	ResultNetworkError  ResultType = "network_error"
	ResultFailed        ResultType = "failed"
	ResultUnknown       ResultType = "unknown"
)

// FilterReason is the content filter category reported by the provider.
type FilterReason string

const (
	FilterHate      FilterReason = "hate"
	FilterSelfHarm  FilterReason = "self_harm"
	FilterSexual    FilterReason = "sexual"
	FilterViolence  FilterReason = "violence"
	FilterCopyright FilterReason = "copyright"
	FilterPrompt    FilterReason = "prompt"
)

// FetchResult is the terminal outcome of one logical fetch.
// Which fields are meaningful depends on Type.
type FetchResult struct {
	Type ResultType `json:"type"`
	// Kind is set for Failed results.
	Kind FailureKind `json:"kind,omitempty"`

	Reason       string `json:"reason,omitempty"`
	ReasonDetail string `json:"reason_detail,omitempty"`

	RequestID       string `json:"request_id"`
	ServerRequestID string `json:"server_request_id,omitempty"`

	// Text holds one entry per surviving choice for Success results and the
	// partial output for FilteredRetry results.
	Text          []string `json:"text,omitempty"`
	Usage         *Usage   `json:"usage,omitempty"`
	ResolvedModel string   `json:"resolved_model,omitempty"`
	// StatefulMarker lets a follow-up request continue server-side state.
	StatefulMarker string `json:"stateful_marker,omitempty"`

	FilterCategory FilterReason `json:"filter_category,omitempty"`
	TruncatedText  string       `json:"truncated_text,omitempty"`

	RetryAfter       time.Time       `json:"retry_after,omitempty"`
	RateLimitKey     string          `json:"rate_limit_key,omitempty"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// IsSuccess reports whether the fetch produced usable output.
func (r *FetchResult) IsSuccess() bool {
	return r != nil && r.Type == ResultSuccess
}

// Failed builds a Failed result of the given kind.
func Failed(kind FailureKind, reason string) *FetchResult {
	return &FetchResult{Type: ResultFailed, Kind: kind, Reason: reason}
}

// Canceled builds a Canceled result.
func Canceled(reason string) *FetchResult {
	return &FetchResult{Type: ResultCanceled, Reason: reason}
}
