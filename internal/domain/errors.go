// Package domain provides the provider-agnostic types shared by the fetcher,
// the provider adapters and the stream decoders.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredential is returned by a CredentialSource that has no token.
var ErrMissingCredential = errors.New("key is missing")

// ErrorBody is the decoded JSON error payload of a non-200 response.
// Upstreams either return the fields at the top level or nest them under
// an "error" object; ParseErrorBody handles both.
type ErrorBody struct {
	Type         string          `json:"type,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	Param        string          `json:"param,omitempty"`
	AuthorizeURL string          `json:"authorize_url,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ParseErrorBody decodes raw as an error payload. It returns nil when raw is
// not a JSON object.
func ParseErrorBody(raw []byte) *ErrorBody {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil
	}

	var body ErrorBody
	target := []byte(trimmed)
	if len(envelope.Error) > 0 && envelope.Error[0] == '{' {
		target = envelope.Error
	}
	if err := json.Unmarshal(target, &body); err != nil {
		return nil
	}
	if body.Message == "" && len(envelope.Error) > 0 && envelope.Error[0] == '"' {
		_ = json.Unmarshal(envelope.Error, &body.Message)
	}
	body.Raw = json.RawMessage(target)
	return &body
}

// ValidationError describes why a request was rejected before it was sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidationError creates a validation error for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
