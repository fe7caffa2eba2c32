package openai

import (
	"net/http"
	"strings"
)

// DefaultBaseURL is the public OpenAI API.
const DefaultBaseURL = "https://api.openai.com/v1"

// ChatCompletionsURL returns the chat completions endpoint below baseURL.
func ChatCompletionsURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

// ResponsesURL returns the responses endpoint below baseURL.
func ResponsesURL(baseURL string) string {
	return endpointURL(baseURL, "/responses")
}

func endpointURL(baseURL, path string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, path) {
		return baseURL
	}
	return baseURL + path
}

// SetHeaders sets the content negotiation and bearer authentication headers.
func SetHeaders(h http.Header, token string) {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
