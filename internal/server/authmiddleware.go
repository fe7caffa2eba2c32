package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
)

// AuthMiddleware rejects requests without an accepted API key. Keys come from
// a Bearer Authorization header or x-api-key.
func AuthMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := auth.ExtractAPIKey(r)
			if err == nil {
				err = verifier.Verify(key)
			}
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorEnvelope satisfies both the OpenAI and Anthropic error shapes.
type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Type:  "error",
		Error: errorDetail{Type: errType, Code: code, Message: message},
	})
}
