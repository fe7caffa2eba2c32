// Package mockupstream serves scripted OpenAI and Anthropic streaming
// responses. The fetcher's end-to-end tests and cmd/mock-upstream use it to
// exercise every result type without a real provider.
package mockupstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/server"
)

// HeaderScenario selects the scripted behavior of a request. Without it the
// scenario is taken from a "mock-<scenario>" model name.
const HeaderScenario = "X-Mock-Scenario"

// Scenario names one scripted upstream behavior.
type Scenario string

const (
	ScenarioText        Scenario = "text"
	ScenarioToolCall    Scenario = "tool_call"
	ScenarioFiltered    Scenario = "filtered"
	ScenarioLength      Scenario = "length"
	ScenarioStreamError Scenario = "stream_error"
	ScenarioTruncated   Scenario = "truncated"
	ScenarioSlow        Scenario = "slow"

	ScenarioRateLimited  Scenario = "rate_limited"
	ScenarioUnauthorized Scenario = "unauthorized"
	ScenarioQuota        Scenario = "quota"
	ScenarioNotFound     Scenario = "not_found"
	ScenarioOverloaded   Scenario = "overloaded"
	ScenarioServerError  Scenario = "server_error"
)

// Reply is the text streamed by successful scenarios.
const Reply = "Hello from the mock upstream."

// FilteredPartial is streamed before a content filter stops the response.
const FilteredPartial = "I was about to quote"

// retryMarker appears in the prompt the fetcher sends after a filtered
// response. The filtered scenario answers it normally.
const retryMarker = "Here's the previous response:"

const (
	defaultTool      = "get_weather"
	defaultSlowDelay = 200 * time.Millisecond
)

// Handler serves the mock provider API.
type Handler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	delay     time.Duration
	slowDelay time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMetrics counts served requests by API and scenario.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithChunkDelay pauses before every streamed event.
func WithChunkDelay(d time.Duration) Option {
	return func(h *Handler) {
		h.delay = d
	}
}

// WithSlowDelay sets the per-event pause of the slow scenario.
func WithSlowDelay(d time.Duration) Option {
	return func(h *Handler) {
		h.slowDelay = d
	}
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		logger:    slog.Default(),
		slowDelay: defaultSlowDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the provider routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/chat/completions", h.HandleChatCompletions)
	r.Post("/v1/responses", h.HandleResponses)
	r.Post("/v1/messages", h.HandleMessages)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

// script is what a streaming handler needs to know about one request.
type script struct {
	scenario Scenario
	model    string
	tool     string
	// retried is set when the prompt is the fetcher's filter retry.
	retried      bool
	promptTokens int
}

func (s script) effective() Scenario {
	if s.scenario == ScenarioFiltered && s.retried {
		return ScenarioText
	}
	return s.scenario
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request, api string, stream bool, s *script) bool {
	s.scenario = scenarioFor(r, s.model)
	if s.tool == "" {
		s.tool = defaultTool
	}

	server.AddLogField(r.Context(), "api", api)
	server.AddLogField(r.Context(), "scenario", string(s.scenario))
	if h.metrics != nil {
		h.metrics.ObserveUpstreamRequest(api, string(s.scenario))
	}

	if !stream {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "stream_required", "only streaming requests are supported")
		return false
	}
	if writeScriptedError(w, r, s.scenario) {
		return false
	}
	if !isStreamScenario(s.scenario) {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "unknown_scenario",
			fmt.Sprintf("unknown mock scenario %q", s.scenario))
		return false
	}
	return true
}

func scenarioFor(r *http.Request, model string) Scenario {
	if v := strings.TrimSpace(r.Header.Get(HeaderScenario)); v != "" {
		return Scenario(strings.ToLower(v))
	}
	if rest, ok := strings.CutPrefix(model, "mock-"); ok && rest != "" {
		return Scenario(rest)
	}
	return ScenarioText
}

func isStreamScenario(s Scenario) bool {
	switch s {
	case ScenarioText, ScenarioToolCall, ScenarioFiltered, ScenarioLength,
		ScenarioStreamError, ScenarioTruncated, ScenarioSlow:
		return true
	default:
		return false
	}
}

// writeScriptedError answers the non-streaming failure scenarios.
func writeScriptedError(w http.ResponseWriter, r *http.Request, s Scenario) bool {
	switch s {
	case ScenarioRateLimited:
		if rl := server.RateLimits(r.Context()); rl != nil {
			rl.RequestsLimit = 60
			rl.RequestsRemaining = 0
			rl.RetryAfterSeconds = 30
			rl.Exceeded = "mock_requests"
		}
		server.WriteError(w, http.StatusTooManyRequests, "rate_limit_error", "rate_limited", "Rate limit exceeded")
	case ScenarioUnauthorized:
		server.WriteError(w, http.StatusUnauthorized, "authentication_error", "invalid_token", "Bad credentials")
	case ScenarioQuota:
		server.WriteError(w, http.StatusPaymentRequired, "billing_error", "quota_exceeded", "Monthly quota exceeded")
	case ScenarioNotFound:
		server.WriteError(w, http.StatusNotFound, "not_found_error", "model_not_found", "The requested model does not exist")
	case ScenarioOverloaded:
		server.WriteError(w, http.StatusServiceUnavailable, "overloaded_error", "overloaded", "Upstream is overloaded")
	case ScenarioServerError:
		server.WriteError(w, http.StatusInternalServerError, "api_error", "internal_error", "Internal server error")
	default:
		return false
	}
	return true
}

// decodeRequest reads a JSON body into v, answering 400 on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error())
		return false
	}
	return true
}

// pieces splits text into word-sized stream fragments.
func pieces(text string) []string {
	return strings.SplitAfter(text, " ")
}

func countWords(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(strings.Fields(t))
	}
	return n
}

// abortStream drops the connection mid-response so the client sees an
// unexpected EOF.
func abortStream() {
	panic(http.ErrAbortHandler)
}

type sseWriter struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	delay   time.Duration
}

func (h *Handler) startStream(w http.ResponseWriter, r *http.Request, s script) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		server.AddError(r.Context(), fmt.Errorf("streaming not supported"))
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	delay := h.delay
	if s.scenario == ScenarioSlow {
		delay = h.slowDelay
	}
	return &sseWriter{ctx: r.Context(), w: w, flusher: flusher, delay: delay}, true
}

// event writes one SSE event. An empty name writes a data-only event.
func (s *sseWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(name, string(data))
}

func (s *sseWriter) write(name, data string) error {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return s.ctx.Err()
		case <-t.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) streamFailed(r *http.Request, err error) {
	if err == nil {
		return
	}
	server.AddError(r.Context(), err)
	h.logger.Debug("mock stream stopped", slog.String("request_id", server.GetRequestID(r.Context())), slog.String("error", err.Error()))
}
