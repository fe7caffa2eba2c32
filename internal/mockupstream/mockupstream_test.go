package mockupstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/fetcher"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/server"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

const testKey = "mock-key"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type upstream struct {
	url     string
	metrics *metrics.Metrics
}

func startUpstream(t *testing.T, opts ...Option) *upstream {
	t.Helper()
	m := metrics.New()
	s := server.New(0, discardLogger(), server.WithVerifier(auth.NewVerifier(testKey)))
	New(append([]Option{WithLogger(discardLogger()), WithMetrics(m)}, opts...)...).Register(s.Router)

	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	return &upstream{url: srv.URL, metrics: m}
}

func (u *upstream) requests(api string, scenario Scenario) float64 {
	return promtestutil.ToFloat64(u.metrics.UpstreamRequestsTotal.WithLabelValues(api, string(scenario)))
}

// countingSource hands out testKey and records resets.
type countingSource struct {
	mu     sync.Mutex
	resets []int
}

func (c *countingSource) Token(context.Context) (domain.Credential, error) {
	return domain.Credential{Token: testKey}, nil
}

func (c *countingSource) Reset(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets = append(c.resets, status)
}

func newFetcher(creds domain.CredentialSource) *fetcher.Fetcher {
	if creds == nil {
		creds = auth.NewStatic(testKey, "")
	}
	return fetcher.New(
		fetcher.WithLogger(discardLogger()),
		fetcher.WithTransport(transport.New(transport.WithLogger(discardLogger()))),
		fetcher.WithCredentials(creds),
		fetcher.WithTimeout(5*time.Second),
	)
}

func endpointFor(u *upstream, kind domain.ProviderKind, api domain.APIType, scenario Scenario) *domain.Endpoint {
	model := "gpt-4o"
	if kind == domain.ProviderAnthropic {
		model = "claude-sonnet-4-5"
	}
	return &domain.Endpoint{
		Name:          string(api),
		Kind:          kind,
		API:           api,
		BaseURL:       u.url + "/v1",
		Model:         model,
		Capabilities:  domain.ModelCapabilities{MaxOutputTokens: 1024},
		CustomHeaders: map[string]string{HeaderScenario: string(scenario)},
	}
}

func request(ep *domain.Endpoint, text string) *fetcher.Request {
	return &fetcher.Request{
		Endpoint:      ep,
		Options:       domain.RequestOptions{Messages: []domain.ChatMessage{domain.NewTextMessage(domain.RoleUser, text)}},
		DebugName:     "mock",
		UserInitiated: true,
	}
}

var allAPIs = []struct {
	kind domain.ProviderKind
	api  domain.APIType
}{
	{domain.ProviderOpenAI, domain.APIChatCompletions},
	{domain.ProviderOpenAI, domain.APIResponses},
	{domain.ProviderAnthropic, domain.APIMessages},
}

func TestFetch_Text(t *testing.T) {
	u := startUpstream(t)
	f := newFetcher(nil)

	for _, tt := range allAPIs {
		t.Run(string(tt.api), func(t *testing.T) {
			ep := endpointFor(u, tt.kind, tt.api, ScenarioText)
			res := f.FetchMany(context.Background(), request(ep, "say hello"), nil)

			require.Equal(t, domain.ResultSuccess, res.Type, res.Reason)
			assert.Equal(t, []string{Reply}, res.Text)
			assert.Equal(t, ep.Model, res.ResolvedModel)
			assert.True(t, strings.HasPrefix(res.ServerRequestID, "req_"), res.ServerRequestID)
			require.NotNil(t, res.Usage)
			assert.Equal(t, len(pieces(Reply)), res.Usage.CompletionTokens)
			assert.Equal(t, 1.0, u.requests(string(tt.api), ScenarioText))
		})
	}
}

func TestFetch_ToolCall(t *testing.T) {
	u := startUpstream(t)
	f := newFetcher(nil)

	for _, tt := range allAPIs {
		t.Run(string(tt.api), func(t *testing.T) {
			req := request(endpointFor(u, tt.kind, tt.api, ScenarioToolCall), "weather?")
			req.Options.Tools = []domain.ToolDefinition{{Name: "lookup_weather", Parameters: map[string]any{"type": "object"}}}

			var calls []*domain.ToolCallDelta
			res := f.FetchMany(context.Background(), req, func(d domain.Delta) {
				if d.Type == domain.DeltaToolCall && d.ToolCall.Complete {
					calls = append(calls, d.ToolCall)
				}
			})

			require.Equal(t, domain.ResultSuccess, res.Type, res.Reason)
			require.Len(t, calls, 1)
			assert.Equal(t, "lookup_weather", calls[0].Name)
			assert.JSONEq(t, `{"location":"Paris"}`, calls[0].Arguments)
		})
	}
}

func TestFetch_FilteredRetry(t *testing.T) {
	u := startUpstream(t)
	f := newFetcher(nil)

	for _, tt := range allAPIs {
		t.Run(string(tt.api), func(t *testing.T) {
			req := request(endpointFor(u, tt.kind, tt.api, ScenarioFiltered), "quote the book")
			req.EnableRetryOnFilter = true

			var retries []string
			res := f.FetchMany(context.Background(), req, func(d domain.Delta) {
				if d.Type == domain.DeltaRetry {
					retries = append(retries, d.RetryReason)
				}
			})

			require.Equal(t, domain.ResultSuccess, res.Type, res.Reason)
			assert.Equal(t, []string{Reply}, res.Text)
			assert.Equal(t, []string{string(domain.FilterCopyright)}, retries)
			assert.Equal(t, 2.0, u.requests(string(tt.api), ScenarioFiltered))
		})
	}
}

func TestFetch_FilteredWithoutRetry(t *testing.T) {
	u := startUpstream(t)
	f := newFetcher(nil)

	for _, tt := range allAPIs {
		t.Run(string(tt.api), func(t *testing.T) {
			res := f.FetchMany(context.Background(), request(endpointFor(u, tt.kind, tt.api, ScenarioFiltered), "quote"), nil)

			assert.Equal(t, domain.ResultFiltered, res.Type)
			assert.Equal(t, domain.FilterCopyright, res.FilterCategory)
			assert.Equal(t, 1.0, u.requests(string(tt.api), ScenarioFiltered))
		})
	}
}

func TestFetch_StreamedFailures(t *testing.T) {
	u := startUpstream(t)
	f := newFetcher(nil)

	tests := []struct {
		scenario Scenario
		check    func(t *testing.T, res *domain.FetchResult)
	}{
		{
			scenario: ScenarioLength,
			check: func(t *testing.T, res *domain.FetchResult) {
				assert.Equal(t, domain.ResultLength, res.Type)
				assert.Equal(t, Reply, res.TruncatedText)
			},
		},
		{
			scenario: ScenarioStreamError,
			check: func(t *testing.T, res *domain.FetchResult) {
				assert.Equal(t, domain.ResultFailed, res.Type)
				assert.Equal(t, domain.FailureServerError, res.Kind)
				assert.Equal(t, "mock upstream failure", res.ReasonDetail)
			},
		},
		{
			scenario: ScenarioTruncated,
			check: func(t *testing.T, res *domain.FetchResult) {
				assert.Equal(t, domain.ResultCanceled, res.Type)
				assert.Equal(t, "Stream closed prematurely", res.Reason)
			},
		},
	}

	for _, api := range allAPIs {
		for _, tt := range tests {
			t.Run(string(api.api)+"/"+string(tt.scenario), func(t *testing.T) {
				res := f.FetchMany(context.Background(), request(endpointFor(u, api.kind, api.api, tt.scenario), "hi"), nil)
				tt.check(t, res)
			})
		}
	}
}

func TestFetch_HTTPFailures(t *testing.T) {
	u := startUpstream(t)

	tests := []struct {
		scenario Scenario
		check    func(t *testing.T, res *domain.FetchResult, creds *countingSource)
	}{
		{
			scenario: ScenarioRateLimited,
			check: func(t *testing.T, res *domain.FetchResult, creds *countingSource) {
				assert.Equal(t, domain.ResultRateLimited, res.Type)
				assert.Equal(t, "Rate limit exceeded", res.Reason)
				assert.Equal(t, "mock_requests", res.RateLimitKey)
				assert.WithinDuration(t, time.Now().Add(30*time.Second), res.RetryAfter, 5*time.Second)
			},
		},
		{
			scenario: ScenarioUnauthorized,
			check: func(t *testing.T, res *domain.FetchResult, creds *countingSource) {
				assert.Equal(t, domain.ResultFailed, res.Type)
				assert.Equal(t, domain.FailureTokenExpiredOrInvalid, res.Kind)
				assert.Equal(t, []int{http.StatusUnauthorized}, creds.resets)
			},
		},
		{
			scenario: ScenarioQuota,
			check: func(t *testing.T, res *domain.FetchResult, creds *countingSource) {
				assert.Equal(t, domain.ResultQuotaExceeded, res.Type)
				assert.Equal(t, []int{http.StatusPaymentRequired}, creds.resets)
			},
		},
		{
			scenario: ScenarioNotFound,
			check: func(t *testing.T, res *domain.FetchResult, creds *countingSource) {
				assert.Equal(t, domain.FailureNotFound, res.Kind)
			},
		},
		{
			scenario: ScenarioOverloaded,
			check: func(t *testing.T, res *domain.FetchResult, creds *countingSource) {
				assert.Equal(t, domain.ResultRateLimited, res.Type)
				assert.Equal(t, "Upstream provider rate limit hit", res.Reason)
			},
		},
		{
			scenario: ScenarioServerError,
			check: func(t *testing.T, res *domain.FetchResult, creds *countingSource) {
				assert.Equal(t, domain.FailureServerError, res.Kind)
				assert.Equal(t, "Server error: 500", res.Reason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.scenario), func(t *testing.T) {
			creds := &countingSource{}
			f := newFetcher(creds)
			res := f.FetchMany(context.Background(), request(endpointFor(u, domain.ProviderOpenAI, domain.APIChatCompletions, tt.scenario), "hi"), nil)
			assert.True(t, strings.HasPrefix(res.ServerRequestID, "req_"), res.ServerRequestID)
			tt.check(t, res, creds)
		})
	}
}

func TestFetch_ScenarioFromModel(t *testing.T) {
	u := startUpstream(t)
	f := newFetcher(nil)

	ep := endpointFor(u, domain.ProviderOpenAI, domain.APIChatCompletions, "")
	ep.CustomHeaders = nil
	ep.Model = "mock-length"
	res := f.FetchMany(context.Background(), request(ep, "hi"), nil)

	assert.Equal(t, domain.ResultLength, res.Type)
	assert.Equal(t, 1.0, u.requests("chat_completions", ScenarioLength))
}

func TestFetch_CancelSlowStream(t *testing.T) {
	u := startUpstream(t, WithSlowDelay(50*time.Millisecond))
	f := newFetcher(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := f.FetchMany(ctx, request(endpointFor(u, domain.ProviderAnthropic, domain.APIMessages, ScenarioSlow), "hi"), func(d domain.Delta) {
		if d.Type == domain.DeltaText {
			cancel()
		}
	})

	assert.Equal(t, domain.ResultCanceled, res.Type)
}

func TestFetch_WrongKey(t *testing.T) {
	u := startUpstream(t)
	creds := &countingSource{}
	f := newFetcher(creds)

	ep := endpointFor(u, domain.ProviderOpenAI, domain.APIChatCompletions, ScenarioText)
	ep.BYOK = true
	ep.APIKey = "wrong"
	res := f.FetchMany(context.Background(), request(ep, "hi"), nil)

	assert.Equal(t, domain.FailureTokenExpiredOrInvalid, res.Kind)
	assert.Empty(t, creds.resets, "BYOK failures never reset the shared credential")
}

func TestHandler_Rejects(t *testing.T) {
	h := New(WithLogger(discardLogger()))

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		body     string
		header   string
		wantCode string
	}{
		{
			name:     "not streaming",
			handler:  h.HandleChatCompletions,
			body:     `{"model":"gpt-4o","messages":[],"stream":false}`,
			wantCode: "stream_required",
		},
		{
			name:     "unknown scenario",
			handler:  h.HandleMessages,
			body:     `{"model":"claude","messages":[],"max_tokens":10,"stream":true}`,
			header:   "dance",
			wantCode: "unknown_scenario",
		},
		{
			name:     "bad json",
			handler:  h.HandleResponses,
			body:     `{`,
			wantCode: "invalid_json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set(HeaderScenario, tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"`+tt.wantCode+`"`)
		})
	}
}

func TestHandler_ChatStreamShape(t *testing.T) {
	h := New(WithLogger(discardLogger()))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi there"}],"stream":true,"stream_options":{"include_usage":true}}`))
	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Contains(t, body, `"prompt_tokens":2`)
	assert.True(t, rec.Flushed)
}

func TestScenarioFor(t *testing.T) {
	tests := []struct {
		header string
		model  string
		want   Scenario
	}{
		{want: ScenarioText},
		{header: "Tool_Call", want: ScenarioToolCall},
		{model: "mock-filtered", want: ScenarioFiltered},
		{header: "length", model: "mock-filtered", want: ScenarioLength},
		{model: "mock-", want: ScenarioText},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			r.Header.Set(HeaderScenario, tt.header)
		}
		assert.Equal(t, tt.want, scenarioFor(r, tt.model), "header=%q model=%q", tt.header, tt.model)
	}
}
