package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
)

// =============================================================================
// RateLimitMiddleware Tests
// =============================================================================

func TestRateLimitMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := RateLimits(r.Context())
		rl.RequestsLimit = 100
		rl.RequestsRemaining = 0
		rl.TokensLimit = 100000
		rl.TokensRemaining = 99000
		rl.RetryAfterSeconds = 30
		rl.Exceeded = "chat_requests"
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rec := httptest.NewRecorder()
	RateLimitMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	expected := map[string]string{
		"x-ratelimit-limit-requests":     "100",
		"x-ratelimit-remaining-requests": "0",
		"x-ratelimit-limit-tokens":       "100000",
		"x-ratelimit-remaining-tokens":   "99000",
		"Retry-After":                    "30",
		"X-Ratelimit-Exceeded":           "chat_requests",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}
}

func TestRateLimitMiddleware_NoRateLimits(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	RateLimitMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	for _, header := range []string{"x-ratelimit-limit-requests", "x-ratelimit-remaining-requests", "Retry-After", "X-Ratelimit-Exceeded"} {
		if got := rec.Header().Get(header); got != "" {
			t.Errorf("Header %s = %q, want empty", header, got)
		}
	}
}

func TestRateLimitMiddleware_HeadersBeforeFlush(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RateLimits(r.Context()).RequestsLimit = 10
		w.(http.Flusher).Flush()
		// Too late: headers are already sent
		RateLimits(r.Context()).TokensLimit = 5
		w.Write([]byte("data: {}\n\n"))
	})

	rec := httptest.NewRecorder()
	RateLimitMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	if got := rec.Header().Get("x-ratelimit-limit-requests"); got != "10" {
		t.Errorf("requests limit = %q, want 10", got)
	}
	if got := rec.Header().Get("x-ratelimit-limit-tokens"); got != "" {
		t.Errorf("tokens limit = %q, want empty", got)
	}
	if !rec.Flushed {
		t.Error("Expected flush to reach the recorder")
	}
}

func TestRateLimits_NotSet(t *testing.T) {
	if rl := RateLimits(context.Background()); rl != nil {
		t.Errorf("Expected nil, got %+v", rl)
	}
}

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	requestID := rec.Header().Get(HeaderRequestID)
	if !strings.HasPrefix(requestID, "req_") {
		t.Errorf("X-Request-Id = %q, want req_ prefix", requestID)
	}
	if seen != requestID {
		t.Errorf("context request ID = %q, header = %q", seen, requestID)
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := RequestIDMiddleware(handler)

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, httptest.NewRequest("GET", "/", nil))
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, httptest.NewRequest("GET", "/", nil))

	if id1, id2 := rec1.Header().Get(HeaderRequestID), rec2.Header().Get(HeaderRequestID); id1 == id2 {
		t.Errorf("Expected unique request IDs, got same: %s", id1)
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("Expected context to have deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	TimeoutMiddleware(30*time.Second)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	TimeoutMiddleware(10*time.Millisecond)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware(t *testing.T) {
	verifier := auth.NewVerifier("valid-key-123")

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{name: "bearer", header: "Authorization", value: "Bearer valid-key-123", wantStatus: http.StatusOK},
		{name: "x-api-key", header: "X-Api-Key", value: "valid-key-123", wantStatus: http.StatusOK},
		{name: "invalid key", header: "Authorization", value: "Bearer invalid-key", wantStatus: http.StatusUnauthorized},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "without bearer prefix", header: "Authorization", value: "valid-key-123", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(verifier)(handler).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.wantStatus == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"type":"authentication_error"`) {
				t.Errorf("Expected authentication_error body, got %s", rec.Body.String())
			}
		})
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		w.(http.Flusher).Flush()
	})

	// Chain RequestIDMiddleware -> LoggingMiddleware -> handler
	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test-path", nil))

	output := buf.String()
	for _, want := range []string{"request started", "request completed", "/test-path", "bytes=2", "streamed=true", "request_id=req_"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in log output, got: %s", want, output)
		}
	}
}

func TestLoggingMiddleware_ServerErrorIsWarn(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), `level=WARN msg="request completed"`) {
		t.Errorf("Expected warn completion line, got: %s", buf.String())
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "custom_field", "custom_value")
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "custom_field=custom_value") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
	if strings.Contains(output, "empty_field") {
		t.Errorf("Empty field should not be in log output, got: %s", output)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Should not panic when called with a context that doesn't have log fields
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), nil)
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("test error message"))
		w.WriteHeader(http.StatusInternalServerError)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), `error="test error message"`) {
		t.Errorf("Expected error in log output, got: %s", buf.String())
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func TestNew_Chain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	s := New(0, logger, WithVerifier(auth.NewVerifier("k")), WithTimeout(time.Second))
	s.Router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("Expected deadline from TimeoutMiddleware")
		}
		w.Write([]byte("pong"))
	})

	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/ping", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get(HeaderRequestID) == "" {
		t.Error("Expected X-Request-Id on rejected request")
	}

	req.Header.Set("Authorization", "Bearer k")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestStart_Shutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	s := New(0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
