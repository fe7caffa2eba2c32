package server

import (
	"context"
	"net/http"
	"strconv"
)

type rateLimitContextKey struct{}

// RateLimitInfo describes the limits reported with a response. Handlers fill
// it through RateLimits; the middleware turns it into headers.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	TokensLimit       int
	TokensRemaining   int
	// RetryAfterSeconds is sent as Retry-After when positive.
	RetryAfterSeconds int
	// Exceeded names the limit that was hit, sent as X-Ratelimit-Exceeded.
	Exceeded string
}

// RateLimits returns the request's mutable rate limit info, or nil when
// RateLimitMiddleware is not installed.
func RateLimits(ctx context.Context) *RateLimitInfo {
	rl, _ := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo)
	return rl
}

// RateLimitMiddleware writes x-ratelimit-* headers from whatever the handler
// recorded in RateLimits before its first write.
func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := &RateLimitInfo{}
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, info: rl}
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), rateLimitContextKey{}, rl)))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	info         *RateLimitInfo
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeHeaders()
	return rw.ResponseWriter.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	rw.writeHeaders()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *rateLimitResponseWriter) writeHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rl := rw.info
	h := rw.Header()
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
		// 0 is a valid remaining value once a limit is known
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	}
	if rl.TokensLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", strconv.Itoa(rl.TokensLimit))
		h.Set("x-ratelimit-remaining-tokens", strconv.Itoa(rl.TokensRemaining))
	}
	if rl.RetryAfterSeconds > 0 {
		h.Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
	}
	if rl.Exceeded != "" {
		h.Set("X-Ratelimit-Exceeded", rl.Exceeded)
	}
}
