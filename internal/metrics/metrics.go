// Package metrics exports Prometheus metrics for fetches and for the mock
// upstream.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	// FetchesTotal counts logical fetches by endpoint and final result.
	// Retries are folded into the fetch that triggered them.
	FetchesTotal *prometheus.CounterVec
	// FetchDuration records fetch duration in seconds by endpoint.
	FetchDuration *prometheus.HistogramVec
	// TimeToFirstToken records the delay before the first streamed output.
	TimeToFirstToken *prometheus.HistogramVec
	// RetriesTotal counts retries by reason (network_error or a filter
	// category).
	RetriesTotal *prometheus.CounterVec
	// TokensTotal counts usage reported by the upstream by direction.
	TokensTotal *prometheus.CounterVec
	// UpstreamRequestsTotal counts requests served by the mock upstream.
	UpstreamRequestsTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmfetch_fetches_total",
				Help: "Fetches",
			},
			[]string{"endpoint", "result"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmfetch_fetch_duration_seconds",
				Help:    "Fetch duration",
				Buckets: LLMBuckets,
			},
			[]string{"endpoint"},
		),
		TimeToFirstToken: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmfetch_time_to_first_token_seconds",
				Help:    "Time to first streamed token",
				Buckets: LLMBuckets,
			},
			[]string{"endpoint"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmfetch_retries_total",
				Help: "Fetch retries",
			},
			[]string{"reason"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmfetch_tokens_total",
				Help: "Token count",
			},
			[]string{"endpoint", "direction"},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmfetch_upstream_requests_total",
				Help: "Mock upstream requests",
			},
			[]string{"api", "scenario"},
		),
	}
	m.registry.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.TimeToFirstToken,
		m.RetriesTotal,
		m.TokensTotal,
		m.UpstreamRequestsTotal,
	)
	return m
}

// Gatherer exposes the registry for encoding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one finished fetch.
func (m *Metrics) ObserveFetch(endpoint string, result domain.ResultType, d time.Duration) {
	m.FetchesTotal.WithLabelValues(endpoint, string(result)).Inc()
	m.FetchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveTimeToFirstToken records the first-token latency of an attempt.
func (m *Metrics) ObserveTimeToFirstToken(endpoint string, d time.Duration) {
	m.TimeToFirstToken.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRetry records a retry.
func (m *Metrics) ObserveRetry(reason string) {
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveUsage records reported token usage.
func (m *Metrics) ObserveUsage(endpoint string, u domain.Usage) {
	m.TokensTotal.WithLabelValues(endpoint, "input").Add(float64(u.PromptTokens))
	m.TokensTotal.WithLabelValues(endpoint, "output").Add(float64(u.CompletionTokens))
}

// ObserveUpstreamRequest records a request served by the mock upstream.
func (m *Metrics) ObserveUpstreamRequest(api, scenario string) {
	m.UpstreamRequestsTotal.WithLabelValues(api, scenario).Inc()
}
