// Package tokens counts prompt tokens so the fetcher can log request sizes
// and flag prompts that exceed an endpoint's limit.
package tokens

import (
	"context"
	"errors"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// Router sends each count to the first counter that claims the model.
// Models no counter claims are estimated.
type Router struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRouter creates a Router that estimates every model until counters are
// added.
func NewRouter(counters ...domain.TokenCounter) *Router {
	return &Router{counters: counters, fallback: NewEstimator()}
}

// NewDefault returns a Router with exact tiktoken counts for OpenAI models.
func NewDefault() *Router {
	return NewRouter(NewTiktoken())
}

// Add appends a counter. Earlier counters win.
func (r *Router) Add(c domain.TokenCounter) {
	r.counters = append(r.counters, c)
}

// WithoutFallback drops the estimator so unclaimed models are unsupported.
func (r *Router) WithoutFallback() *Router {
	r.fallback = nil
	return r
}

// CountTokens implements domain.TokenCounter.
func (r *Router) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	c := r.counterFor(req.Model)
	if c == nil {
		return nil, errors.New("no token counter for model " + req.Model)
	}
	return c.CountTokens(ctx, req)
}

// SupportsModel implements domain.TokenCounter.
func (r *Router) SupportsModel(model string) bool {
	return r.counterFor(model) != nil
}

func (r *Router) counterFor(model string) domain.TokenCounter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}
