package tokens

import (
	"context"
	"encoding/json"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

const (
	charsPerToken = 4
	// messageOverhead and toolOverhead approximate the framing the
	// providers add around each message and tool definition.
	messageOverhead = 4
	toolOverhead    = 8
)

// Estimator approximates token counts from character lengths. It claims
// every model.
type Estimator struct {
	CharsPerToken int
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: charsPerToken}
}

// CountTokens implements domain.TokenCounter.
func (e *Estimator) CountTokens(_ context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	per := e.CharsPerToken
	if per <= 0 {
		per = charsPerToken
	}

	chars := 0
	tokens := 0
	for _, m := range req.Messages {
		tokens += messageOverhead
		chars += len(m.Name)
		for _, p := range m.Content {
			switch p.Type {
			case domain.ContentTypeImage:
				tokens += imageTokens
			default:
				chars += len(p.Text) + len(p.Content) + len(p.Name) + len(p.Arguments)
			}
		}
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	for _, t := range req.Tools {
		tokens += toolOverhead
		chars += len(t.Name) + len(t.Description)
		if t.Parameters != nil {
			schema, _ := json.Marshal(t.Parameters)
			chars += len(schema)
		}
	}

	return &domain.TokenCountResponse{
		InputTokens: tokens + (chars+per-1)/per,
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// SupportsModel implements domain.TokenCounter.
func (e *Estimator) SupportsModel(string) bool {
	return true
}
