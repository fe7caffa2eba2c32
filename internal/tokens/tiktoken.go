package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// Chat framing costs from the OpenAI cookbook.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPriming     = 3
	toolCallCost     = 3
	toolDefCost      = 7
	// imageTokens is the flat price of one low-detail image tile.
	imageTokens = 85
)

// openAIPrefixes are the model families tiktoken encodes exactly.
var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "chatgpt-", "text-embedding-"}

// Tiktoken counts OpenAI model prompts exactly. Codecs are loaded lazily
// and shared across calls.
type Tiktoken struct {
	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// SupportsModel implements domain.TokenCounter.
func (t *Tiktoken) SupportsModel(model string) bool {
	model = strings.ToLower(model)
	for _, p := range openAIPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// encodingFor picks the BPE vocabulary of a model. Everything newer than
// gpt-4 uses o200k_base.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding-"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

func (t *Tiktoken) codec(model string) (tokenizer.Codec, error) {
	enc := encodingFor(model)

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.codecs[enc]; ok {
		return c, nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", enc, err)
	}
	t.codecs[enc] = c
	return c, nil
}

// CountText returns the number of tokens in text for model.
func (t *Tiktoken) CountText(model, text string) (int, error) {
	c, err := t.codec(model)
	if err != nil {
		return 0, err
	}
	return count(c, text), nil
}

// CountTokens implements domain.TokenCounter.
func (t *Tiktoken) CountTokens(_ context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	c, err := t.codec(req.Model)
	if err != nil {
		return nil, err
	}

	n := replyPriming
	for _, m := range req.Messages {
		n += tokensPerMessage + count(c, string(m.Role))
		if m.Name != "" {
			n += tokensPerName + count(c, m.Name)
		}
		for _, p := range m.Content {
			switch p.Type {
			case domain.ContentTypeText:
				n += count(c, p.Text)
			case domain.ContentTypeImage:
				n += imageTokens
			case domain.ContentTypeToolCall:
				n += toolCallCost + count(c, p.Name) + count(c, string(p.Arguments))
			case domain.ContentTypeToolResult:
				n += count(c, p.Content)
			}
		}
		for _, tc := range m.ToolCalls {
			n += toolCallCost + count(c, tc.Name) + count(c, string(tc.Arguments))
		}
	}
	for _, tool := range req.Tools {
		n += toolDefCost + count(c, tool.Name) + count(c, tool.Description)
		if tool.Parameters != nil {
			schema, err := json.Marshal(tool.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
			}
			n += count(c, string(schema))
		}
	}

	return &domain.TokenCountResponse{InputTokens: n, Model: req.Model}, nil
}

func count(c tokenizer.Codec, s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := c.Encode(s)
	if err != nil {
		return 0
	}
	return len(ids)
}
