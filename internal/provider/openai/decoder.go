package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	openaiapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/pkg/sse"
)

// toolScratch accumulates one streamed tool call until its choice finishes.
type toolScratch struct {
	id   string
	name string
	args strings.Builder
}

// choiceScratch is the open state of one choice.
type choiceScratch struct {
	tools  map[int]*toolScratch
	order  []int
	finish string
	filter domain.FilterReason
}

// ChatDecoder is the per-request state machine for Chat Completions chunks.
// A ChatDecoder must not be reused across requests.
type ChatDecoder struct {
	logger *slog.Logger

	choices map[int]*choiceScratch

	responseID string
	model      string
	usage      *domain.Usage
	errMessage string
}

// NewChatDecoder creates a decoder for a single response.
func NewChatDecoder(logger *slog.Logger) *ChatDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatDecoder{logger: logger, choices: make(map[int]*choiceScratch)}
}

// Decode consumes body until [DONE], EOF or cancellation. Cancellation is
// checked once per event and reported as ctx.Err().
func (d *ChatDecoder) Decode(ctx context.Context, body io.Reader, out chan<- domain.Delta) error {
	reader := sse.NewReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.IsDone() {
			return nil
		}
		if ev.Data == "" {
			continue
		}

		var chunk openaiapi.ChatCompletionChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("parse chat completion chunk: %w", err)
		}
		if err := d.handle(ctx, &chunk, out); err != nil {
			return err
		}
	}
}

// Completions returns one terminal summary per finished choice, ordered by
// choice index.
func (d *ChatDecoder) Completions() []domain.Completion {
	var completions []domain.Completion
	for index, c := range d.choices {
		if c.finish == "" {
			continue
		}
		completion := domain.Completion{
			Choice:       index,
			FinishReason: mapFinishReason(c.finish),
			Model:        d.model,
		}
		if completion.FinishReason == domain.FinishContentFilter {
			completion.FilterReason = c.filter
		}
		if completion.FinishReason == domain.FinishServerError {
			completion.Error = d.errMessage
		}
		completions = append(completions, completion)
	}
	sort.Slice(completions, func(i, j int) bool { return completions[i].Choice < completions[j].Choice })
	return completions
}

// Usage returns the usage reported by the stream, if any.
func (d *ChatDecoder) Usage() *domain.Usage {
	return d.usage
}

// ResponseID returns the upstream completion id.
func (d *ChatDecoder) ResponseID() string {
	return d.responseID
}

func (d *ChatDecoder) handle(ctx context.Context, chunk *openaiapi.ChatCompletionChunk, out chan<- domain.Delta) error {
	if chunk.ID != "" {
		d.responseID = chunk.ID
	}
	if chunk.Model != "" {
		d.model = chunk.Model
	}

	if chunk.Error != nil {
		d.errMessage = chunk.Error.Message
		d.logger.Warn("openai stream error",
			slog.String("type", chunk.Error.Type),
			slog.String("code", chunk.Error.Code),
			slog.String("message", chunk.Error.Message))
		// The error terminates every choice that is still open.
		if len(d.choices) == 0 {
			d.choices[0] = newChoiceScratch()
		}
		for _, c := range d.choices {
			if c.finish == "" {
				c.finish = string(domain.FinishServerError)
			}
		}
		return nil
	}

	for i := range chunk.Choices {
		if err := d.handleChoice(ctx, &chunk.Choices[i], out); err != nil {
			return err
		}
	}

	if chunk.Usage != nil {
		u := toUsage(chunk.Usage)
		d.usage = &u
		return emit(ctx, out, domain.UsageSnapshot(0, u))
	}
	return nil
}

func (d *ChatDecoder) handleChoice(ctx context.Context, choice *openaiapi.ChunkChoice, out chan<- domain.Delta) error {
	c, ok := d.choices[choice.Index]
	if !ok {
		c = newChoiceScratch()
		d.choices[choice.Index] = c
	}

	delta := choice.Delta
	if reasoning := firstNonEmpty(delta.ReasoningContent, delta.Reasoning); reasoning != "" {
		if err := emit(ctx, out, domain.Thinking(choice.Index, domain.ThinkingDelta{Text: reasoning})); err != nil {
			return err
		}
	}

	if delta.Content != nil && *delta.Content != "" {
		if err := emit(ctx, out, domain.TextDelta(choice.Index, *delta.Content)); err != nil {
			return err
		}
	}

	for _, tc := range delta.ToolCalls {
		scratch, ok := c.tools[tc.Index]
		if !ok {
			scratch = &toolScratch{}
			c.tools[tc.Index] = scratch
			c.order = append(c.order, tc.Index)
		}
		if tc.ID != "" {
			scratch.id = tc.ID
		}
		var fragment string
		if tc.Function != nil {
			if tc.Function.Name != "" {
				scratch.name = tc.Function.Name
			}
			fragment = tc.Function.Arguments
			scratch.args.WriteString(fragment)
		}
		if err := emit(ctx, out, domain.ToolCallFragment(choice.Index, domain.ToolCallDelta{
			Index:     tc.Index,
			ID:        scratch.id,
			Name:      scratch.name,
			Arguments: fragment,
		})); err != nil {
			return err
		}
	}

	if choice.ContentFilterResults != nil {
		if reason := filterReason(choice.ContentFilterResults); reason != "" {
			c.filter = reason
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" && c.finish == "" {
		c.finish = *choice.FinishReason
		return d.finishTools(ctx, choice.Index, c, out)
	}
	return nil
}

// finishTools emits every accumulated call of the choice with its complete
// arguments.
func (d *ChatDecoder) finishTools(ctx context.Context, choice int, c *choiceScratch, out chan<- domain.Delta) error {
	for _, index := range c.order {
		scratch := c.tools[index]
		args, ok := compactJSON(scratch.args.String())
		if !ok {
			if scratch.args.Len() > 0 {
				d.logger.Warn("tool call arguments were not valid JSON",
					slog.String("tool", scratch.name),
					slog.Int("length", scratch.args.Len()))
			}
			args = "{}"
		}
		if err := emit(ctx, out, domain.ToolCallFragment(choice, domain.ToolCallDelta{
			Index:     index,
			ID:        scratch.id,
			Name:      scratch.name,
			Arguments: args,
			Complete:  true,
		})); err != nil {
			return err
		}
	}
	return nil
}

func newChoiceScratch() *choiceScratch {
	return &choiceScratch{tools: make(map[int]*toolScratch)}
}

func toUsage(u *openaiapi.Usage) domain.Usage {
	usage := domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// filterReason picks the category that caused a content_filter finish.
// Protected material is reported as copyright.
func filterReason(r *openaiapi.ContentFilterResults) domain.FilterReason {
	switch {
	case filtered(r.ProtectedMaterialCode), filtered(r.ProtectedMaterialText):
		return domain.FilterCopyright
	case filtered(r.Hate):
		return domain.FilterHate
	case filtered(r.SelfHarm):
		return domain.FilterSelfHarm
	case filtered(r.Sexual):
		return domain.FilterSexual
	case filtered(r.Violence):
		return domain.FilterViolence
	default:
		return ""
	}
}

func filtered(v *openaiapi.FilterVerdict) bool {
	return v != nil && (v.Filtered || v.Detected)
}

func mapFinishReason(reason string) domain.FinishReason {
	switch domain.FinishReason(reason) {
	case domain.FinishStop, domain.FinishLength, domain.FinishToolCalls, domain.FinishFunctionCall,
		domain.FinishContentFilter, domain.FinishClientTrimmed, domain.FinishServerError:
		return domain.FinishReason(reason)
	default:
		return domain.FinishUnknown
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// compactJSON reports whether s is a complete JSON value and returns it in
// compact form.
func compactJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", false
	}
	return buf.String(), true
}

func emit(ctx context.Context, out chan<- domain.Delta, d domain.Delta) error {
	select {
	case out <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
