package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	anthropicapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/pkg/sse"
)

// blockScratch is the open state of one content block. It lives only between
// content_block_start and content_block_stop.
type blockScratch struct {
	kind string

	// tool_use and server_tool_use
	toolID    string
	toolName  string
	startArgs json.RawMessage
	args      strings.Builder
	emitted   bool

	// thinking and redacted_thinking
	signature strings.Builder
	redacted  string
}

// Decoder is the per-request state machine for the Messages stream.
// A Decoder must not be reused across requests.
type Decoder struct {
	logger *slog.Logger

	blocks map[int]*blockScratch

	messageID  string
	model      string
	usage      domain.Usage
	stopReason string
	errMessage string
	finished   bool
}

// NewDecoder creates a decoder for a single response.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger, blocks: make(map[int]*blockScratch)}
}

// Decode consumes body until message_stop, EOF or cancellation. Cancellation
// is checked once per event and reported as ctx.Err().
func (d *Decoder) Decode(ctx context.Context, body io.Reader, out chan<- domain.Delta) error {
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

		stop, err := d.handle(ctx, &anthropicapi.StreamEvent{EventType: ev.Type, Data: json.RawMessage(ev.Data)}, out)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// Completions returns the terminal summary of the single choice, or nothing
// when the stream ended without a stop reason.
func (d *Decoder) Completions() []domain.Completion {
	if !d.finished {
		return nil
	}
	c := domain.Completion{Choice: 0, Model: d.model}
	if d.errMessage != "" {
		c.FinishReason = domain.FinishServerError
		c.Error = d.errMessage
		return []domain.Completion{c}
	}
	c.FinishReason = mapStopReason(d.stopReason)
	return []domain.Completion{c}
}

// Usage returns the usage accumulated so far.
func (d *Decoder) Usage() domain.Usage {
	return d.usage
}

// MessageID returns the upstream message id.
func (d *Decoder) MessageID() string {
	return d.messageID
}

func (d *Decoder) handle(ctx context.Context, ev *anthropicapi.StreamEvent, out chan<- domain.Delta) (bool, error) {
	switch ev.Type() {
	case anthropicapi.EventMessageStart:
		start, err := ev.ParseMessageStart()
		if err != nil {
			return false, fmt.Errorf("parse message_start: %w", err)
		}
		d.messageID = start.Message.ID
		d.model = start.Message.Model
		u := start.Message.Usage
		d.usage.CachedTokens = u.CacheReadInputTokens
		d.usage.CacheCreationTokens = u.CacheCreationInputTokens
		d.usage.PromptTokens = u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		d.usage.CompletionTokens = u.OutputTokens
		d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens

	case anthropicapi.EventContentBlockStart:
		start, err := ev.ParseContentBlockStart()
		if err != nil {
			return false, fmt.Errorf("parse content_block_start: %w", err)
		}
		return false, d.startBlock(ctx, start, out)

	case anthropicapi.EventContentBlockDelta:
		delta, err := ev.ParseContentBlockDelta()
		if err != nil {
			return false, fmt.Errorf("parse content_block_delta: %w", err)
		}
		return false, d.blockDelta(ctx, delta, out)

	case anthropicapi.EventContentBlockStop:
		stop, err := ev.ParseContentBlockStop()
		if err != nil {
			return false, fmt.Errorf("parse content_block_stop: %w", err)
		}
		return false, d.stopBlock(ctx, stop.Index, out)

	case anthropicapi.EventMessageDelta:
		md, err := ev.ParseMessageDelta()
		if err != nil {
			return false, fmt.Errorf("parse message_delta: %w", err)
		}
		if md.Delta.StopReason != "" {
			d.stopReason = md.Delta.StopReason
			d.finished = true
		}
		if md.Usage != nil {
			if stu := md.Usage.ServerToolUse; stu != nil && stu.WebSearchRequests > 0 {
				d.logger.Debug("server tool use", slog.Int("web_search_requests", stu.WebSearchRequests))
			}
			if md.Usage.InputTokens > 0 {
				d.usage.PromptTokens = md.Usage.InputTokens + d.usage.CachedTokens + d.usage.CacheCreationTokens
			}
			d.usage.CompletionTokens = md.Usage.OutputTokens
			d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens
			return false, emit(ctx, out, domain.UsageSnapshot(0, d.usage))
		}

	case anthropicapi.EventMessageStop:
		return true, nil

	case anthropicapi.EventError:
		e, err := ev.ParseError()
		if err != nil {
			return false, fmt.Errorf("parse error event: %w", err)
		}
		d.errMessage = e.Error.Message
		if d.errMessage == "" {
			d.errMessage = e.Error.Type
		}
		d.finished = true
		d.logger.Warn("anthropic stream error",
			slog.String("type", e.Error.Type),
			slog.String("message", e.Error.Message))
		return true, nil

	case anthropicapi.EventPing, "":
	default:
		d.logger.Debug("ignoring anthropic stream event", slog.String("event", ev.Type()))
	}
	return false, nil
}

func (d *Decoder) startBlock(ctx context.Context, ev *anthropicapi.ContentBlockStartEvent, out chan<- domain.Delta) error {
	block := ev.ContentBlock
	scratch := &blockScratch{kind: block.Type}
	d.blocks[ev.Index] = scratch

	switch block.Type {
	case anthropicapi.BlockText:
		if block.Text != "" {
			return emit(ctx, out, domain.TextDelta(0, block.Text))
		}
	case anthropicapi.BlockToolUse, anthropicapi.BlockServerToolUse:
		scratch.toolID = block.ID
		scratch.toolName = block.Name
		scratch.startArgs = block.Input
	case anthropicapi.BlockThinking:
		if block.Signature != "" {
			scratch.signature.WriteString(block.Signature)
		}
		if block.Thinking != "" {
			return emit(ctx, out, domain.Thinking(0, domain.ThinkingDelta{Text: block.Thinking}))
		}
	case anthropicapi.BlockRedactedThinking:
		scratch.redacted = block.Data
	case anthropicapi.BlockWebSearchToolResult:
		results, failed := webSearchOutcome(block.Content)
		d.logger.Debug("web search results",
			slog.String("tool_use_id", block.ToolUseID),
			slog.Int("results", len(results)),
			slog.Bool("error", failed))
		return emit(ctx, out, domain.ServerToolResult(0, domain.ServerToolResultDelta{
			ToolUseID: block.ToolUseID,
			Name:      domain.ToolNameWebSearch,
			Content:   block.Content,
			IsError:   failed,
		}))
	default:
		d.logger.Debug("unknown content block", slog.String("type", block.Type))
	}
	return nil
}

func (d *Decoder) blockDelta(ctx context.Context, ev *anthropicapi.ContentBlockDeltaEvent, out chan<- domain.Delta) error {
	scratch, ok := d.blocks[ev.Index]
	if !ok {
		// A delta without a start still carries usable text.
		scratch = &blockScratch{kind: anthropicapi.BlockText}
		d.blocks[ev.Index] = scratch
	}

	switch ev.Delta.Type {
	case anthropicapi.DeltaText:
		if ev.Delta.Text == "" {
			return nil
		}
		return emit(ctx, out, domain.TextDelta(0, ev.Delta.Text))

	case anthropicapi.DeltaInputJSON:
		if scratch.emitted {
			return nil
		}
		scratch.args.WriteString(ev.Delta.PartialJSON)
		if scratch.kind != anthropicapi.BlockToolUse {
			return nil
		}
		if args, ok := compactJSON(scratch.args.String()); ok {
			scratch.emitted = true
			return emit(ctx, out, toolCallDelta(ev.Index, scratch, args))
		}

	case anthropicapi.DeltaThinking:
		if ev.Delta.Thinking == "" {
			return nil
		}
		return emit(ctx, out, domain.Thinking(0, domain.ThinkingDelta{Text: ev.Delta.Thinking}))

	case anthropicapi.DeltaSignature:
		scratch.signature.WriteString(ev.Delta.Signature)

	case anthropicapi.DeltaCitations:
		c := ev.Delta.Citation
		if c == nil {
			return nil
		}
		if c.URL != "" {
			if err := emit(ctx, out, domain.TextDelta(0, citationMarkdown(c))); err != nil {
				return err
			}
		}
		return emit(ctx, out, domain.Citation(0, domain.CitationDelta{
			URL:       c.URL,
			Title:     citationTitle(c),
			CitedText: c.CitedText,
		}))

	default:
		d.logger.Debug("unknown block delta", slog.String("type", ev.Delta.Type))
	}
	return nil
}

func (d *Decoder) stopBlock(ctx context.Context, index int, out chan<- domain.Delta) error {
	scratch, ok := d.blocks[index]
	if !ok {
		return nil
	}
	delete(d.blocks, index)

	switch scratch.kind {
	case anthropicapi.BlockToolUse:
		if scratch.emitted {
			return nil
		}
		args, ok := compactJSON(scratch.args.String())
		if !ok {
			args, ok = compactJSON(string(scratch.startArgs))
		}
		if !ok {
			if scratch.args.Len() > 0 {
				d.logger.Warn("tool call arguments were not valid JSON",
					slog.String("tool", scratch.toolName),
					slog.Int("length", scratch.args.Len()))
			}
			args = "{}"
		}
		return emit(ctx, out, toolCallDelta(index, scratch, args))

	case anthropicapi.BlockServerToolUse:
		d.logger.Debug("server tool invoked",
			slog.String("tool", scratch.toolName),
			slog.String("input", scratch.args.String()))

	case anthropicapi.BlockThinking:
		if scratch.signature.Len() > 0 {
			return emit(ctx, out, domain.Thinking(0, domain.ThinkingDelta{Signature: scratch.signature.String()}))
		}

	case anthropicapi.BlockRedactedThinking:
		if scratch.redacted != "" {
			return emit(ctx, out, domain.Thinking(0, domain.ThinkingDelta{Encrypted: true, Data: scratch.redacted}))
		}
	}
	return nil
}

func toolCallDelta(index int, scratch *blockScratch, args string) domain.Delta {
	return domain.ToolCallFragment(0, domain.ToolCallDelta{
		Index:     index,
		ID:        scratch.toolID,
		Name:      scratch.toolName,
		Arguments: args,
		Complete:  true,
	})
}

// compactJSON reports whether s is a complete JSON value and returns it in
// compact form so fragmentation never changes the emitted arguments.
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

func citationTitle(c *anthropicapi.Citation) string {
	if c.Title != "" {
		return c.Title
	}
	return c.DocumentTitle
}

func citationMarkdown(c *anthropicapi.Citation) string {
	title := citationTitle(c)
	if title == "" {
		title = c.URL
	}
	return fmt.Sprintf(" [%s](%s)", title, c.URL)
}

// webSearchOutcome splits web_search_tool_result content into its result
// list, or reports an error object such as web_search_tool_result_error.
func webSearchOutcome(content json.RawMessage) ([]anthropicapi.WebSearchResult, bool) {
	var results []anthropicapi.WebSearchResult
	if err := json.Unmarshal(content, &results); err == nil {
		return results, false
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &obj); err != nil {
		return nil, false
	}
	return nil, strings.HasSuffix(obj.Type, "_error")
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return domain.FinishStop
	case "tool_use":
		return domain.FinishToolCalls
	case "max_tokens", "model_context_window_exceeded":
		return domain.FinishLength
	case "refusal":
		return domain.FinishContentFilter
	default:
		return domain.FinishUnknown
	}
}

func emit(ctx context.Context, out chan<- domain.Delta, d domain.Delta) error {
	select {
	case out <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
