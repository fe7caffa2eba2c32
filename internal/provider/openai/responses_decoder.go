package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openaiapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/pkg/sse"
)

// callScratch accumulates one function_call output item.
type callScratch struct {
	callID string
	name   string
	args   strings.Builder
	done   bool
}

// ResponsesDecoder is the per-request state machine for the Responses
// stream. Responses always produce a single choice.
type ResponsesDecoder struct {
	logger *slog.Logger

	calls map[string]*callScratch

	responseID string
	model      string
	usage      *domain.Usage
	finish     domain.FinishReason
	filter     domain.FilterReason
	errMessage string
	sawCall    bool
}

// NewResponsesDecoder creates a decoder for a single response.
func NewResponsesDecoder(logger *slog.Logger) *ResponsesDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponsesDecoder{logger: logger, calls: make(map[string]*callScratch)}
}

// Decode consumes body until a terminal response event, EOF or
// cancellation. Cancellation is checked once per event.
func (d *ResponsesDecoder) Decode(ctx context.Context, body io.Reader, out chan<- domain.Delta) error {
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

		event, err := openaiapi.ParseResponsesEvent(ev.Type, []byte(ev.Data))
		if err != nil {
			return fmt.Errorf("parse responses event: %w", err)
		}
		stop, err := d.handle(ctx, event, out)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// Completions returns the terminal summary, or nothing when the stream
// ended before a terminal event.
func (d *ResponsesDecoder) Completions() []domain.Completion {
	if d.finish == "" {
		return nil
	}
	c := domain.Completion{Choice: 0, FinishReason: d.finish, Model: d.model}
	switch d.finish {
	case domain.FinishContentFilter:
		c.FilterReason = d.filter
	case domain.FinishServerError:
		c.Error = d.errMessage
	}
	return []domain.Completion{c}
}

// Usage returns the usage reported by the stream, if any.
func (d *ResponsesDecoder) Usage() *domain.Usage {
	return d.usage
}

// ResponseID returns the upstream response id.
func (d *ResponsesDecoder) ResponseID() string {
	return d.responseID
}

func (d *ResponsesDecoder) handle(ctx context.Context, ev *openaiapi.ResponsesStreamEvent, out chan<- domain.Delta) (bool, error) {
	switch ev.Type {
	case openaiapi.EventResponseCreated, openaiapi.EventResponseInProgress:
		d.trackResponse(ev.Response)

	case openaiapi.EventOutputItemAdded:
		if ev.Item != nil && ev.Item.Type == openaiapi.ItemFunctionCall {
			d.sawCall = true
			d.calls[ev.Item.ID] = &callScratch{callID: ev.Item.CallID, name: ev.Item.Name}
		}

	case openaiapi.EventOutputTextDelta:
		if ev.Delta != "" {
			return false, emit(ctx, out, domain.TextDelta(0, ev.Delta))
		}

	case openaiapi.EventOutputTextAnnotation:
		a := ev.Annotation
		if a != nil && a.Type == "url_citation" {
			return false, emit(ctx, out, domain.Citation(0, domain.CitationDelta{URL: a.URL, Title: a.Title}))
		}

	case openaiapi.EventFunctionCallArgsDelta:
		scratch, ok := d.calls[ev.ItemID]
		if !ok {
			scratch = &callScratch{}
			d.calls[ev.ItemID] = scratch
		}
		scratch.args.WriteString(ev.Delta)
		return false, emit(ctx, out, domain.ToolCallFragment(0, domain.ToolCallDelta{
			Index:     ev.OutputIndex,
			ID:        scratch.callID,
			Name:      scratch.name,
			Arguments: ev.Delta,
		}))

	case openaiapi.EventFunctionCallArgsDone:
		if scratch, ok := d.calls[ev.ItemID]; ok && ev.Arguments != "" {
			scratch.args.Reset()
			scratch.args.WriteString(ev.Arguments)
		}

	case openaiapi.EventOutputItemDone:
		return false, d.itemDone(ctx, ev, out)

	case openaiapi.EventReasoningSummaryDelta:
		if ev.Delta != "" {
			return false, emit(ctx, out, domain.Thinking(0, domain.ThinkingDelta{ID: ev.ItemID, Text: ev.Delta}))
		}

	case openaiapi.EventResponseCompleted:
		d.trackResponse(ev.Response)
		d.finish = domain.FinishStop
		if d.sawCall {
			d.finish = domain.FinishToolCalls
		}
		return true, d.emitTerminal(ctx, out)

	case openaiapi.EventResponseIncomplete:
		d.trackResponse(ev.Response)
		reason := ""
		if ev.Response != nil && ev.Response.IncompleteDetails != nil {
			reason = ev.Response.IncompleteDetails.Reason
		}
		switch reason {
		case "max_output_tokens":
			d.finish = domain.FinishLength
		case "content_filter":
			d.finish = domain.FinishContentFilter
		default:
			d.finish = domain.FinishUnknown
		}
		return true, d.emitTerminal(ctx, out)

	case openaiapi.EventResponseFailed:
		d.trackResponse(ev.Response)
		d.finish = domain.FinishServerError
		if ev.Response != nil && ev.Response.Error != nil {
			d.errMessage = ev.Response.Error.Message
		}
		d.logger.Warn("responses stream failed", slog.String("message", d.errMessage))
		return true, nil

	case openaiapi.EventError:
		d.finish = domain.FinishServerError
		d.errMessage = firstNonEmpty(ev.Message, ev.Code)
		d.logger.Warn("responses stream error",
			slog.String("code", ev.Code),
			slog.String("message", ev.Message))
		return true, nil

	default:
		d.logger.Debug("ignoring responses stream event", slog.String("event", ev.Type))
	}
	return false, nil
}

func (d *ResponsesDecoder) itemDone(ctx context.Context, ev *openaiapi.ResponsesStreamEvent, out chan<- domain.Delta) error {
	item := ev.Item
	if item == nil {
		return nil
	}

	switch item.Type {
	case openaiapi.ItemFunctionCall:
		d.sawCall = true
		scratch, ok := d.calls[item.ID]
		if !ok {
			scratch = &callScratch{}
			d.calls[item.ID] = scratch
		}
		if scratch.done {
			return nil
		}
		scratch.done = true

		args, ok := compactJSON(item.Arguments)
		if !ok {
			args, ok = compactJSON(scratch.args.String())
		}
		if !ok {
			args = "{}"
		}
		return emit(ctx, out, domain.ToolCallFragment(0, domain.ToolCallDelta{
			Index:     ev.OutputIndex,
			ID:        firstNonEmpty(item.CallID, scratch.callID),
			Name:      firstNonEmpty(item.Name, scratch.name),
			Arguments: args,
			Complete:  true,
		}))

	case openaiapi.ItemReasoning:
		if item.EncryptedContent == "" {
			return nil
		}
		return emit(ctx, out, domain.Thinking(0, domain.ThinkingDelta{
			ID:        item.ID,
			Encrypted: true,
			Data:      item.EncryptedContent,
		}))
	}
	return nil
}

func (d *ResponsesDecoder) trackResponse(r *openaiapi.ResponsesResponse) {
	if r == nil {
		return
	}
	if r.ID != "" {
		d.responseID = r.ID
	}
	if r.Model != "" {
		d.model = r.Model
	}
	if r.Usage != nil {
		u := domain.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
		if r.Usage.InputTokensDetails != nil {
			u.CachedTokens = r.Usage.InputTokensDetails.CachedTokens
		}
		if r.Usage.OutputTokensDetails != nil {
			u.ReasoningTokens = r.Usage.OutputTokensDetails.ReasoningTokens
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		d.usage = &u
	}
}

// emitTerminal reports usage and the stateful marker that lets the next
// request continue from this response.
func (d *ResponsesDecoder) emitTerminal(ctx context.Context, out chan<- domain.Delta) error {
	if d.usage != nil {
		if err := emit(ctx, out, domain.UsageSnapshot(0, *d.usage)); err != nil {
			return err
		}
	}
	if d.responseID != "" {
		return emit(ctx, out, domain.StatefulMarker(0, d.responseID))
	}
	return nil
}
