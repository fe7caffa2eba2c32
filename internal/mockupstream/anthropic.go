package mockupstream

import (
	"encoding/json"
	"net/http"
	"strings"

	anthropicapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/anthropic"
)

// HandleMessages serves POST /v1/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropicapi.MessagesRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	s := script{model: req.Model}
	var texts []string
	for _, sys := range req.System {
		texts = append(texts, sys.Text)
	}
	lastUser := ""
	for _, m := range req.Messages {
		var b strings.Builder
		for _, part := range m.Content {
			b.WriteString(part.Text)
			b.WriteString(part.Content)
		}
		texts = append(texts, b.String())
		if m.Role == "user" {
			lastUser = b.String()
		}
	}
	s.retried = strings.Contains(lastUser, retryMarker)
	for _, tool := range req.Tools {
		// Server tools such as web_search carry a versioned type
		if tool.Type == "" || tool.Type == "custom" {
			s.tool = tool.Name
			break
		}
	}
	s.promptTokens = countWords(texts...)

	if !h.begin(w, r, "messages", req.Stream, &s) {
		return
	}
	sse, ok := h.startStream(w, r, s)
	if !ok {
		return
	}
	h.streamFailed(r, streamMessages(sse, s))
}

func streamMessages(sse *sseWriter, s script) error {
	start := anthropicapi.MessageStartEvent{
		Type: anthropicapi.EventMessageStart,
		Message: anthropicapi.MessagesResponse{
			ID:      "msg_mock",
			Type:    "message",
			Role:    "assistant",
			Content: []anthropicapi.ContentBlock{},
			Model:   s.model,
			Usage:   anthropicapi.Usage{InputTokens: s.promptTokens, OutputTokens: 1},
		},
	}
	if err := sse.event(start.Type, start); err != nil {
		return err
	}

	completion := 0
	textBlock := func(text string) error {
		blockStart := anthropicapi.ContentBlockStartEvent{
			Type:         anthropicapi.EventContentBlockStart,
			Index:        0,
			ContentBlock: anthropicapi.ContentBlock{Type: anthropicapi.BlockText},
		}
		if err := sse.event(blockStart.Type, blockStart); err != nil {
			return err
		}
		for _, p := range pieces(text) {
			delta := anthropicapi.ContentBlockDeltaEvent{
				Type:  anthropicapi.EventContentBlockDelta,
				Index: 0,
				Delta: anthropicapi.BlockDelta{Type: anthropicapi.DeltaText, Text: p},
			}
			if err := sse.event(delta.Type, delta); err != nil {
				return err
			}
			completion++
		}
		stop := anthropicapi.ContentBlockStopEvent{Type: anthropicapi.EventContentBlockStop, Index: 0}
		return sse.event(stop.Type, stop)
	}

	stopReason := "end_turn"
	switch s.effective() {
	case ScenarioText, ScenarioSlow, ScenarioTruncated, ScenarioLength:
		if err := textBlock(Reply); err != nil {
			return err
		}
		if s.scenario == ScenarioTruncated {
			abortStream()
		}
		if s.scenario == ScenarioLength {
			stopReason = "max_tokens"
		}

	case ScenarioToolCall:
		blockStart := anthropicapi.ContentBlockStartEvent{
			Type:  anthropicapi.EventContentBlockStart,
			Index: 0,
			ContentBlock: anthropicapi.ContentBlock{
				Type:  anthropicapi.BlockToolUse,
				ID:    "toolu_mock1",
				Name:  s.tool,
				Input: json.RawMessage(`{}`),
			},
		}
		if err := sse.event(blockStart.Type, blockStart); err != nil {
			return err
		}
		for _, args := range []string{mockArgsHead, mockArgsTail} {
			delta := anthropicapi.ContentBlockDeltaEvent{
				Type:  anthropicapi.EventContentBlockDelta,
				Index: 0,
				Delta: anthropicapi.BlockDelta{Type: anthropicapi.DeltaInputJSON, PartialJSON: args},
			}
			if err := sse.event(delta.Type, delta); err != nil {
				return err
			}
			completion++
		}
		stop := anthropicapi.ContentBlockStopEvent{Type: anthropicapi.EventContentBlockStop, Index: 0}
		if err := sse.event(stop.Type, stop); err != nil {
			return err
		}
		stopReason = "tool_use"

	case ScenarioFiltered:
		if err := textBlock(FilteredPartial); err != nil {
			return err
		}
		stopReason = "refusal"

	case ScenarioStreamError:
		if err := textBlock(FilteredPartial); err != nil {
			return err
		}
		e := anthropicapi.ErrorEvent{
			Type:  anthropicapi.EventError,
			Error: anthropicapi.APIError{Type: "overloaded_error", Message: "mock upstream failure"},
		}
		return sse.event(e.Type, e)
	}

	md := anthropicapi.MessageDeltaEvent{
		Type:  anthropicapi.EventMessageDelta,
		Delta: anthropicapi.MessageDelta{StopReason: stopReason},
		Usage: &anthropicapi.Usage{OutputTokens: completion},
	}
	if err := sse.event(md.Type, md); err != nil {
		return err
	}
	return sse.event(anthropicapi.EventMessageStop, map[string]string{"type": anthropicapi.EventMessageStop})
}
