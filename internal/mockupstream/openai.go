package mockupstream

import (
	"net/http"
	"strings"
	"time"

	openaiapi "github.com/tjfontaine/polyglot-llm-fetch/internal/api/openai"
)

const (
	mockArgsHead = `{"location":`
	mockArgsTail = ` "Paris"}`
)

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.ChatCompletionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	s := script{model: req.Model}
	var texts []string
	for _, m := range req.Messages {
		texts = append(texts, chatText(m.Content))
	}
	if n := len(req.Messages); n > 0 {
		s.retried = req.Messages[n-1].Role == "user" && strings.Contains(texts[n-1], retryMarker)
	}
	if len(req.Tools) > 0 {
		s.tool = req.Tools[0].Function.Name
	}
	s.promptTokens = countWords(texts...)

	if !h.begin(w, r, "chat_completions", req.Stream, &s) {
		return
	}
	sse, ok := h.startStream(w, r, s)
	if !ok {
		return
	}
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	h.streamFailed(r, streamChat(sse, s, includeUsage))
}

func streamChat(sse *sseWriter, s script, includeUsage bool) error {
	id := "chatcmpl-mock"
	created := time.Now().Unix()
	chunk := func(delta openaiapi.ChunkDelta, finish string) openaiapi.ChatCompletionChunk {
		choice := openaiapi.ChunkChoice{Index: 0, Delta: delta}
		if finish != "" {
			choice.FinishReason = &finish
		}
		return openaiapi.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   s.model,
			Choices: []openaiapi.ChunkChoice{choice},
		}
	}
	text := func(t string) openaiapi.ChunkDelta {
		return openaiapi.ChunkDelta{Content: &t}
	}

	if err := sse.event("", chunk(openaiapi.ChunkDelta{Role: "assistant"}, "")); err != nil {
		return err
	}

	completion := 0
	finish := "stop"
	switch s.effective() {
	case ScenarioText, ScenarioSlow, ScenarioTruncated, ScenarioLength:
		for _, p := range pieces(Reply) {
			if err := sse.event("", chunk(text(p), "")); err != nil {
				return err
			}
			completion++
		}
		if s.scenario == ScenarioTruncated {
			abortStream()
		}
		if s.scenario == ScenarioLength {
			finish = "length"
		}

	case ScenarioToolCall:
		first := openaiapi.ChunkDelta{ToolCalls: []openaiapi.ToolCallChunk{{
			Index:    0,
			ID:       "call_mock1",
			Type:     "function",
			Function: &openaiapi.FunctionCallChunk{Name: s.tool},
		}}}
		if err := sse.event("", chunk(first, "")); err != nil {
			return err
		}
		for _, args := range []string{mockArgsHead, mockArgsTail} {
			d := openaiapi.ChunkDelta{ToolCalls: []openaiapi.ToolCallChunk{{
				Index:    0,
				Function: &openaiapi.FunctionCallChunk{Arguments: args},
			}}}
			if err := sse.event("", chunk(d, "")); err != nil {
				return err
			}
			completion++
		}
		finish = "tool_calls"

	case ScenarioFiltered:
		if err := sse.event("", chunk(text(FilteredPartial), "")); err != nil {
			return err
		}
		stop := chunk(openaiapi.ChunkDelta{}, "content_filter")
		stop.Choices[0].ContentFilterResults = &openaiapi.ContentFilterResults{
			ProtectedMaterialText: &openaiapi.FilterVerdict{Filtered: true, Detected: true},
		}
		if err := sse.event("", stop); err != nil {
			return err
		}
		return sse.write("", "[DONE]")

	case ScenarioStreamError:
		if err := sse.event("", chunk(text(FilteredPartial), "")); err != nil {
			return err
		}
		return sse.event("", openaiapi.ChatCompletionChunk{
			ID:    id,
			Model: s.model,
			Error: &openaiapi.APIError{Type: "server_error", Code: "internal_error", Message: "mock upstream failure"},
		})
	}

	if err := sse.event("", chunk(openaiapi.ChunkDelta{}, finish)); err != nil {
		return err
	}
	if includeUsage {
		usage := openaiapi.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   s.model,
			Choices: []openaiapi.ChunkChoice{},
			Usage: &openaiapi.Usage{
				PromptTokens:     s.promptTokens,
				CompletionTokens: completion,
				TotalTokens:      s.promptTokens + completion,
			},
		}
		if err := sse.event("", usage); err != nil {
			return err
		}
	}
	return sse.write("", "[DONE]")
}

// chatText flattens string or part-list message content.
func chatText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, part := range c {
			if m, ok := part.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// HandleResponses serves POST /v1/responses.
func (h *Handler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.ResponsesRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	s := script{model: req.Model}
	texts := []string{req.Instructions}
	lastUser := ""
	for _, item := range req.Input {
		var b strings.Builder
		for _, part := range item.Content {
			b.WriteString(part.Text)
		}
		texts = append(texts, b.String())
		if item.Role == "user" {
			lastUser = b.String()
		}
	}
	s.retried = strings.Contains(lastUser, retryMarker)
	for _, tool := range req.Tools {
		if tool.Type == "function" {
			s.tool = tool.Name
			break
		}
	}
	s.promptTokens = countWords(texts...)

	if !h.begin(w, r, "responses", req.Stream, &s) {
		return
	}
	sse, ok := h.startStream(w, r, s)
	if !ok {
		return
	}
	h.streamFailed(r, streamResponses(sse, s))
}

func streamResponses(sse *sseWriter, s script) error {
	seq := 0
	send := func(ev openaiapi.ResponsesStreamEvent) error {
		seq++
		ev.SequenceNumber = seq
		return sse.event(ev.Type, ev)
	}
	response := func(status string) *openaiapi.ResponsesResponse {
		return &openaiapi.ResponsesResponse{ID: "resp_mock", Object: "response", Status: status, Model: s.model}
	}

	if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventResponseCreated, Response: response("in_progress")}); err != nil {
		return err
	}

	completion := 0
	streamText := func(text string) error {
		msg := &openaiapi.ResponsesItem{ID: "msg_mock", Type: openaiapi.ItemMessage, Role: "assistant", Status: "in_progress"}
		if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventOutputItemAdded, Item: msg}); err != nil {
			return err
		}
		for _, p := range pieces(text) {
			if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventOutputTextDelta, ItemID: msg.ID, Delta: p}); err != nil {
				return err
			}
			completion++
		}
		return nil
	}

	final := response("completed")
	finalType := openaiapi.EventResponseCompleted

	switch s.effective() {
	case ScenarioText, ScenarioSlow, ScenarioTruncated, ScenarioLength:
		if err := streamText(Reply); err != nil {
			return err
		}
		if s.scenario == ScenarioTruncated {
			abortStream()
		}
		if s.scenario == ScenarioLength {
			final = response("incomplete")
			final.IncompleteDetails = &openaiapi.IncompleteDetails{Reason: "max_output_tokens"}
			finalType = openaiapi.EventResponseIncomplete
		}

	case ScenarioToolCall:
		call := &openaiapi.ResponsesItem{ID: "fc_mock", Type: openaiapi.ItemFunctionCall, CallID: "call_mock1", Name: s.tool}
		if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventOutputItemAdded, Item: call}); err != nil {
			return err
		}
		for _, args := range []string{mockArgsHead, mockArgsTail} {
			if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventFunctionCallArgsDelta, ItemID: call.ID, Delta: args}); err != nil {
				return err
			}
			completion++
		}
		done := *call
		done.Arguments = mockArgsHead + mockArgsTail
		done.Status = "completed"
		if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventFunctionCallArgsDone, ItemID: call.ID, Arguments: done.Arguments}); err != nil {
			return err
		}
		if err := send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventOutputItemDone, Item: &done}); err != nil {
			return err
		}

	case ScenarioFiltered:
		if err := streamText(FilteredPartial); err != nil {
			return err
		}
		final = response("incomplete")
		final.IncompleteDetails = &openaiapi.IncompleteDetails{Reason: "content_filter"}
		finalType = openaiapi.EventResponseIncomplete

	case ScenarioStreamError:
		if err := streamText(FilteredPartial); err != nil {
			return err
		}
		return send(openaiapi.ResponsesStreamEvent{Type: openaiapi.EventError, Code: "server_error", Message: "mock upstream failure"})
	}

	final.Usage = &openaiapi.ResponsesUsage{
		InputTokens:  s.promptTokens,
		OutputTokens: completion,
		TotalTokens:  s.promptTokens + completion,
	}
	return send(openaiapi.ResponsesStreamEvent{Type: finalType, Response: final})
}
