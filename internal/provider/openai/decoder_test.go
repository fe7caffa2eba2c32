package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

type streamDecoder interface {
	Decode(ctx context.Context, body io.Reader, out chan<- domain.Delta) error
}

func dataLine(data string) string {
	return fmt.Sprintf("data: %s\n\n", data)
}

func collect(t *testing.T, dec streamDecoder, body io.Reader) []domain.Delta {
	t.Helper()
	out := make(chan domain.Delta, 256)
	require.NoError(t, dec.Decode(context.Background(), body, out))
	close(out)

	var deltas []domain.Delta
	for d := range out {
		deltas = append(deltas, d)
	}
	return deltas
}

func ofType(deltas []domain.Delta, typ domain.DeltaType) []domain.Delta {
	var filtered []domain.Delta
	for _, d := range deltas {
		if d.Type == typ {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

func chatTextStream() string {
	return dataLine(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`) +
		dataLine(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hello"}}]}`) +
		dataLine(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":"stop"}]}`) +
		dataLine(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7,"prompt_tokens_details":{"cached_tokens":3}}}`) +
		dataLine(`[DONE]`)
}

func TestChatDecoder_TextAndUsage(t *testing.T) {
	dec := NewChatDecoder(nil)
	deltas := collect(t, dec, strings.NewReader(chatTextStream()))

	texts := ofType(deltas, domain.DeltaText)
	require.Len(t, texts, 2)
	assert.Equal(t, "Hello", texts[0].Text)
	assert.Equal(t, " world", texts[1].Text)

	require.NotNil(t, dec.Usage())
	assert.Equal(t, domain.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7, CachedTokens: 3}, *dec.Usage())
	assert.Len(t, ofType(deltas, domain.DeltaUsage), 1)

	completions := dec.Completions()
	require.Len(t, completions, 1)
	assert.Equal(t, domain.FinishStop, completions[0].FinishReason)
	assert.Equal(t, "gpt-4o", completions[0].Model)
	assert.Equal(t, "chatcmpl-1", dec.ResponseID())
}

func TestChatDecoder_ToolCalls(t *testing.T) {
	stream := dataLine(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\": "}}]}}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"noargs"}}]}}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`) +
		dataLine(`[DONE]`)

	dec := NewChatDecoder(nil)
	deltas := collect(t, dec, strings.NewReader(stream))

	var partial, complete []domain.ToolCallDelta
	for _, d := range ofType(deltas, domain.DeltaToolCall) {
		if d.ToolCall.Complete {
			complete = append(complete, *d.ToolCall)
		} else {
			partial = append(partial, *d.ToolCall)
		}
	}

	assert.Len(t, partial, 4)
	assert.Equal(t, "lookup", partial[1].Name, "fragments carry the call identity")

	require.Len(t, complete, 2)
	assert.Equal(t, domain.ToolCallDelta{Index: 0, ID: "call_1", Name: "lookup", Arguments: `{"q":"go"}`, Complete: true}, complete[0])
	assert.Equal(t, "{}", complete[1].Arguments)

	assert.Equal(t, domain.FinishToolCalls, dec.Completions()[0].FinishReason)
}

func TestChatDecoder_ChunkBoundariesDoNotChangeOutput(t *testing.T) {
	whole := collect(t, NewChatDecoder(nil), strings.NewReader(chatTextStream()))
	split := collect(t, NewChatDecoder(nil), iotest.OneByteReader(strings.NewReader(chatTextStream())))
	assert.Equal(t, whole, split)
}

func TestChatDecoder_MultipleChoices(t *testing.T) {
	stream := dataLine(`{"choices":[{"index":1,"delta":{"content":"b"},"finish_reason":"length"}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{"content":"a"},"finish_reason":"stop"}]}`) +
		dataLine(`[DONE]`)

	dec := NewChatDecoder(nil)
	deltas := collect(t, dec, strings.NewReader(stream))
	assert.Equal(t, 1, deltas[0].Choice)

	completions := dec.Completions()
	require.Len(t, completions, 2)
	assert.Equal(t, 0, completions[0].Choice)
	assert.Equal(t, domain.FinishStop, completions[0].FinishReason)
	assert.Equal(t, domain.FinishLength, completions[1].FinishReason)
}

func TestChatDecoder_Reasoning(t *testing.T) {
	stream := dataLine(`{"choices":[{"index":0,"delta":{"reasoning_content":"think"}}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{"reasoning":"more"}}]}`) +
		dataLine(`{"choices":[{"index":0,"delta":{"content":"done"},"finish_reason":"stop"}]}`)

	deltas := collect(t, NewChatDecoder(nil), strings.NewReader(stream))
	thinking := ofType(deltas, domain.DeltaThinking)
	require.Len(t, thinking, 2)
	assert.Equal(t, "think", thinking[0].Thinking.Text)
	assert.Equal(t, "more", thinking[1].Thinking.Text)
}

func TestChatDecoder_ContentFilter(t *testing.T) {
	tests := []struct {
		name    string
		results string
		want    domain.FilterReason
	}{
		{"protected code", `{"protected_material_code":{"filtered":true,"detected":true}}`, domain.FilterCopyright},
		{"hate", `{"hate":{"filtered":true,"severity":"high"},"sexual":{"filtered":false}}`, domain.FilterHate},
		{"violence", `{"violence":{"filtered":true}}`, domain.FilterViolence},
		{"none reported", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := dataLine(`{"choices":[{"index":0,"delta":{"content":"par"}}]}`) +
				dataLine(`{"choices":[{"index":0,"delta":{},"finish_reason":"content_filter","content_filter_results":`+tt.results+`}]}`)

			dec := NewChatDecoder(nil)
			collect(t, dec, strings.NewReader(stream))
			completions := dec.Completions()
			require.Len(t, completions, 1)
			assert.Equal(t, domain.FinishContentFilter, completions[0].FinishReason)
			assert.Equal(t, tt.want, completions[0].FilterReason)
		})
	}
}

func TestChatDecoder_ErrorChunk(t *testing.T) {
	stream := dataLine(`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`) +
		dataLine(`{"error":{"message":"upstream exploded","type":"server_error"}}`)

	dec := NewChatDecoder(nil)
	deltas := collect(t, dec, strings.NewReader(stream))
	assert.Empty(t, ofType(deltas, domain.DeltaType("error")), "errors never surface as deltas")

	completions := dec.Completions()
	require.Len(t, completions, 1)
	assert.Equal(t, domain.FinishServerError, completions[0].FinishReason)
	assert.Equal(t, "upstream exploded", completions[0].Error)
}

func TestChatDecoder_NoFinishReason(t *testing.T) {
	stream := dataLine(`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`)
	dec := NewChatDecoder(nil)
	collect(t, dec, strings.NewReader(stream))
	assert.Nil(t, dec.Completions())
}

func TestChatDecoder_MalformedChunk(t *testing.T) {
	dec := NewChatDecoder(nil)
	out := make(chan domain.Delta, 8)
	err := dec.Decode(context.Background(), strings.NewReader(dataLine(`{not json`)), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse chat completion chunk")
}

func TestChatDecoder_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := NewChatDecoder(nil)
	out := make(chan domain.Delta, 8)
	err := dec.Decode(ctx, strings.NewReader(chatTextStream()), out)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, out)
}
