package translate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/sigcache"
)

func vendorChunk(parts ...Part) *GenerateContentResponse {
	return &GenerateContentResponse{
		Candidates: []Candidate{{Content: &Content{Role: "model", Parts: parts}}},
	}
}

func finishChunk(reason string, usage *UsageMetadata) *GenerateContentResponse {
	return &GenerateContentResponse{
		Candidates:    []Candidate{{FinishReason: reason}},
		UsageMetadata: usage,
	}
}

func collectStream(st *AnthropicStream, chunks ...*GenerateContentResponse) []AnthropicEvent {
	var events []AnthropicEvent
	for _, c := range chunks {
		events = append(events, st.OnChunk(c)...)
	}
	return append(events, st.Finish()...)
}

func eventTypes(events []AnthropicEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestStreamTextOnlyEventSequence(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "claude-sonnet-4-5", "", false)

	events := collectStream(st,
		vendorChunk(Part{Text: "Hello "}),
		vendorChunk(Part{Text: "world"}),
		finishChunk("STOP", &UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2}),
	)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	assert.Equal(t, "assistant", events[0].Message.Role)
	assert.Equal(t, "claude-sonnet-4-5", events[0].Message.Model)
	assert.Equal(t, "text", events[1].ContentBlock.Type)
	assert.Equal(t, "Hello ", events[2].Delta.Text)

	delta := events[len(events)-2]
	assert.Equal(t, "end_turn", delta.Delta.StopReason)
	require.NotNil(t, delta.Usage)
	assert.Equal(t, 3, delta.Usage.InputTokens)
	assert.Equal(t, 2, delta.Usage.OutputTokens)
}

func TestStreamThinkingOpensAtIndexZero(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "claude-sonnet-4-5-thinking", "", true)

	events := collectStream(st,
		vendorChunk(Part{Text: "pondering", Thought: true}),
		vendorChunk(Part{Text: "pondering more", Thought: true, ThoughtSignature: sig("t")}),
		vendorChunk(Part{Text: "answer"}),
		finishChunk("STOP", nil),
	)

	types := eventTypes(events)
	assert.Equal(t, "message_start", types[0])

	var starts []AnthropicEvent
	for _, ev := range events {
		if ev.Type == "content_block_start" {
			starts = append(starts, ev)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, "thinking", starts[0].ContentBlock.Type)
	assert.Equal(t, 0, *starts[0].Index)
	assert.Equal(t, "text", starts[1].ContentBlock.Type)
	assert.Equal(t, 1, *starts[1].Index)

	var sawSignature bool
	for _, ev := range events {
		if ev.Type == "content_block_delta" && ev.Delta.Type == "signature_delta" {
			sawSignature = true
			assert.Equal(t, sig("t"), ev.Delta.Signature)
		}
	}
	assert.True(t, sawSignature)
}

func TestStreamBalancedBlockFraming(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "m", "", false)

	events := collectStream(st,
		vendorChunk(Part{Text: "plan", Thought: true}),
		vendorChunk(Part{Text: "visible"}),
		vendorChunk(Part{FunctionCall: &FunctionCall{ID: "toolu_1", Name: "get_weather", Args: map[string]interface{}{"city": "Oslo"}}}),
		finishChunk("STOP", nil),
	)

	opens, closes := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case "content_block_start":
			opens++
		case "content_block_stop":
			closes++
		}
	}
	assert.Equal(t, opens, closes)
	assert.Equal(t, 3, opens)
}

func TestStreamToolUseSetsStopReason(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "m", "", false)

	events := collectStream(st,
		vendorChunk(Part{FunctionCall: &FunctionCall{ID: "toolu_1", Name: "get_time", Args: map[string]interface{}{}}}),
		finishChunk("STOP", nil),
	)

	var delta *AnthropicEvent
	for i := range events {
		if events[i].Type == "message_delta" {
			delta = &events[i]
		}
	}
	require.NotNil(t, delta)
	assert.Equal(t, "tool_use", delta.Delta.StopReason)

	var inputJSON string
	for _, ev := range events {
		if ev.Type == "content_block_delta" && ev.Delta.Type == "input_json_delta" {
			inputJSON = ev.Delta.PartialJSON
		}
	}
	assert.JSONEq(t, `{}`, inputJSON)
}

func TestStreamMaxTokensStopReason(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "m", "", false)

	events := collectStream(st,
		vendorChunk(Part{Text: "truncat"}),
		finishChunk("MAX_TOKENS", nil),
	)

	var delta *AnthropicEvent
	for i := range events {
		if events[i].Type == "message_delta" {
			delta = &events[i]
		}
	}
	require.NotNil(t, delta)
	assert.Equal(t, "max_tokens", delta.Delta.StopReason)
}

func TestStreamEmptyUpstreamSynthesizesError(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "m", "", false)

	events := st.Finish()
	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "error", events[1].Type)
	assert.Equal(t, "api_error", events[1].Error.Type)
	assert.False(t, st.SawContent())
}

func TestStreamMissingFinishReasonIsIncomplete(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "m", "", false)

	st.OnChunk(vendorChunk(Part{Text: "partial"}))
	events := st.Finish()

	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, "incomplete_upstream_stream", last.Error.Type)
}

func TestStreamRedactedPlaceholderBeforeFirstText(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindLastPerUser, "user-1", sig("prev"))

	st := NewAnthropicStream(ctx, caches, "claude-sonnet-4-5-thinking", "user-1", true)
	events := collectStream(st,
		vendorChunk(Part{Text: "no thoughts this turn"}),
		finishChunk("STOP", nil),
	)

	var starts []AnthropicEvent
	for _, ev := range events {
		if ev.Type == "content_block_start" {
			starts = append(starts, ev)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, "redacted_thinking", starts[0].ContentBlock.Type)
	assert.Equal(t, 0, *starts[0].Index)
	assert.Equal(t, sig("prev"), starts[0].ContentBlock.Data)
}

func TestStreamNoPlaceholderWithoutKnownSignature(t *testing.T) {
	st := NewAnthropicStream(context.Background(), newTestCaches(), "claude-sonnet-4-5-thinking", "user-2", true)

	events := collectStream(st,
		vendorChunk(Part{Text: "plain"}),
		finishChunk("STOP", nil),
	)

	for _, ev := range events {
		if ev.Type == "content_block_start" {
			assert.NotEqual(t, "redacted_thinking", ev.ContentBlock.Type)
		}
	}
}

func TestStreamCapturesPerToolUseSignature(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	st := NewAnthropicStream(ctx, caches, "m", "user-1", true)

	collectStream(st,
		vendorChunk(Part{Text: "reason", Thought: true, ThoughtSignature: sig("s")}),
		vendorChunk(Part{FunctionCall: &FunctionCall{ID: "toolu_77", Name: "get_weather", Args: map[string]interface{}{}}}),
		finishChunk("STOP", nil),
	)

	got, ok := caches.Get(ctx, sigcache.KindPerToolUse, "toolu_77")
	require.True(t, ok)
	assert.Equal(t, sig("s"), got)

	got, ok = caches.Get(ctx, sigcache.KindLastPerUser, "user-1")
	require.True(t, ok)
	assert.Equal(t, sig("s"), got)
}
