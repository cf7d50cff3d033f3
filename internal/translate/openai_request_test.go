package translate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/sigcache"
)

func TestOpenAIToVendorCollapsesSystemMessages(t *testing.T) {
	req := &OpenAIRequest{
		Model: "gemini-3-pro-low",
		Messages: []OpenAIMessage{
			{Role: "system", Content: "Be brief."},
			{Role: "developer", Content: "Use metric units."},
			{Role: "user", Content: "how far is the moon?"},
		},
	}

	body := OpenAIToVendor(context.Background(), newTestCaches(), req)
	require.NotNil(t, body.SystemInstruction)
	assert.Equal(t, "Be brief.\n\nUse metric units.", body.SystemInstruction.Parts[0].Text)

	require.Len(t, body.Contents, 1)
	assert.Equal(t, "user", body.Contents[0].Role)
	assert.Equal(t, "how far is the moon?", body.Contents[0].Parts[0].Text)
}

func TestOpenAIToVendorToolMessageBecomesFunctionResponse(t *testing.T) {
	req := &OpenAIRequest{
		Model: "claude-sonnet-4-5",
		Messages: []OpenAIMessage{
			{Role: "user", Content: "weather?"},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{{
				ID: "call_1", Type: "function",
				Function: OpenAIFunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "rainy"},
		},
	}

	body := OpenAIToVendor(context.Background(), newTestCaches(), req)
	require.Len(t, body.Contents, 3)

	call := body.Contents[1].Parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, map[string]interface{}{"city": "Oslo"}, call.Args)

	resp := body.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "call_1", resp.ID)
	assert.Equal(t, "rainy", resp.Response["output"])
}

func TestOpenAIToVendorRestoresClaudeToolThinking(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindToolThinking, "call_1",
		`{"signature":"`+sig("tt")+`","thinking":"checking the forecast"}`)

	req := &OpenAIRequest{
		Model: "claude-sonnet-4-5",
		Messages: []OpenAIMessage{
			{Role: "assistant", ToolCalls: []OpenAIToolCall{{
				ID: "call_1", Type: "function",
				Function: OpenAIFunctionCall{Name: "get_weather", Arguments: `{}`},
			}}},
		},
	}

	body := OpenAIToVendor(ctx, caches, req)
	parts := body.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "checking the forecast", parts[0].Text)
	assert.Equal(t, sig("tt"), parts[0].ThoughtSignature)
	require.NotNil(t, parts[1].FunctionCall)
}

func TestOpenAIToVendorGeminiSignatureRidesToolCall(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindOpenAITool, "call_2", sig("gs"))

	req := &OpenAIRequest{
		Model: "gemini-3-pro-low",
		Messages: []OpenAIMessage{
			{Role: "assistant", ToolCalls: []OpenAIToolCall{{
				ID: "call_2", Type: "function",
				Function: OpenAIFunctionCall{Name: "get_time", Arguments: `{}`},
			}}},
		},
	}

	body := OpenAIToVendor(ctx, caches, req)
	part := body.Contents[0].Parts[0]
	assert.Equal(t, sig("gs"), part.ThoughtSignature)
	assert.Empty(t, part.FunctionCall.ID)
}

func TestOpenAIToVendorDataURLBecomesInlineData(t *testing.T) {
	req := &OpenAIRequest{
		Model: "gemini-3-pro-low",
		Messages: []OpenAIMessage{{
			Role: "user",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "what is this?"},
				map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{
					"url": "data:image/png;base64,aGVsbG8=",
				}},
			},
		}},
	}

	body := OpenAIToVendor(context.Background(), newTestCaches(), req)
	parts := body.Contents[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, "aGVsbG8=", parts[1].InlineData.Data)
}

func TestOpenAIToVendorMaxCompletionTokensWins(t *testing.T) {
	req := &OpenAIRequest{
		Model:               "gemini-3-flash",
		MaxTokens:           100,
		MaxCompletionTokens: 900,
		Messages:            []OpenAIMessage{{Role: "user", Content: "hi"}},
	}

	body := OpenAIToVendor(context.Background(), newTestCaches(), req)
	assert.Equal(t, 900, body.GenerationConfig.MaxOutputTokens)
}

func TestOpenAIToVendorStopStringAndArray(t *testing.T) {
	req := &OpenAIRequest{
		Model:    "gemini-3-flash",
		Stop:     "END",
		Messages: []OpenAIMessage{{Role: "user", Content: "hi"}},
	}
	body := OpenAIToVendor(context.Background(), newTestCaches(), req)
	assert.Equal(t, []string{"END"}, body.GenerationConfig.StopSequences)

	req.Stop = []interface{}{"a", "b"}
	body = OpenAIToVendor(context.Background(), newTestCaches(), req)
	assert.Equal(t, []string{"a", "b"}, body.GenerationConfig.StopSequences)
}

func TestOpenAIToVendorToolChoiceMapping(t *testing.T) {
	base := func(choice interface{}) *OpenAIRequest {
		return &OpenAIRequest{
			Model: "gemini-3-flash",
			Tools: []OpenAITool{{Type: "function", Function: OpenAIFunction{
				Name: "t", Parameters: []byte(`{"type":"object"}`),
			}}},
			ToolChoice: choice,
			Messages:   []OpenAIMessage{{Role: "user", Content: "hi"}},
		}
	}

	body := OpenAIToVendor(context.Background(), newTestCaches(), base("required"))
	assert.Equal(t, "ANY", body.ToolConfig.FunctionCallingConfig.Mode)

	body = OpenAIToVendor(context.Background(), newTestCaches(), base(map[string]interface{}{"type": "function"}))
	assert.Equal(t, "ANY", body.ToolConfig.FunctionCallingConfig.Mode)

	body = OpenAIToVendor(context.Background(), newTestCaches(), base(nil))
	assert.Nil(t, body.ToolConfig)
}

func TestOpenAIToVendorThinkingModelGetsBudget(t *testing.T) {
	req := &OpenAIRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Messages: []OpenAIMessage{{Role: "user", Content: "hi"}},
	}

	body := OpenAIToVendor(context.Background(), newTestCaches(), req)
	tc := body.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.True(t, tc.IncludeThoughts)
	assert.Greater(t, tc.ThinkingBudget, 0)
}
