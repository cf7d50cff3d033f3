package translate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/sigcache"
	"github.com/openfold/gravity-gateway/internal/store"
)

func newTestCaches() *sigcache.Caches {
	return sigcache.New(&config.Config{
		SignatureCacheSize:  1000,
		SignatureTTLMemory:  10 * time.Minute,
		SignatureTTLPersist: 24 * time.Hour,
	}, store.NewMemory(), nil)
}

func sig(tag string) string {
	return tag + strings.Repeat("s", 64)
}

func assistantToolTurn(toolUseID string, leading ...AnthropicBlock) AnthropicMessage {
	content := append([]AnthropicBlock{}, leading...)
	content = append(content,
		AnthropicBlock{Type: "text", Text: "calling a tool"},
		AnthropicBlock{Type: "tool_use", ID: toolUseID, Name: "get_weather", Input: []byte(`{"city":"Oslo"}`)},
	)
	return AnthropicMessage{Role: "assistant", Content: content}
}

func TestRepairRecoversFromToolUseID(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindPerToolUse, "toolu_1", sig("tool"))

	req := &AnthropicRequest{
		Model: "claude-sonnet-4-5-thinking",
		Messages: []AnthropicMessage{
			{Role: "user", Content: []AnthropicBlock{{Type: "text", Text: "weather?"}}},
			assistantToolTurn("toolu_1"),
		},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.False(t, outcome.Downgraded)
	assert.Equal(t, 1, outcome.Recovered)

	first := req.Messages[1].Content[0]
	assert.Equal(t, "redacted_thinking", first.Type)
	assert.Equal(t, sig("tool"), first.Data)
}

func TestRepairFallsBackToLastPerUser(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindLastPerUser, "user-7", sig("user"))

	req := &AnthropicRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Metadata: &AnthropicMetadata{UserID: "user-7"},
		Messages: []AnthropicMessage{assistantToolTurn("toolu_unknown")},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.Equal(t, 1, outcome.Recovered)
	assert.Equal(t, sig("user"), req.Messages[0].Content[0].Data)
}

func TestRepairFallsBackToContentHash(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()

	msg := assistantToolTurn("toolu_x")
	key := ContentHashKey(config.DefaultUserKey, msg.Content)
	require.NotEmpty(t, key)
	caches.Put(ctx, sigcache.KindAssistant, key, sig("hash"))

	req := &AnthropicRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Messages: []AnthropicMessage{msg},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.Equal(t, 1, outcome.Recovered)
	assert.Equal(t, sig("hash"), req.Messages[0].Content[0].Data)
}

func TestRepairKeepsExistingThinkingTextWhenPatching(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindPerToolUse, "toolu_1", sig("tool"))

	req := &AnthropicRequest{
		Model: "claude-sonnet-4-5-thinking",
		Messages: []AnthropicMessage{
			assistantToolTurn("toolu_1", AnthropicBlock{Type: "thinking", Thinking: "original reasoning"}),
		},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.Equal(t, 1, outcome.Recovered)

	first := req.Messages[0].Content[0]
	assert.Equal(t, "thinking", first.Type)
	assert.Equal(t, "original reasoning", first.Thinking)
	assert.Equal(t, sig("tool"), first.Signature)
}

func TestRepairDowngradesWhenUnrecoverable(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()

	req := &AnthropicRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Thinking: &AnthropicThinking{Type: "enabled", BudgetTokens: 4096},
		Messages: []AnthropicMessage{
			assistantToolTurn("toolu_gone", AnthropicBlock{Type: "thinking", Thinking: "stale"}),
		},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.True(t, outcome.Downgraded)
	assert.Equal(t, []string{"toolu_gone"}, outcome.MissingToolUse)
	assert.Equal(t, "disabled", req.Thinking.Type)

	for _, b := range req.Messages[0].Content {
		assert.NotEqual(t, "thinking", b.Type)
		assert.NotEqual(t, "redacted_thinking", b.Type)
	}
}

func TestRepairLeavesSignedLeadingBlockAlone(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()

	signed := AnthropicBlock{Type: "thinking", Thinking: "reasoning", Signature: sig("ok")}
	req := &AnthropicRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Messages: []AnthropicMessage{assistantToolTurn("toolu_1", signed)},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.Zero(t, outcome.Recovered)
	assert.False(t, outcome.Downgraded)
	assert.Equal(t, sig("ok"), req.Messages[0].Content[0].Signature)
}

func TestRepairDropsUnsignedThinkingWithoutToolUse(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()

	req := &AnthropicRequest{
		Model: "claude-sonnet-4-5-thinking",
		Messages: []AnthropicMessage{{
			Role: "assistant",
			Content: []AnthropicBlock{
				{Type: "thinking", Thinking: "unsigned"},
				{Type: "text", Text: "hello"},
			},
		}},
	}

	outcome := RepairThinkingSignatures(ctx, caches, req)
	assert.False(t, outcome.Downgraded)
	require.Len(t, req.Messages[0].Content, 1)
	assert.Equal(t, "text", req.Messages[0].Content[0].Type)
}

func TestContentHashKeyIgnoresThinkingBlocks(t *testing.T) {
	withThinking := []AnthropicBlock{
		{Type: "thinking", Thinking: "reasoning", Signature: sig("a")},
		{Type: "text", Text: "answer"},
	}
	without := []AnthropicBlock{{Type: "text", Text: "answer"}}

	assert.Equal(t, ContentHashKey("u", without), ContentHashKey("u", withThinking))
	assert.NotEqual(t, ContentHashKey("u", without), ContentHashKey("v", without))
}

func TestCaptureSignaturesRecordsToolAndUserKinds(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()

	parts := []Part{
		{Text: "thinking", Thought: true, ThoughtSignature: sig("p")},
		{FunctionCall: &FunctionCall{ID: "toolu_9", Name: "get_weather"}, ThoughtSignature: sig("p")},
	}
	last := CaptureSignatures(ctx, caches, parts, "user-1")
	assert.Equal(t, sig("p"), last)

	got, ok := caches.Get(ctx, sigcache.KindPerToolUse, "toolu_9")
	require.True(t, ok)
	assert.Equal(t, sig("p"), got)

	got, ok = caches.Get(ctx, sigcache.KindLastPerUser, "user-1")
	require.True(t, ok)
	assert.Equal(t, sig("p"), got)
}

func TestCaptureSignaturesReusesPreviousForUnsignedToolTurn(t *testing.T) {
	ctx := context.Background()
	caches := newTestCaches()
	caches.Put(ctx, sigcache.KindLastPerUser, "user-1", sig("prev"))

	parts := []Part{{FunctionCall: &FunctionCall{ID: "toolu_new", Name: "get_time"}}}
	last := CaptureSignatures(ctx, caches, parts, "user-1")
	assert.Equal(t, sig("prev"), last)

	got, ok := caches.Get(ctx, sigcache.KindPerToolUse, "toolu_new")
	require.True(t, ok)
	assert.Equal(t, sig("prev"), got)
}
