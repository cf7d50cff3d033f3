package translate

import (
	"context"
	"encoding/json"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/sigcache"
)

// VendorToAnthropic assembles a unary messages response from the vendor
// payload, capturing signatures along the way.
func VendorToAnthropic(ctx context.Context, caches *sigcache.Caches, resp *GenerateContentResponse, requestedModel, userKey string) *AnthropicResponse {
	parts := FirstCandidateParts(resp)
	lastSig := CaptureSignatures(ctx, caches, parts, userKey)

	blocks := partsToAnthropicBlocks(parts, lastSig)

	finish := ""
	if len(resp.Candidates) > 0 {
		finish = resp.Candidates[0].FinishReason
	}

	out := &AnthropicResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      requestedModel,
		StopReason: anthropicStopReason(finish, blocks),
	}
	if resp.UsageMetadata != nil {
		out.Usage = &AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount,
		}
	}

	// File the content hash so a replay with thinking stripped still recovers
	// the signature.
	if lastSig != "" {
		if key := ContentHashKey(userKey, blocks); key != "" {
			caches.Put(ctx, sigcache.KindAssistant, key, lastSig)
		}
	}
	return out
}

// partsToAnthropicBlocks orders blocks thinking-first. A signature with no
// thinking text becomes redacted_thinking; thinking text is never fabricated.
func partsToAnthropicBlocks(parts []Part, fallbackSig string) []AnthropicBlock {
	thinking := make([]AnthropicBlock, 0, 1)
	rest := make([]AnthropicBlock, 0, len(parts))
	sawToolUse := false

	for _, p := range parts {
		switch {
		case p.Thought:
			sig := p.ThoughtSignature
			if sig == "" {
				sig = fallbackSig
			}
			if p.Text != "" {
				thinking = append(thinking, AnthropicBlock{Type: "thinking", Thinking: p.Text, Signature: sig})
			} else if len(sig) >= config.MinSignatureLength {
				thinking = append(thinking, AnthropicBlock{Type: "redacted_thinking", Data: sig})
			}
		case p.FunctionCall != nil:
			sawToolUse = true
			id := p.FunctionCall.ID
			if id == "" {
				id = NewToolUseID()
			}
			input, _ := json.Marshal(p.FunctionCall.Args)
			rest = append(rest, AnthropicBlock{Type: "tool_use", ID: id, Name: p.FunctionCall.Name, Input: input})
		case p.InlineData != nil:
			rest = append(rest, AnthropicBlock{Type: "image", Source: &AnthropicSource{
				Type:      "base64",
				MediaType: p.InlineData.MimeType,
				Data:      p.InlineData.Data,
			}})
		case p.Text != "":
			rest = append(rest, AnthropicBlock{Type: "text", Text: p.Text})
		}
	}

	// A tool-use turn must lead with a signed thinking block when one exists.
	if sawToolUse && len(thinking) == 0 && len(fallbackSig) >= config.MinSignatureLength {
		thinking = append(thinking, AnthropicBlock{Type: "redacted_thinking", Data: fallbackSig})
	}
	return append(thinking, rest...)
}

func anthropicStopReason(finish string, blocks []AnthropicBlock) string {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return "tool_use"
		}
	}
	if finish == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}
