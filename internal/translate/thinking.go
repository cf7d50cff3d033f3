package translate

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/logging"
	"github.com/openfold/gravity-gateway/internal/sigcache"
)

// Claude requires every assistant message carrying tool_use to begin with a
// signed thinking or redacted_thinking block. Clients routinely strip these
// on replay; this file reconstructs them from the signature caches, or
// disables thinking for the whole request when reconstruction fails.

func isThinkingBlock(b AnthropicBlock) bool {
	return b.Type == "thinking" || b.Type == "redacted_thinking"
}

func signedBlock(b AnthropicBlock) bool {
	if b.Type == "thinking" {
		return len(b.Signature) >= config.MinSignatureLength
	}
	if b.Type == "redacted_thinking" {
		return len(b.Data) >= config.MinSignatureLength || len(b.Signature) >= config.MinSignatureLength
	}
	return false
}

func hasSignedThinking(blocks []AnthropicBlock) bool {
	for _, b := range blocks {
		if signedBlock(b) {
			return true
		}
	}
	return false
}

func hasToolUse(blocks []AnthropicBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// ContentHashKey computes the stable cache key for the assistant-signature
// kind: the user key plus a canonical hash of the message content with
// thinking blocks removed.
func ContentHashKey(userKey string, blocks []AnthropicBlock) string {
	stripped := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		if isThinkingBlock(b) {
			continue
		}
		stripped = append(stripped, b)
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return ""
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return ""
	}
	return userKey + "|" + sigcache.ContentHash(decoded)
}

// RepairOutcome reports what the signature pass did to the request.
type RepairOutcome struct {
	Downgraded     bool
	Recovered      int
	MissingToolUse []string
}

// RepairThinkingSignatures enforces the leading-thinking invariant on every
// assistant message that carries tool_use, recovering signatures from the
// caches in order: the message's own tool_use id, the user's last signature,
// the content hash. When any message stays unrecoverable the whole request
// is downgraded: thinking blocks removed and thinking disabled.
func RepairThinkingSignatures(ctx context.Context, caches *sigcache.Caches, req *AnthropicRequest) RepairOutcome {
	userKey := req.UserKey()
	if userKey == "" {
		userKey = config.DefaultUserKey
	}

	var outcome RepairOutcome
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != "assistant" {
			continue
		}
		if !hasToolUse(msg.Content) {
			// No invariant to uphold; just drop unsigned thinking blocks.
			msg.Content = stripUnsignedThinking(msg.Content)
			continue
		}
		if hasSignedThinking(msg.Content) {
			// Reordering will move the signed block to the lead.
			continue
		}

		sig, found := recoverSignature(ctx, caches, msg.Content, userKey)
		if found {
			msg.Content = patchLeadingSignature(msg.Content, sig)
			outcome.Recovered++
			continue
		}
		for _, b := range msg.Content {
			if b.Type == "tool_use" {
				outcome.MissingToolUse = append(outcome.MissingToolUse, b.ID)
			}
		}
	}

	if len(outcome.MissingToolUse) > 0 {
		outcome.Downgraded = true
		for i := range req.Messages {
			req.Messages[i].Content = stripAllThinking(req.Messages[i].Content)
		}
		req.Thinking = &AnthropicThinking{Type: "disabled"}
		logging.Warning("thinking_downgrade", log.Fields{
			"model":             req.Model,
			"missing_tool_uses": outcome.MissingToolUse,
		})
	}
	return outcome
}

func recoverSignature(ctx context.Context, caches *sigcache.Caches, blocks []AnthropicBlock, userKey string) (string, bool) {
	for _, b := range blocks {
		if b.Type != "tool_use" || b.ID == "" {
			continue
		}
		if sig, ok := caches.Get(ctx, sigcache.KindPerToolUse, b.ID); ok {
			return sig, true
		}
	}
	if sig, ok := caches.Get(ctx, sigcache.KindLastPerUser, userKey); ok {
		return sig, true
	}
	if key := ContentHashKey(userKey, blocks); key != "" {
		if sig, ok := caches.Get(ctx, sigcache.KindAssistant, key); ok {
			return sig, true
		}
	}
	return "", false
}

// patchLeadingSignature makes the first block a signed one. An existing
// unsigned thinking block keeps its text; otherwise a redacted_thinking block
// is inserted so no thinking text is ever fabricated.
func patchLeadingSignature(blocks []AnthropicBlock, sig string) []AnthropicBlock {
	if len(blocks) > 0 && blocks[0].Type == "thinking" && blocks[0].Thinking != "" {
		blocks[0].Signature = sig
		return blocks
	}
	if len(blocks) > 0 && blocks[0].Type == "redacted_thinking" {
		blocks[0].Data = sig
		blocks[0].Signature = sig
		return blocks
	}
	patched := make([]AnthropicBlock, 0, len(blocks)+1)
	patched = append(patched, AnthropicBlock{Type: "redacted_thinking", Data: sig, Signature: sig})
	patched = append(patched, blocks...)
	return patched
}

func stripUnsignedThinking(blocks []AnthropicBlock) []AnthropicBlock {
	out := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		if isThinkingBlock(b) && !signedBlock(b) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func stripAllThinking(blocks []AnthropicBlock) []AnthropicBlock {
	out := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		if isThinkingBlock(b) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// CaptureSignatures records every signature found on the response parts into
// the per-tool-use and per-user caches. Returns the last signature seen so
// the caller can also file it under the content-hash kind.
func CaptureSignatures(ctx context.Context, caches *sigcache.Caches, parts []Part, userKey string) string {
	if userKey == "" {
		userKey = config.DefaultUserKey
	}
	last := ""
	for _, p := range parts {
		if len(p.ThoughtSignature) < config.MinSignatureLength {
			continue
		}
		last = p.ThoughtSignature
		if p.FunctionCall != nil && p.FunctionCall.ID != "" {
			caches.Put(ctx, sigcache.KindPerToolUse, p.FunctionCall.ID, p.ThoughtSignature)
		}
	}
	if last != "" {
		caches.Put(ctx, sigcache.KindLastPerUser, userKey, last)
	} else {
		// A tool-call turn without a fresh signature reuses the previous one
		// so the next turn can still satisfy the leading-thinking invariant.
		if anyFunctionCall(parts) {
			if prev, ok := caches.Get(ctx, sigcache.KindLastPerUser, userKey); ok {
				for _, p := range parts {
					if p.FunctionCall != nil && p.FunctionCall.ID != "" {
						caches.Put(ctx, sigcache.KindPerToolUse, p.FunctionCall.ID, prev)
					}
				}
				last = prev
			}
		}
	}
	return last
}

func anyFunctionCall(parts []Part) bool {
	for _, p := range parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}
