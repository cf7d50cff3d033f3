package translate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/sigcache"
)

// Thinking output styles for OpenAI-surface responses.
const (
	ThinkingOutputReasoning = "reasoning_content"
	ThinkingOutputTags      = "tags"
	ThinkingOutputBoth      = "both"
)

// VendorToOpenAI assembles a unary chat-completions response.
func VendorToOpenAI(ctx context.Context, caches *sigcache.Caches, resp *GenerateContentResponse, requestedModel, thinkingOutput string) *OpenAIResponse {
	isClaude := config.GetModelFamily(config.EffectiveModel(requestedModel)) == config.ModelFamilyClaude
	parts := FirstCandidateParts(resp)

	var content, reasoning strings.Builder
	var toolCalls []OpenAIToolCall
	lastSig := ""

	for _, p := range parts {
		if len(p.ThoughtSignature) >= config.MinSignatureLength {
			lastSig = p.ThoughtSignature
		}
		switch {
		case p.Thought:
			reasoning.WriteString(p.Text)
		case p.FunctionCall != nil:
			toolCalls = append(toolCalls, vendorCallToOpenAI(ctx, caches, p, lastSig, reasoning.String(), isClaude, len(toolCalls)))
		case p.Text != "":
			content.WriteString(p.Text)
		}
	}

	finish := ""
	if len(resp.Candidates) > 0 {
		finish = resp.Candidates[0].FinishReason
	}

	msg := OpenAIResponseMessage{Role: "assistant", Content: content.String(), ToolCalls: toolCalls}
	if reasoning.Len() > 0 {
		switch thinkingOutput {
		case ThinkingOutputTags:
			msg.Content = "<think>" + reasoning.String() + "</think>" + msg.Content
		case ThinkingOutputBoth:
			msg.ReasoningContent = reasoning.String()
			msg.Content = "<think>" + reasoning.String() + "</think>" + msg.Content
		default:
			msg.ReasoningContent = reasoning.String()
		}
	}

	out := &OpenAIResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   requestedModel,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: openaiFinishReason(finish, len(toolCalls) > 0),
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = openaiUsage(resp.UsageMetadata)
	}
	return out
}

func vendorCallToOpenAI(ctx context.Context, caches *sigcache.Caches, p Part, lastSig, thoughtText string, isClaude bool, index int) OpenAIToolCall {
	id := p.FunctionCall.ID
	if id == "" {
		id = "call_" + randomHex(24)
	}
	sig := p.ThoughtSignature
	if sig == "" {
		sig = lastSig
	}
	if len(sig) >= config.MinSignatureLength {
		if isClaude {
			raw, _ := json.Marshal(toolThinking{Signature: sig, Thinking: thoughtText})
			caches.Put(ctx, sigcache.KindToolThinking, id, string(raw))
		} else {
			caches.Put(ctx, sigcache.KindOpenAITool, id, sig)
		}
	}
	args, _ := json.Marshal(p.FunctionCall.Args)
	return OpenAIToolCall{
		ID:   id,
		Type: "function",
		Function: OpenAIFunctionCall{
			Name:      p.FunctionCall.Name,
			Arguments: string(args),
		},
	}
}

func openaiFinishReason(finish string, toolCalls bool) string {
	if toolCalls {
		return "tool_calls"
	}
	if finish == "MAX_TOKENS" {
		return "length"
	}
	return "stop"
}

func openaiUsage(um *UsageMetadata) *OpenAIUsage {
	u := &OpenAIUsage{
		PromptTokens:     um.PromptTokenCount,
		CompletionTokens: um.CandidatesTokenCount + um.ThoughtsTokenCount,
		TotalTokens:      um.TotalTokenCount,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if um.ThoughtsTokenCount > 0 {
		u.CompletionTokensDetails = &OpenAICompletionDetails{ReasoningTokens: um.ThoughtsTokenCount}
	}
	return u
}

// OpenAIStream converts vendor chunks into chat.completion.chunk frames.
// <think> tags open on the first thought delta and close on the first
// non-thought delta when the tags style is selected.
type OpenAIStream struct {
	ctx          context.Context
	caches       *sigcache.Caches
	id           string
	model        string
	created      int64
	style        string
	isClaude     bool
	includeUsage bool

	started    bool
	thinkOpen  bool
	sawTool    bool
	sawContent bool

	finishReason string
	usage        *OpenAIUsage
	lastSig      string
	thoughtBuf   strings.Builder
}

// NewOpenAIStream creates the per-request chunk translator.
func NewOpenAIStream(ctx context.Context, caches *sigcache.Caches, requestedModel, thinkingOutput string, includeUsage bool) *OpenAIStream {
	return &OpenAIStream{
		ctx:          ctx,
		caches:       caches,
		id:           NewCompletionID(),
		model:        requestedModel,
		created:      time.Now().Unix(),
		style:        thinkingOutput,
		isClaude:     config.GetModelFamily(config.EffectiveModel(requestedModel)) == config.ModelFamilyClaude,
		includeUsage: includeUsage,
	}
}

func (s *OpenAIStream) chunk(delta OpenAIDelta, finish *string) OpenAIChunk {
	return OpenAIChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []OpenAIStreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (s *OpenAIStream) roleChunk(chunks []OpenAIChunk) []OpenAIChunk {
	if s.started {
		return chunks
	}
	s.started = true
	return append(chunks, s.chunk(OpenAIDelta{Role: "assistant"}, nil))
}

// tagsEnabled reports whether thought text is wrapped in <think> tags.
func (s *OpenAIStream) tagsEnabled() bool {
	return s.style == ThinkingOutputTags || s.style == ThinkingOutputBoth
}

func (s *OpenAIStream) reasoningEnabled() bool {
	return s.style != ThinkingOutputTags
}

func (s *OpenAIStream) closeThink(chunks []OpenAIChunk) []OpenAIChunk {
	if !s.thinkOpen {
		return chunks
	}
	s.thinkOpen = false
	return append(chunks, s.chunk(OpenAIDelta{Content: "</think>"}, nil))
}

// OnChunk translates one vendor payload.
func (s *OpenAIStream) OnChunk(resp *GenerateContentResponse) []OpenAIChunk {
	var chunks []OpenAIChunk
	if resp == nil {
		return chunks
	}
	if resp.UsageMetadata != nil {
		s.usage = openaiUsage(resp.UsageMetadata)
	}
	if len(resp.Candidates) == 0 {
		return chunks
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		s.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return chunks
	}

	for _, p := range cand.Content.Parts {
		if len(p.ThoughtSignature) >= config.MinSignatureLength {
			s.lastSig = p.ThoughtSignature
		}
		switch {
		case p.Thought:
			chunks = s.roleChunk(chunks)
			s.sawContent = true
			s.thoughtBuf.WriteString(p.Text)
			delta := OpenAIDelta{}
			if s.reasoningEnabled() {
				delta.ReasoningContent = p.Text
			}
			if s.tagsEnabled() {
				text := p.Text
				if !s.thinkOpen {
					s.thinkOpen = true
					text = "<think>" + text
				}
				delta.Content = text
			}
			if delta.ReasoningContent != "" || delta.Content != "" {
				chunks = append(chunks, s.chunk(delta, nil))
			}
		case p.FunctionCall != nil:
			chunks = s.roleChunk(chunks)
			chunks = s.closeThink(chunks)
			s.sawContent = true
			s.sawTool = true
			call := vendorCallToOpenAI(s.ctx, s.caches, p, s.lastSig, s.thoughtBuf.String(), s.isClaude, 0)
			call.Index = intp(0)
			chunks = append(chunks, s.chunk(OpenAIDelta{ToolCalls: []OpenAIToolCall{call}}, nil))
		case p.Text != "":
			chunks = s.roleChunk(chunks)
			chunks = s.closeThink(chunks)
			s.sawContent = true
			chunks = append(chunks, s.chunk(OpenAIDelta{Content: p.Text}, nil))
		}
	}
	return chunks
}

// Finish emits the terminal finish chunk and the optional usage chunk. The
// caller writes the [DONE] sentinel.
func (s *OpenAIStream) Finish() []OpenAIChunk {
	var chunks []OpenAIChunk
	chunks = s.roleChunk(chunks)
	chunks = s.closeThink(chunks)

	finish := openaiFinishReason(s.finishReason, s.sawTool)
	chunks = append(chunks, s.chunk(OpenAIDelta{}, &finish))

	if s.includeUsage {
		usage := s.usage
		if usage == nil {
			usage = &OpenAIUsage{}
		}
		chunks = append(chunks, OpenAIChunk{
			ID:      s.id,
			Object:  "chat.completion.chunk",
			Created: s.created,
			Model:   s.model,
			Choices: []OpenAIStreamChoice{},
			Usage:   usage,
		})
	}
	return chunks
}

// Usage exposes the last usage seen, for request logging.
func (s *OpenAIStream) Usage() *OpenAIUsage {
	return s.usage
}

// SawContent reports whether any visible delta was emitted.
func (s *OpenAIStream) SawContent() bool {
	return s.sawContent
}
