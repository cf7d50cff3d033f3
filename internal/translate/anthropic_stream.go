package translate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/sigcache"
)

// AnthropicStream converts vendor stream chunks into the Anthropic SSE event
// sequence: message_start, then content blocks framed by content_block_start,
// content_block_delta and content_block_stop, then message_delta and
// message_stop. Thinking opens at index 0, text follows, tool_use blocks
// close the message.
type AnthropicStream struct {
	ctx      context.Context
	caches   *sigcache.Caches
	model    string
	userKey  string
	thinking bool

	started    bool
	openIndex  int
	openType   string
	nextIndex  int
	sawContent bool

	finishReason string
	usage        *AnthropicUsage
	lastSig      string

	// Accumulated for the content-hash capture at stream end.
	textBuf   strings.Builder
	toolUses  []AnthropicBlock
	messageID string
}

// NewAnthropicStream creates the per-request state machine.
func NewAnthropicStream(ctx context.Context, caches *sigcache.Caches, requestedModel, userKey string, thinkingEnabled bool) *AnthropicStream {
	if userKey == "" {
		userKey = config.DefaultUserKey
	}
	return &AnthropicStream{
		ctx:       ctx,
		caches:    caches,
		model:     requestedModel,
		userKey:   userKey,
		thinking:  thinkingEnabled,
		openIndex: -1,
		messageID: NewMessageID(),
	}
}

func intp(i int) *int { return &i }

func (s *AnthropicStream) messageStart() AnthropicEvent {
	return AnthropicEvent{
		Type: "message_start",
		Message: &AnthropicResponse{
			ID:      s.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []AnthropicBlock{},
			Model:   s.model,
			Usage:   &AnthropicUsage{},
		},
	}
}

func (s *AnthropicStream) ensureStarted(events []AnthropicEvent) []AnthropicEvent {
	if s.started {
		return events
	}
	s.started = true
	return append(events, s.messageStart())
}

func (s *AnthropicStream) closeOpen(events []AnthropicEvent) []AnthropicEvent {
	if s.openIndex < 0 {
		return events
	}
	events = append(events, AnthropicEvent{Type: "content_block_stop", Index: intp(s.openIndex)})
	s.openIndex = -1
	s.openType = ""
	return events
}

func (s *AnthropicStream) open(events []AnthropicEvent, blockType string, block AnthropicBlock) []AnthropicEvent {
	events = s.closeOpen(events)
	block.Type = blockType
	events = append(events, AnthropicEvent{
		Type:         "content_block_start",
		Index:        intp(s.nextIndex),
		ContentBlock: &block,
	})
	s.openIndex = s.nextIndex
	s.openType = blockType
	s.nextIndex++
	return events
}

// OnChunk translates one vendor payload into zero or more events.
func (s *AnthropicStream) OnChunk(resp *GenerateContentResponse) []AnthropicEvent {
	var events []AnthropicEvent
	if resp == nil {
		return events
	}
	if resp.UsageMetadata != nil {
		s.usage = &AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount,
		}
	}
	if len(resp.Candidates) == 0 {
		return events
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		s.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return events
	}

	for _, p := range cand.Content.Parts {
		if len(p.ThoughtSignature) >= config.MinSignatureLength {
			s.lastSig = p.ThoughtSignature
			s.caches.Put(s.ctx, sigcache.KindLastPerUser, s.userKey, p.ThoughtSignature)
		}

		switch {
		case p.Thought:
			events = s.ensureStarted(events)
			s.sawContent = true
			if s.openType != "thinking" {
				events = s.open(events, "thinking", AnthropicBlock{Thinking: ""})
			}
			if p.Text != "" {
				events = append(events, AnthropicEvent{
					Type:  "content_block_delta",
					Index: intp(s.openIndex),
					Delta: &AnthropicDelta{Type: "thinking_delta", Thinking: p.Text},
				})
			}
			if len(p.ThoughtSignature) >= config.MinSignatureLength {
				events = append(events, AnthropicEvent{
					Type:  "content_block_delta",
					Index: intp(s.openIndex),
					Delta: &AnthropicDelta{Type: "signature_delta", Signature: p.ThoughtSignature},
				})
			}

		case p.FunctionCall != nil:
			events = s.ensureStarted(events)
			events = s.maybeEmitThinkingPlaceholder(events)
			s.sawContent = true
			id := p.FunctionCall.ID
			if id == "" {
				id = NewToolUseID()
			}
			if len(p.ThoughtSignature) >= config.MinSignatureLength {
				s.caches.Put(s.ctx, sigcache.KindPerToolUse, id, p.ThoughtSignature)
			} else if s.lastSig != "" {
				s.caches.Put(s.ctx, sigcache.KindPerToolUse, id, s.lastSig)
			}
			args, _ := json.Marshal(p.FunctionCall.Args)
			events = s.open(events, "tool_use", AnthropicBlock{ID: id, Name: p.FunctionCall.Name, Input: json.RawMessage("{}")})
			events = append(events, AnthropicEvent{
				Type:  "content_block_delta",
				Index: intp(s.openIndex),
				Delta: &AnthropicDelta{Type: "input_json_delta", PartialJSON: string(args)},
			})
			events = s.closeOpen(events)
			s.toolUses = append(s.toolUses, AnthropicBlock{Type: "tool_use", ID: id, Name: p.FunctionCall.Name, Input: args})

		case p.Text != "":
			events = s.ensureStarted(events)
			events = s.maybeEmitThinkingPlaceholder(events)
			s.sawContent = true
			if s.openType != "text" {
				events = s.open(events, "text", AnthropicBlock{Text: ""})
			}
			events = append(events, AnthropicEvent{
				Type:  "content_block_delta",
				Index: intp(s.openIndex),
				Delta: &AnthropicDelta{Type: "text_delta", Text: p.Text},
			})
			s.textBuf.WriteString(p.Text)
		}
	}
	return events
}

// maybeEmitThinkingPlaceholder opens and closes a redacted_thinking block at
// index 0 when thinking is enabled but the turn produced no thought parts
// before its first visible content. Requires a known signature; thinking is
// never fabricated.
func (s *AnthropicStream) maybeEmitThinkingPlaceholder(events []AnthropicEvent) []AnthropicEvent {
	if !s.thinking || s.nextIndex != 0 {
		return events
	}
	sig := s.lastSig
	if sig == "" {
		if cached, ok := s.caches.Get(s.ctx, sigcache.KindLastPerUser, s.userKey); ok {
			sig = cached
		}
	}
	if len(sig) < config.MinSignatureLength {
		return events
	}
	events = s.open(events, "redacted_thinking", AnthropicBlock{Data: sig})
	events = s.closeOpen(events)
	return events
}

// Finish closes the stream. It emits the terminal event pair, or synthesizes
// an error event when the upstream delivered nothing usable.
func (s *AnthropicStream) Finish() []AnthropicEvent {
	var events []AnthropicEvent

	if !s.sawContent {
		events = s.ensureStarted(events)
		events = append(events, AnthropicEvent{
			Type:  "error",
			Error: &AnthropicError{Type: "api_error", Message: "Upstream returned empty response (no candidates)"},
		})
		return events
	}

	events = s.closeOpen(events)

	if s.finishReason == "" {
		events = append(events, AnthropicEvent{
			Type:  "error",
			Error: &AnthropicError{Type: "incomplete_upstream_stream", Message: "Upstream closed the stream before completion"},
		})
		return events
	}

	usage := s.usage
	if usage == nil {
		usage = &AnthropicUsage{}
	}
	stop := "end_turn"
	if len(s.toolUses) > 0 {
		stop = "tool_use"
	} else if s.finishReason == "MAX_TOKENS" {
		stop = "max_tokens"
	}
	events = append(events, AnthropicEvent{
		Type:  "message_delta",
		Delta: &AnthropicDelta{Type: "message_delta", StopReason: stop},
		Usage: usage,
	})
	events = append(events, AnthropicEvent{Type: "message_stop"})

	// File the assembled content under the content-hash kind for replays
	// that strip thinking.
	if s.lastSig != "" {
		blocks := make([]AnthropicBlock, 0, 1+len(s.toolUses))
		if s.textBuf.Len() > 0 {
			blocks = append(blocks, AnthropicBlock{Type: "text", Text: s.textBuf.String()})
		}
		blocks = append(blocks, s.toolUses...)
		if key := ContentHashKey(s.userKey, blocks); key != "" {
			s.caches.Put(s.ctx, sigcache.KindAssistant, key, s.lastSig)
		}
	}
	return events
}

// Usage exposes the last usage seen, for request logging.
func (s *AnthropicStream) Usage() *AnthropicUsage {
	return s.usage
}

// SawContent reports whether any content block was emitted.
func (s *AnthropicStream) SawContent() bool {
	return s.sawContent
}
