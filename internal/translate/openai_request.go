package translate

import (
	"context"
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/sigcache"
)

// toolThinking is the value stored under the claude-tool-thinking kind:
// the signature together with the thought text that produced the call.
type toolThinking struct {
	Signature string `json:"signature"`
	Thinking  string `json:"thinking,omitempty"`
}

// OpenAIToVendor translates a chat-completions request into the vendor body.
// Thinking blocks stripped by OpenAI clients are restored from the tool-call
// signature caches.
func OpenAIToVendor(ctx context.Context, caches *sigcache.Caches, req *OpenAIRequest) *VendorBody {
	effective := config.EffectiveModel(req.Model)
	family := config.GetModelFamily(effective)
	isClaude := family == config.ModelFamilyClaude
	thinking := config.IsThinkingModel(effective)

	body := &VendorBody{Contents: make([]Content, 0, len(req.Messages))}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if text := msg.ContentText(); text != "" {
				systemParts = append(systemParts, text)
			}
		case "assistant":
			parts := openaiAssistantParts(ctx, caches, msg, isClaude)
			if len(parts) == 0 {
				parts = []Part{{Text: "."}}
			}
			body.Contents = append(body.Contents, Content{Role: "model", Parts: parts})
		case "tool":
			body.Contents = append(body.Contents, Content{Role: "user", Parts: []Part{openaiToolMessagePart(msg, isClaude)}})
		default:
			parts := openaiUserParts(msg)
			if len(parts) == 0 {
				parts = []Part{{Text: "."}}
			}
			body.Contents = append(body.Contents, Content{Role: "user", Parts: parts})
		}
	}
	if len(systemParts) > 0 {
		body.SystemInstruction = &Content{Role: "user", Parts: []Part{{Text: strings.Join(systemParts, "\n\n")}}}
	}

	body.GenerationConfig = openaiGenerationConfig(req, isClaude, thinking)

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for i, tool := range req.Tools {
			var schema map[string]interface{}
			if len(tool.Function.Parameters) > 0 {
				if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
					log.Warnf("[Translate] Bad parameters for tool %s: %v", tool.Function.Name, err)
					schema = nil
				}
			}
			decls = append(decls, FunctionDeclaration{
				Name:        CleanToolName(tool.Function.Name, i),
				Description: tool.Function.Description,
				Parameters:  SanitizeSchema(schema, !isClaude),
			})
		}
		body.Tools = []Tool{{FunctionDeclarations: decls}}
		body.ToolConfig = openaiToolConfig(req.ToolChoice)
	}

	return body
}

func openaiUserParts(msg OpenAIMessage) []Part {
	switch c := msg.Content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []Part{{Text: c}}
	case []interface{}:
		parts := make([]Part, 0, len(c))
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok && text != "" {
					parts = append(parts, Part{Text: text})
				}
			case "image_url":
				if img, ok := m["image_url"].(map[string]interface{}); ok {
					if url, ok := img["url"].(string); ok && url != "" {
						parts = append(parts, imageURLToPart(url))
					}
				}
			}
		}
		return parts
	default:
		return nil
	}
}

// imageURLToPart decodes data URLs to inlineData and keeps real URLs as
// fileData.
func imageURLToPart(url string) Part {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if semi := strings.Index(rest, ";base64,"); semi > 0 {
			return Part{InlineData: &InlineData{MimeType: rest[:semi], Data: rest[semi+len(";base64,"):]}}
		}
	}
	return Part{FileData: &FileData{MimeType: "image/jpeg", FileURI: url}}
}

func openaiAssistantParts(ctx context.Context, caches *sigcache.Caches, msg OpenAIMessage, isClaude bool) []Part {
	parts := make([]Part, 0, 2)

	// Restore the thinking part for Claude tool calls; the OpenAI protocol
	// has nowhere to carry it so it lives in the cache.
	if isClaude {
		for _, call := range msg.ToolCalls {
			if call.ID == "" {
				continue
			}
			if raw, ok := caches.Get(ctx, sigcache.KindToolThinking, call.ID); ok {
				var tt toolThinking
				if err := json.Unmarshal([]byte(raw), &tt); err == nil && len(tt.Signature) >= config.MinSignatureLength {
					parts = append(parts, Part{Text: tt.Thinking, Thought: true, ThoughtSignature: tt.Signature})
					break
				}
			}
		}
	}

	if text := msg.ContentText(); text != "" {
		parts = append(parts, Part{Text: text})
	}

	for _, call := range msg.ToolCalls {
		args := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				log.Warnf("[Translate] Bad tool_call arguments for %s: %v", call.Function.Name, err)
			}
		}
		fc := &FunctionCall{Name: call.Function.Name, Args: args}
		p := Part{}
		if isClaude {
			fc.ID = call.ID
		} else if call.ID != "" {
			if sig, ok := caches.Get(ctx, sigcache.KindOpenAITool, call.ID); ok {
				p.ThoughtSignature = sig
			}
		}
		p.FunctionCall = fc
		parts = append(parts, p)
	}
	return parts
}

func openaiToolMessagePart(msg OpenAIMessage, isClaude bool) Part {
	name := msg.ToolCallID
	if name == "" {
		name = "unknown"
	}
	resp := &FunctionResponse{
		Name:     name,
		Response: map[string]interface{}{"output": msg.ContentText()},
	}
	if isClaude && msg.ToolCallID != "" {
		resp.ID = msg.ToolCallID
	}
	return Part{FunctionResponse: resp}
}

func openaiGenerationConfig(req *OpenAIRequest, isClaude, thinking bool) *GenerationConfig {
	gc := &GenerationConfig{CandidateCount: 1}

	temp := config.DefaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	gc.Temperature = &temp

	if !isClaude {
		gc.TopP = req.TopP
	}

	gc.MaxOutputTokens = req.EffectiveMaxTokens()
	if gc.MaxOutputTokens <= 0 {
		gc.MaxOutputTokens = config.DefaultMaxOutputTokens
	}
	gc.StopSequences = req.StopSequences()

	if thinking {
		budget := config.DefaultThinkingBudget
		if isClaude && gc.MaxOutputTokens <= budget {
			gc.MaxOutputTokens = 2 * budget
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	} else if isClaude {
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: false, ThinkingBudget: 0}
	}
	return gc
}

func openaiToolConfig(choice interface{}) *ToolConfig {
	mode := ""
	switch c := choice.(type) {
	case string:
		switch c {
		case "auto":
			mode = "AUTO"
		case "none":
			mode = "NONE"
		case "required":
			mode = "ANY"
		}
	case map[string]interface{}:
		if c["type"] == "function" {
			mode = "ANY"
		}
	}
	if mode == "" {
		return nil
	}
	return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: mode}}
}
