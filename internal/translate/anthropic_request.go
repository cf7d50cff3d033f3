package translate

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/sigcache"
)

const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// AnthropicToVendor translates a messages request into the vendor body,
// running the thinking-signature repair pass first.
func AnthropicToVendor(ctx context.Context, caches *sigcache.Caches, req *AnthropicRequest) (*VendorBody, RepairOutcome) {
	effective := config.EffectiveModel(req.Model)
	family := config.GetModelFamily(effective)
	isClaude := family == config.ModelFamilyClaude
	thinking := req.ThinkingEnabled(config.IsThinkingModel(effective))

	var outcome RepairOutcome
	if isClaude && thinking {
		outcome = RepairThinkingSignatures(ctx, caches, req)
		if outcome.Downgraded {
			thinking = false
		}
	}

	body := &VendorBody{Contents: make([]Content, 0, len(req.Messages))}

	system := req.SystemText()
	if isClaude && thinking && len(req.Tools) > 0 {
		if system != "" {
			system += "\n\n" + interleavedThinkingHint
		} else {
			system = interleavedThinkingHint
		}
	}
	if system != "" {
		body.SystemInstruction = &Content{Role: "user", Parts: []Part{{Text: system}}}
	}

	for _, msg := range req.Messages {
		blocks := msg.Content
		if msg.Role == "assistant" {
			blocks = reorderAssistantBlocks(blocks)
		}
		parts := blocksToParts(blocks, isClaude)
		if len(parts) == 0 {
			// The vendor rejects content entries with no parts.
			parts = []Part{{Text: "."}}
		}
		body.Contents = append(body.Contents, Content{Role: vendorRole(msg.Role), Parts: parts})
	}

	body.GenerationConfig = anthropicGenerationConfig(req, isClaude, thinking)

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for i, tool := range req.Tools {
			decls = append(decls, anthropicToolToDeclaration(tool, i, isClaude))
		}
		body.Tools = []Tool{{FunctionDeclarations: decls}}
		body.ToolConfig = anthropicToolConfig(req.ToolChoice)
	}

	return body, outcome
}

func vendorRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// reorderAssistantBlocks places thinking first and tool_use last; the vendor
// requires function-call parts to close the message.
func reorderAssistantBlocks(blocks []AnthropicBlock) []AnthropicBlock {
	thinking := make([]AnthropicBlock, 0, len(blocks))
	middle := make([]AnthropicBlock, 0, len(blocks))
	toolUse := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch {
		case isThinkingBlock(b):
			thinking = append(thinking, b)
		case b.Type == "tool_use":
			toolUse = append(toolUse, b)
		default:
			middle = append(middle, b)
		}
	}
	out := make([]AnthropicBlock, 0, len(blocks))
	out = append(out, thinking...)
	out = append(out, middle...)
	out = append(out, toolUse...)
	return out
}

func blocksToParts(blocks []AnthropicBlock, isClaude bool) []Part {
	parts := make([]Part, 0, len(blocks))
	deferred := make([]Part, 0)

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Text: b.Text})
			}
		case "thinking":
			if len(b.Signature) >= config.MinSignatureLength {
				parts = append(parts, Part{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
			}
		case "redacted_thinking":
			sig := b.Data
			if sig == "" {
				sig = b.Signature
			}
			if len(sig) >= config.MinSignatureLength {
				parts = append(parts, Part{Thought: true, ThoughtSignature: sig})
			}
		case "image", "document":
			if p, ok := sourceToPart(b.Source); ok {
				parts = append(parts, p)
			}
		case "tool_use", "server_tool_use":
			call := &FunctionCall{Name: b.Name, Args: decodeArgs(b.Input)}
			if isClaude && b.ID != "" {
				call.ID = b.ID
			}
			p := Part{FunctionCall: call}
			if !isClaude {
				p.ThoughtSignature = b.ThoughtSignature
			}
			parts = append(parts, p)
		case "tool_result", "web_search_tool_result":
			p, images := toolResultToPart(b, isClaude)
			parts = append(parts, p)
			deferred = append(deferred, images...)
		}
	}
	return append(parts, deferred...)
}

func sourceToPart(src *AnthropicSource) (Part, bool) {
	if src == nil {
		return Part{}, false
	}
	switch src.Type {
	case "base64":
		return Part{InlineData: &InlineData{MimeType: src.MediaType, Data: src.Data}}, true
	case "url":
		mime := src.MediaType
		if mime == "" {
			mime = "image/jpeg"
		}
		return Part{FileData: &FileData{MimeType: mime, FileURI: src.URL}}, true
	default:
		return Part{}, false
	}
}

func decodeArgs(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		log.Warnf("[Translate] Failed to decode tool input: %v", err)
		return map[string]interface{}{}
	}
	return args
}

// toolResultToPart flattens a tool_result to a functionResponse. Embedded
// images cannot live inside the response object; they are deferred to the
// end of the parts array.
func toolResultToPart(b AnthropicBlock, isClaude bool) (Part, []Part) {
	text, images := flattenToolResultContent(b.Content)

	name := b.ToolUseID
	if name == "" {
		name = "unknown"
	}
	resp := &FunctionResponse{
		Name:     name,
		Response: map[string]interface{}{"output": text},
	}
	if isClaude && b.ToolUseID != "" {
		resp.ID = b.ToolUseID
	}
	return Part{FunctionResponse: resp}, images
}

func flattenToolResultContent(content interface{}) (string, []Part) {
	switch c := content.(type) {
	case string:
		return c, nil
	case []interface{}:
		text := ""
		var images []Part
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if t, ok := m["text"].(string); ok && t != "" {
					if text != "" {
						text += "\n"
					}
					text += t
				}
			case "image":
				if src, ok := m["source"].(map[string]interface{}); ok && src["type"] == "base64" {
					mime, _ := src["media_type"].(string)
					data, _ := src["data"].(string)
					images = append(images, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
				}
			}
		}
		if text == "" && len(images) > 0 {
			text = "Image attached"
		}
		return text, images
	default:
		return "", nil
	}
}

func anthropicGenerationConfig(req *AnthropicRequest, isClaude, thinking bool) *GenerationConfig {
	gc := &GenerationConfig{CandidateCount: 1}

	temp := config.DefaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	gc.Temperature = &temp

	if !isClaude {
		gc.TopP = req.TopP
		gc.TopK = req.TopK
	}

	gc.MaxOutputTokens = req.MaxTokens
	if gc.MaxOutputTokens <= 0 {
		gc.MaxOutputTokens = config.DefaultMaxOutputTokens
	}
	gc.StopSequences = req.StopSequences

	if thinking {
		budget := config.DefaultThinkingBudget
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		if isClaude && gc.MaxOutputTokens <= budget {
			gc.MaxOutputTokens = 2 * budget
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	} else if isClaude {
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: false, ThinkingBudget: 0}
	}
	return gc
}

func anthropicToolToDeclaration(tool AnthropicTool, index int, isClaude bool) FunctionDeclaration {
	var schema map[string]interface{}
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			log.Warnf("[Translate] Bad input_schema for tool %s: %v", tool.Name, err)
			schema = nil
		}
	}
	if schema == nil && IsReservedAnthropicTool(tool.Type) {
		schema = builtinToolSchema(tool.Type)
	}
	return FunctionDeclaration{
		Name:        CleanToolName(tool.Name, index),
		Description: tool.Description,
		Parameters:  SanitizeSchema(schema, !isClaude),
	}
}

func anthropicToolConfig(choice *AnthropicToolChoice) *ToolConfig {
	if choice == nil {
		return nil
	}
	mode := "AUTO"
	switch choice.Type {
	case "any", "tool":
		mode = "ANY"
	case "none":
		mode = "NONE"
	}
	return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: mode}}
}
