package translate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// AnthropicMessage is one turn of an Anthropic conversation. Content accepts
// both the string shorthand and the block array.
type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content []AnthropicBlock `json:"content"`
}

// UnmarshalJSON accepts content as either a plain string or a block array.
func (m *AnthropicMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil
	if len(raw.Content) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		if text != "" {
			m.Content = []AnthropicBlock{{Type: "text", Text: text}}
		}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

// AnthropicBlock is one content block, tagged by Type.
type AnthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use / server_tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result / web_search_tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`

	// image / document
	Source *AnthropicSource `json:"source,omitempty"`

	// Gemini relay carries a part-level signature here.
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	// Stripped before forwarding.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// AnthropicSource is an image or document source.
type AnthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicTool is one tool definition. Reserved vendor tool types arrive
// without an input_schema.
type AnthropicTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     int             `json:"max_uses,omitempty"`
}

// AnthropicToolChoice selects how the model may use tools.
type AnthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// AnthropicThinking enables or disables extended thinking.
type AnthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicMetadata carries the caller's session identity.
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicRequest is a POST /v1/messages body.
type AnthropicRequest struct {
	Model         string               `json:"model"`
	Messages      []AnthropicMessage   `json:"messages"`
	MaxTokens     int                  `json:"max_tokens"`
	Stream        bool                 `json:"stream,omitempty"`
	System        interface{}          `json:"system,omitempty"`
	Tools         []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice    *AnthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking      *AnthropicThinking   `json:"thinking,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int                 `json:"top_k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Metadata      *AnthropicMetadata   `json:"metadata,omitempty"`
}

// UserKey returns the stable caller identity used to scope the last-thinking
// signature cache.
func (r *AnthropicRequest) UserKey() string {
	if r.Metadata != nil && r.Metadata.UserID != "" {
		return r.Metadata.UserID
	}
	return ""
}

// ThinkingEnabled reports whether the request asks for extended thinking.
// Absent thinking config on a thinking model counts as enabled.
func (r *AnthropicRequest) ThinkingEnabled(modelIsThinking bool) bool {
	if r.Thinking != nil {
		return r.Thinking.Type == "enabled"
	}
	return modelIsThinking
}

// SystemText collapses the system field (string or block array) to one string.
func (r *AnthropicRequest) SystemText() string {
	switch s := r.System.(type) {
	case string:
		return s
	case []interface{}:
		out := ""
		for _, item := range s {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if text, ok := m["text"].(string); ok && text != "" {
					if out != "" {
						out += "\n\n"
					}
					out += text
				}
			}
		}
		return out
	default:
		return ""
	}
}

// AnthropicUsage is the Anthropic-shaped token accounting.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicResponse is a unary POST /v1/messages response.
type AnthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Content      []AnthropicBlock `json:"content"`
	Model        string           `json:"model"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        *AnthropicUsage  `json:"usage,omitempty"`
}

// AnthropicDelta is the delta payload of a content_block_delta event.
type AnthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Data        string `json:"data,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// AnthropicEvent is one named SSE event of an Anthropic stream.
type AnthropicEvent struct {
	Type         string             `json:"type"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Index        *int               `json:"index,omitempty"`
	ContentBlock *AnthropicBlock    `json:"content_block,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
	Error        *AnthropicError    `json:"error,omitempty"`
}

// AnthropicError is the error payload of both unary bodies and error events.
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicErrorBody is the unary error envelope.
type AnthropicErrorBody struct {
	Type  string         `json:"type"`
	Error AnthropicError `json:"error"`
}

// NewAnthropicError builds the unary error envelope.
func NewAnthropicError(errType, message string) *AnthropicErrorBody {
	return &AnthropicErrorBody{Type: "error", Error: AnthropicError{Type: errType, Message: message}}
}

// NewMessageID generates an Anthropic-shaped message id.
func NewMessageID() string {
	return "msg_" + randomHex(24)
}

// NewToolUseID generates an Anthropic-shaped tool_use id.
func NewToolUseID() string {
	return "toolu_" + randomHex(24)
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)[:n]
}
