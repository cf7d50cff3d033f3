// Package translate converts between the public protocol surfaces (OpenAI
// chat completions, Anthropic messages, Gemini native) and the vendor's
// internal generate-content wire format.
package translate

import (
	"encoding/json"
	"math/rand"
	"strconv"

	"github.com/google/uuid"

	"github.com/openfold/gravity-gateway/internal/config"
)

// Part is one vendor content part. Exactly one of the pointer fields is set;
// Text may accompany Thought/ThoughtSignature.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a model-initiated tool invocation.
type FunctionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse is the client's answer to a FunctionCall.
type FunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
}

// InlineData is base64-embedded media.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData is URL-referenced media.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// Content is one turn in the vendor conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// ThinkingConfig controls the extended-thinking feature.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}

// GenerationConfig is the vendor sampling configuration.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// FunctionDeclaration is one tool the model may call.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Tool wraps the function declarations array. GoogleSearch enables the
// vendor's native grounding search instead.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
}

// ToolConfig carries the function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects AUTO, ANY or NONE.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// VendorBody is the inner generate-content request.
type VendorBody struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// VendorRequest is the outer Cloud Code envelope.
type VendorRequest struct {
	Project     string      `json:"project"`
	RequestID   string      `json:"requestId"`
	Request     *VendorBody `json:"request"`
	Model       string      `json:"model"`
	UserAgent   string      `json:"userAgent"`
	RequestType string      `json:"requestType"`
}

// Clone deep-copies the envelope via JSON so per-attempt project injection
// never mutates the shared translation.
func (r *VendorRequest) Clone() *VendorRequest {
	data, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var out VendorRequest
	if err := json.Unmarshal(data, &out); err != nil {
		return r
	}
	return &out
}

// NewEnvelope wraps a translated body. Project is left empty; the retry
// engine injects the attempt's project id.
func NewEnvelope(model string, body *VendorBody) *VendorRequest {
	if body.SessionID == "" {
		body.SessionID = NewSessionID()
	}
	return &VendorRequest{
		Project:     "",
		RequestID:   "agent-" + uuid.New().String(),
		Request:     body,
		Model:       config.EffectiveModel(model),
		UserAgent:   "antigravity",
		RequestType: "agent",
	}
}

// NewSessionID generates the session id the vendor expects: a random
// negative 63-bit integer rendered as a decimal string.
func NewSessionID() string {
	return "-" + strconv.FormatInt(rand.Int63(), 10)
}

// Vendor response shapes. Decoding is tolerant: unknown keys are ignored and
// missing subtrees yield zero values.

// Candidate is one generated answer.
type Candidate struct {
	Content           *Content        `json:"content,omitempty"`
	FinishReason      string          `json:"finishReason,omitempty"`
	Index             int             `json:"index,omitempty"`
	GroundingMetadata json.RawMessage `json:"groundingMetadata,omitempty"`
	ThoughtSignature  string          `json:"thoughtSignature,omitempty"`
}

// UsageMetadata carries the vendor token accounting.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// PromptFeedback reports a vendor-side content block.
type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// GenerateContentResponse is the inner response payload.
type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
	ResponseID     string          `json:"responseId,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
}

// VendorResponse is the outer Cloud Code response envelope.
type VendorResponse struct {
	Response *GenerateContentResponse `json:"response,omitempty"`
	TraceID  string                   `json:"traceId,omitempty"`
}

// Inner returns the generate-content payload, unwrapping the envelope when
// present and accepting a bare payload otherwise.
func (r *VendorResponse) Inner() *GenerateContentResponse {
	if r == nil {
		return nil
	}
	return r.Response
}

// ParseVendorResponse decodes a vendor payload, accepting both the enveloped
// and the bare generate-content shape.
func ParseVendorResponse(data []byte) (*GenerateContentResponse, error) {
	var env VendorResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Response != nil {
		return env.Response, nil
	}
	var bare GenerateContentResponse
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, err
	}
	return &bare, nil
}

// FirstCandidateParts returns the first candidate's parts, or nil.
func FirstCandidateParts(resp *GenerateContentResponse) []Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}
