package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/translate"
)

func chunk(parts ...translate.Part) *translate.GenerateContentResponse {
	return &translate.GenerateContentResponse{
		Candidates: []translate.Candidate{{Content: &translate.Content{Role: "model", Parts: parts}}},
	}
}

func TestAggregatorCoalescesByThoughtPolarity(t *testing.T) {
	agg := NewAggregator()
	agg.Add(chunk(translate.Part{Text: "thinking ", Thought: true}))
	agg.Add(chunk(translate.Part{Text: "hard", Thought: true}))
	agg.Add(chunk(translate.Part{Text: "Hello "}))
	agg.Add(chunk(translate.Part{Text: "world"}))

	parts := translate.FirstCandidateParts(agg.Result())
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "thinking hard", parts[0].Text)
	assert.Equal(t, "Hello world", parts[1].Text)
}

func TestAggregatorLateSignatureAttachesToThinking(t *testing.T) {
	agg := NewAggregator()
	agg.Add(chunk(translate.Part{Text: "reasoning", Thought: true}))
	agg.Add(chunk(translate.Part{Thought: true, ThoughtSignature: "sig-arrives-later"}))

	parts := translate.FirstCandidateParts(agg.Result())
	require.Len(t, parts, 1)
	assert.Equal(t, "sig-arrives-later", parts[0].ThoughtSignature)
	assert.Equal(t, "reasoning", parts[0].Text)
}

func TestAggregatorFunctionCallBreaksRuns(t *testing.T) {
	agg := NewAggregator()
	agg.Add(chunk(translate.Part{Text: "plan", Thought: true}))
	agg.Add(chunk(translate.Part{FunctionCall: &translate.FunctionCall{Name: "get_weather"}}))
	agg.Add(chunk(translate.Part{Text: "done"}))

	parts := translate.FirstCandidateParts(agg.Result())
	require.Len(t, parts, 3)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "get_weather", parts[1].FunctionCall.Name)
	assert.Equal(t, "done", parts[2].Text)
}

func TestAggregatorKeepsLastFinishReasonAndUsage(t *testing.T) {
	agg := NewAggregator()
	agg.Add(chunk(translate.Part{Text: "hi"}))
	agg.Add(&translate.GenerateContentResponse{
		Candidates:    []translate.Candidate{{FinishReason: "MAX_TOKENS"}},
		UsageMetadata: &translate.UsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 7},
	})

	result := agg.Result()
	assert.Equal(t, "MAX_TOKENS", result.Candidates[0].FinishReason)
	require.NotNil(t, result.UsageMetadata)
	assert.Equal(t, 5, result.UsageMetadata.PromptTokenCount)
}

func TestAggregatorFallsBackToLastRawParts(t *testing.T) {
	agg := NewAggregator()
	// An all-empty text part aggregates to nothing; the raw parts of the last
	// chunk are served instead so content is never dropped entirely.
	raw := translate.Part{FileData: &translate.FileData{MimeType: "image/png", FileURI: "https://example.com/x.png"}}
	agg.Add(chunk(raw))

	parts := translate.FirstCandidateParts(agg.Result())
	require.Len(t, parts, 1)
	assert.NotNil(t, parts[0].FileData)
}

func TestAggregatorEmptyStream(t *testing.T) {
	agg := NewAggregator()
	assert.False(t, agg.SawChunk())
	assert.Empty(t, translate.FirstCandidateParts(agg.Result()))
	assert.Equal(t, "STOP", agg.Result().Candidates[0].FinishReason)
}
