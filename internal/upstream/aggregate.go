package upstream

import (
	"github.com/openfold/gravity-gateway/internal/translate"
)

// Aggregator re-assembles a unary response from a consumed stream, used by
// the pseudo-non-stream shim. Adjacent text parts of the same thought
// polarity coalesce; non-text parts pass through verbatim.
type Aggregator struct {
	thinkingText string
	thinkingSig  string
	bodyText     string

	parts        []translate.Part
	finishReason string
	usage        *translate.UsageMetadata
	modelVersion string
	lastRaw      []translate.Part
	sawChunk     bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{finishReason: "STOP"}
}

func (a *Aggregator) flushThinking() {
	if a.thinkingText == "" && a.thinkingSig == "" {
		return
	}
	a.parts = append(a.parts, translate.Part{
		Text:             a.thinkingText,
		Thought:          true,
		ThoughtSignature: a.thinkingSig,
	})
	a.thinkingText = ""
	a.thinkingSig = ""
}

func (a *Aggregator) flushText() {
	if a.bodyText == "" {
		return
	}
	a.parts = append(a.parts, translate.Part{Text: a.bodyText})
	a.bodyText = ""
}

// Add consumes one stream chunk.
func (a *Aggregator) Add(resp *translate.GenerateContentResponse) {
	if resp == nil {
		return
	}
	a.sawChunk = true
	if resp.UsageMetadata != nil {
		a.usage = resp.UsageMetadata
	}
	if resp.ModelVersion != "" {
		a.modelVersion = resp.ModelVersion
	}
	if len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		a.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return
	}
	if len(cand.Content.Parts) > 0 {
		a.lastRaw = cand.Content.Parts
	}

	for _, p := range cand.Content.Parts {
		switch {
		case p.Thought:
			a.flushText()
			a.thinkingText += p.Text
			// A signature can arrive on a later chunk than its text.
			if p.ThoughtSignature != "" {
				a.thinkingSig = p.ThoughtSignature
			}
		case p.FunctionCall != nil:
			a.flushThinking()
			a.flushText()
			a.parts = append(a.parts, p)
		case p.InlineData != nil:
			a.flushThinking()
			a.flushText()
			a.parts = append(a.parts, p)
		case p.Text != "":
			a.flushThinking()
			a.bodyText += p.Text
		}
	}
}

// Result builds the aggregated unary response. If every text part was empty
// the raw parts of the last chunk are used so content is never lost entirely.
func (a *Aggregator) Result() *translate.GenerateContentResponse {
	a.flushThinking()
	a.flushText()

	parts := a.parts
	if len(parts) == 0 && len(a.lastRaw) > 0 {
		parts = a.lastRaw
	}

	return &translate.GenerateContentResponse{
		Candidates: []translate.Candidate{{
			Content:      &translate.Content{Role: "model", Parts: parts},
			FinishReason: a.finishReason,
		}},
		UsageMetadata: a.usage,
		ModelVersion:  a.modelVersion,
	}
}

// SawChunk reports whether any payload was consumed.
func (a *Aggregator) SawChunk() bool {
	return a.sawChunk
}
