// Package websearch implements the Claude Code compatibility layer for the
// WebSearch tool: searches run server-side through the vendor's grounding
// search, and the answer is synthesized back in Anthropic shape.
package websearch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/translate"
	"github.com/openfold/gravity-gateway/internal/upstream"
)

// searchModel is the model used to execute grounded searches.
const searchModel = "gemini-2.5-flash"

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher executes web searches through the vendor grounding tool.
type Searcher struct {
	client *upstream.Client
}

// New creates a searcher over the upstream client.
func New(client *upstream.Client) *Searcher {
	return &Searcher{client: client}
}

// WantsWebSearch reports whether the request is a Claude Code session whose
// tool list carries the WebSearch tool, and returns the query when the last
// user turn is a plain search instruction.
func WantsWebSearch(req *translate.AnthropicRequest) bool {
	if !isClaudeCode(req) {
		return false
	}
	for _, t := range req.Tools {
		if t.Name == translate.BuiltinWebSearchToolName || strings.HasPrefix(t.Type, "web_search_") {
			return true
		}
	}
	return false
}

func isClaudeCode(req *translate.AnthropicRequest) bool {
	return strings.Contains(req.SystemText(), "You are Claude Code")
}

// PendingQuery returns the query of a WebSearch tool_use in the last
// assistant message that has no tool_result yet, or the last user text when
// the client dispatched the search as a plain turn.
func PendingQuery(req *translate.AnthropicRequest) (query, toolUseID string, ok bool) {
	if len(req.Messages) == 0 {
		return "", "", false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return "", "", false
	}
	// A user turn answering a WebSearch tool_use is not a fresh query.
	for _, b := range last.Content {
		if b.Type == "tool_result" {
			return "", "", false
		}
	}
	text := ""
	for _, b := range last.Content {
		if b.Type == "text" && b.Text != "" {
			text = b.Text
		}
	}
	if text == "" {
		return "", "", false
	}
	return text, translate.NewToolUseID(), true
}

// Search runs one grounded search and returns hits plus the model's answer
// text.
func (s *Searcher) Search(ctx context.Context, acct *store.Account, query string) ([]Result, string, error) {
	body := &translate.VendorBody{
		Contents: []translate.Content{{
			Role:  "user",
			Parts: []translate.Part{{Text: query}},
		}},
		GenerationConfig: &translate.GenerationConfig{CandidateCount: 1},
		Tools:            []translate.Tool{{GoogleSearch: &struct{}{}}},
	}
	req := translate.NewEnvelope(searchModel, body)
	req.Project = acct.ProjectID

	resp, err := s.client.Call(ctx, acct, req)
	if err != nil {
		return nil, "", err
	}

	answer := ""
	for _, p := range translate.FirstCandidateParts(resp) {
		if !p.Thought && p.Text != "" {
			answer += p.Text
		}
	}

	var results []Result
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].GroundingMetadata) > 0 {
		gjson.ParseBytes(resp.Candidates[0].GroundingMetadata).Get("groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
			web := chunk.Get("web")
			if !web.Exists() {
				return true
			}
			results = append(results, Result{
				Title: web.Get("title").String(),
				URL:   web.Get("uri").String(),
			})
			return true
		})
	}
	return results, answer, nil
}

// SynthesizeResponse builds the Anthropic-shaped unary answer: a
// server_tool_use block, its web_search_tool_result, and the answer text.
func SynthesizeResponse(model, query, toolUseID string, results []Result, answer string) *translate.AnthropicResponse {
	input, _ := json.Marshal(map[string]string{"query": query})

	blocks := []translate.AnthropicBlock{
		{Type: "server_tool_use", ID: toolUseID, Name: "web_search", Input: input},
		{Type: "web_search_tool_result", ToolUseID: toolUseID, Content: resultBlocks(results)},
	}
	if answer != "" {
		blocks = append(blocks, translate.AnthropicBlock{Type: "text", Text: answer})
	}

	return &translate.AnthropicResponse{
		ID:         translate.NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      model,
		StopReason: "end_turn",
		Usage:      &translate.AnthropicUsage{},
	}
}

func resultBlocks(results []Result) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"type":  "web_search_result",
			"title": r.Title,
			"url":   r.URL,
		})
	}
	return out
}

// FormatResultsText renders hits as the textual tool_result used when
// rewriting empty results in history.
func FormatResultsText(results []Result, answer string) string {
	var b strings.Builder
	if answer != "" {
		b.WriteString(answer)
		b.WriteString("\n\n")
	}
	b.WriteString("Search results:\n")
	for i, r := range results {
		b.WriteString(strings.TrimSpace(r.Title))
		b.WriteString(" - ")
		b.WriteString(r.URL)
		if i < len(results)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RepairEmptyResults re-executes searches whose historical tool_result came
// back empty and rewrites the result content in place. The model then sees a
// useful history even when the client dropped the search output.
func (s *Searcher) RepairEmptyResults(ctx context.Context, acct *store.Account, req *translate.AnthropicRequest) {
	queries := webSearchQueriesByID(req)

	for mi := range req.Messages {
		msg := &req.Messages[mi]
		if msg.Role != "user" {
			continue
		}
		for bi := range msg.Content {
			b := &msg.Content[bi]
			if b.Type != "tool_result" || !emptyToolResult(b.Content) {
				continue
			}
			query, ok := queries[b.ToolUseID]
			if !ok || query == "" {
				continue
			}
			results, answer, err := s.Search(ctx, acct, query)
			if err != nil || (len(results) == 0 && answer == "") {
				continue
			}
			b.Content = FormatResultsText(results, answer)
		}
	}
}

// webSearchQueriesByID maps WebSearch tool_use ids to their queries.
func webSearchQueriesByID(req *translate.AnthropicRequest) map[string]string {
	out := make(map[string]string)
	for _, msg := range req.Messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, b := range msg.Content {
			if b.Type != "tool_use" && b.Type != "server_tool_use" {
				continue
			}
			if b.Name != translate.BuiltinWebSearchToolName && b.Name != "web_search" {
				continue
			}
			query := gjson.GetBytes(b.Input, "query").String()
			if query != "" {
				out[b.ID] = query
			}
		}
	}
	return out
}

func emptyToolResult(content interface{}) bool {
	switch c := content.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(c) == ""
	case []interface{}:
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok && strings.TrimSpace(text) != "" {
				return false
			}
		}
		return true
	default:
		return false
	}
}
