package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/server/sse"
	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/translate"
	"github.com/openfold/gravity-gateway/internal/websearch"
)

// handleAnthropicMessages serves POST /v1/messages.
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	start := time.Now()

	var req translate.AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, translate.NewAnthropicError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, translate.NewAnthropicError("invalid_request_error", "model and messages are required"))
		return
	}

	release, ok := s.acquireModelSlot(c, "anthropic", req.Model)
	if !ok {
		return
	}
	defer release()

	if websearch.WantsWebSearch(&req) {
		if query, toolUseID, pending := websearch.PendingQuery(&req); pending {
			s.serveWebSearch(c, &req, query, toolUseID, start)
			return
		}
	}

	ctx := c.Request.Context()
	userKey := req.UserKey()
	thinkingModel := config.IsThinkingModel(config.EffectiveModel(req.Model))
	thinkingEnabled := req.ThinkingEnabled(thinkingModel)

	// Translation waits for the first account so empty historical web search
	// results can be re-executed before the request body is frozen.
	var env *translate.VendorRequest
	prepare := func(ctx context.Context, a *store.Account) *translate.VendorRequest {
		if env == nil {
			if websearch.WantsWebSearch(&req) {
				s.searcher.RepairEmptyResults(ctx, a, &req)
			}
			body, outcome := translate.AnthropicToVendor(ctx, s.caches, &req)
			if outcome.Downgraded {
				thinkingEnabled = false
			}
			env = translate.NewEnvelope(req.Model, body)
		}
		r := env.Clone()
		r.Project = projectFor(a)
		return r
	}

	if req.Stream {
		s.streamAnthropic(c, &req, userKey, thinkingEnabled, prepare, start)
		return
	}

	var result *translate.GenerateContentResponse
	var acct *store.Account
	runErr := s.engine.Run(ctx, req.Model,
		func() bool { return true },
		func(a *store.Account) { acct = a },
		func(ctx context.Context, a *store.Account) error {
			resp, err := s.client.Call(ctx, a, prepare(ctx, a))
			if err != nil {
				return err
			}
			result = resp
			return nil
		})

	prompt, completion, thinking := usageFromVendor(result)
	s.logRequest(c, acct, req.Model, prompt, completion, thinking, start, runErr)
	if runErr != nil {
		s.writeError(c, "anthropic", runErr)
		return
	}
	c.JSON(http.StatusOK, translate.VendorToAnthropic(ctx, s.caches, result, req.Model, userKey))
}

func (s *Server) streamAnthropic(c *gin.Context, req *translate.AnthropicRequest, userKey string, thinkingEnabled bool, prepare func(context.Context, *store.Account) *translate.VendorRequest, start time.Time) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, translate.NewAnthropicError("api_error", err.Error()))
		return
	}

	ctx := c.Request.Context()
	st := translate.NewAnthropicStream(ctx, s.caches, req.Model, userKey, thinkingEnabled)

	headersSet := false
	emit := func(events []translate.AnthropicEvent) error {
		for _, ev := range events {
			if !headersSet {
				writer.SetHeaders()
				headersSet = true
			}
			if err := writer.WriteEvent(ev.Type, ev); err != nil {
				return err
			}
		}
		return nil
	}

	var acct *store.Account
	runErr := s.engine.Run(ctx, req.Model,
		func() bool { return !writer.Wrote() },
		func(a *store.Account) { acct = a },
		func(ctx context.Context, a *store.Account) error {
			return s.client.Stream(ctx, a, prepare(ctx, a), func(chunk *translate.GenerateContentResponse) error {
				return emit(st.OnChunk(chunk))
			})
		})

	if runErr != nil {
		s.logAnthropicUsage(c, acct, req.Model, st.Usage(), start, runErr)
		if !writer.Wrote() {
			s.writeError(c, "anthropic", runErr)
			return
		}
		_, _, message := classifyHTTP(runErr)
		writer.WriteEvent("error", translate.AnthropicEvent{
			Type:  "error",
			Error: &translate.AnthropicError{Type: "api_error", Message: message},
		})
		return
	}

	emit(st.Finish())
	s.logAnthropicUsage(c, acct, req.Model, st.Usage(), start, nil)
}

func (s *Server) logAnthropicUsage(c *gin.Context, acct *store.Account, model string, usage *translate.AnthropicUsage, start time.Time, err error) {
	prompt, completion := 0, 0
	if usage != nil {
		prompt = usage.InputTokens
		completion = usage.OutputTokens
	}
	s.logRequest(c, acct, model, prompt, completion, 0, start, err)
}

// serveWebSearch answers a fresh WebSearch turn server-side instead of
// forwarding it.
func (s *Server) serveWebSearch(c *gin.Context, req *translate.AnthropicRequest, query, toolUseID string, start time.Time) {
	ctx := c.Request.Context()

	var results []websearch.Result
	var answer string
	var acct *store.Account
	runErr := s.engine.Run(ctx, req.Model,
		func() bool { return true },
		func(a *store.Account) { acct = a },
		func(ctx context.Context, a *store.Account) error {
			r, ans, err := s.searcher.Search(ctx, a, query)
			if err != nil {
				return err
			}
			results, answer = r, ans
			return nil
		})

	s.logRequest(c, acct, req.Model, 0, 0, 0, start, runErr)
	if runErr != nil {
		s.writeError(c, "anthropic", runErr)
		return
	}

	resp := websearch.SynthesizeResponse(req.Model, query, toolUseID, results, answer)
	if !req.Stream {
		c.JSON(http.StatusOK, resp)
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, translate.NewAnthropicError("api_error", err.Error()))
		return
	}
	writer.SetHeaders()
	for _, ev := range synthesizedEvents(resp) {
		if err := writer.WriteEvent(ev.Type, ev); err != nil {
			return
		}
	}
}

// synthesizedEvents frames a fully-assembled message as a minimal event
// stream: each block opens with its complete payload and closes immediately.
func synthesizedEvents(resp *translate.AnthropicResponse) []translate.AnthropicEvent {
	events := []translate.AnthropicEvent{{
		Type: "message_start",
		Message: &translate.AnthropicResponse{
			ID:      resp.ID,
			Type:    "message",
			Role:    "assistant",
			Content: []translate.AnthropicBlock{},
			Model:   resp.Model,
			Usage:   &translate.AnthropicUsage{},
		},
	}}
	for i := range resp.Content {
		idx := i
		block := resp.Content[i]
		events = append(events,
			translate.AnthropicEvent{Type: "content_block_start", Index: &idx, ContentBlock: &block},
			translate.AnthropicEvent{Type: "content_block_stop", Index: &idx},
		)
	}
	events = append(events,
		translate.AnthropicEvent{
			Type:  "message_delta",
			Delta: &translate.AnthropicDelta{Type: "message_delta", StopReason: resp.StopReason},
			Usage: resp.Usage,
		},
		translate.AnthropicEvent{Type: "message_stop"},
	)
	return events
}

// handleCountTokens serves POST /v1/messages/count_tokens.
func (s *Server) handleCountTokens(c *gin.Context) {
	var req translate.AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, translate.NewAnthropicError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" {
		c.JSON(http.StatusBadRequest, translate.NewAnthropicError("invalid_request_error", "model is required"))
		return
	}

	ctx := c.Request.Context()
	body, _ := translate.AnthropicToVendor(ctx, s.caches, &req)

	var total int
	runErr := s.engine.Run(ctx, req.Model,
		func() bool { return true },
		nil,
		func(ctx context.Context, a *store.Account) error {
			n, err := s.client.CountTokens(ctx, a, req.Model, body)
			if err != nil {
				return err
			}
			total = n
			return nil
		})
	if runErr != nil {
		s.writeError(c, "anthropic", runErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": total})
}
