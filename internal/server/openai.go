package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/server/sse"
	"github.com/openfold/gravity-gateway/internal/store"
	"github.com/openfold/gravity-gateway/internal/translate"
)

func projectFor(a *store.Account) string {
	if a.ProjectID != "" {
		return a.ProjectID
	}
	return config.DefaultProjectID
}

// handleOpenAIChat serves POST /v1/chat/completions.
func (s *Server) handleOpenAIChat(c *gin.Context) {
	start := time.Now()

	var req translate.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, translate.NewOpenAIError("Invalid request body: "+err.Error(), "invalid_request_error", ""))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, translate.NewOpenAIError("model and messages are required", "invalid_request_error", ""))
		return
	}

	release, ok := s.acquireModelSlot(c, "openai", req.Model)
	if !ok {
		return
	}
	defer release()

	ctx := c.Request.Context()
	body := translate.OpenAIToVendor(ctx, s.caches, &req)
	env := translate.NewEnvelope(req.Model, body)

	if req.Stream {
		s.streamOpenAI(c, &req, env, start)
		return
	}

	var result *translate.GenerateContentResponse
	var acct *store.Account
	runErr := s.engine.Run(ctx, req.Model,
		func() bool { return true },
		func(a *store.Account) { acct = a },
		func(ctx context.Context, a *store.Account) error {
			r := env.Clone()
			r.Project = projectFor(a)
			resp, err := s.client.Call(ctx, a, r)
			if err != nil {
				return err
			}
			result = resp
			return nil
		})

	prompt, completion, thinking := usageFromVendor(result)
	s.logRequest(c, acct, req.Model, prompt, completion, thinking, start, runErr)
	if runErr != nil {
		s.writeError(c, "openai", runErr)
		return
	}
	c.JSON(http.StatusOK, translate.VendorToOpenAI(ctx, s.caches, result, req.Model, string(s.cfg.ThinkingOutput)))
}

func (s *Server) streamOpenAI(c *gin.Context, req *translate.OpenAIRequest, env *translate.VendorRequest, start time.Time) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, translate.NewOpenAIError(err.Error(), "api_error", ""))
		return
	}

	ctx := c.Request.Context()
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	st := translate.NewOpenAIStream(ctx, s.caches, req.Model, string(s.cfg.ThinkingOutput), includeUsage)

	headersSet := false
	emit := func(chunks []translate.OpenAIChunk) error {
		for _, chunk := range chunks {
			if !headersSet {
				writer.SetHeaders()
				headersSet = true
			}
			if err := writer.WriteData(chunk); err != nil {
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
			r := env.Clone()
			r.Project = projectFor(a)
			return s.client.Stream(ctx, a, r, func(chunk *translate.GenerateContentResponse) error {
				return emit(st.OnChunk(chunk))
			})
		})

	// An HTTP 200 stream that carried no visible delta is an upstream
	// failure, not a normal stop.
	if runErr == nil && !st.SawContent() {
		runErr = gwerr.New(gwerr.CodeEmptyResponse, "Upstream returned empty response (no content)")
	}

	if runErr != nil {
		s.logStreamUsage(c, acct, req.Model, st.Usage(), start, runErr)
		if !writer.Wrote() {
			s.writeError(c, "openai", runErr)
			return
		}
		// The stream is already live; surface the failure in-band.
		_, _, message := classifyHTTP(runErr)
		writer.WriteData(translate.NewOpenAIError(message, "api_error", ""))
		writer.WriteDone()
		return
	}

	emit(st.Finish())
	writer.WriteDone()
	s.logStreamUsage(c, acct, req.Model, st.Usage(), start, nil)
}

func (s *Server) logStreamUsage(c *gin.Context, acct *store.Account, model string, usage *translate.OpenAIUsage, start time.Time, err error) {
	prompt, completion, thinking := 0, 0, 0
	if usage != nil {
		prompt = usage.PromptTokens
		completion = usage.CompletionTokens
		if usage.CompletionTokensDetails != nil {
			thinking = usage.CompletionTokensDetails.ReasoningTokens
		}
	}
	s.logRequest(c, acct, model, prompt, completion, thinking, start, err)
}

func usageFromVendor(resp *translate.GenerateContentResponse) (prompt, completion, thinking int) {
	if resp == nil || resp.UsageMetadata == nil {
		return 0, 0, 0
	}
	um := resp.UsageMetadata
	return um.PromptTokenCount, um.CandidatesTokenCount + um.ThoughtsTokenCount, um.ThoughtsTokenCount
}
